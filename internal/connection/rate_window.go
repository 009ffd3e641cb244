package connection

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// rateBuckets is the granularity of a RateWindow: 60 one-second buckets for
// a one-minute window.
const rateBuckets = 60

// RateWindow counts events over a rolling window using a ring of fixed-size
// buckets. It belongs to a single connection and dies with it.
type RateWindow struct {
	mu         sync.Mutex
	clock      clock.Clock
	window     time.Duration
	bucketSize time.Duration
	buckets    [rateBuckets]rateBucket
}

type rateBucket struct {
	start time.Time
	count int
}

// NewRateWindow creates a window of the given length.
func NewRateWindow(clk clock.Clock, window time.Duration) *RateWindow {
	if window <= 0 {
		window = time.Minute
	}
	bucketSize := window / rateBuckets
	if bucketSize <= 0 {
		bucketSize = time.Nanosecond
	}
	return &RateWindow{clock: clk, window: window, bucketSize: bucketSize}
}

// Allow records one event and reports whether the window still holds at
// most limit events. Rejected events are not counted. A limit <= 0 disables
// the check.
func (w *RateWindow) Allow(limit int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if limit > 0 && w.sumLocked(now) >= limit {
		return false
	}
	w.bucketLocked(now).count++
	return true
}

// Count returns the number of events inside the window.
func (w *RateWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sumLocked(w.clock.Now())
}

// ResetAt returns when the oldest counted event leaves the window.
func (w *RateWindow) ResetAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	cutoff := now.Add(-w.window)
	oldest := time.Time{}
	for i := range w.buckets {
		b := w.buckets[i]
		if b.count == 0 || !b.start.After(cutoff) {
			continue
		}
		if oldest.IsZero() || b.start.Before(oldest) {
			oldest = b.start
		}
	}
	if oldest.IsZero() {
		return now
	}
	return oldest.Add(w.window)
}

func (w *RateWindow) sumLocked(now time.Time) int {
	cutoff := now.Add(-w.window)
	sum := 0
	for i := range w.buckets {
		if w.buckets[i].start.After(cutoff) {
			sum += w.buckets[i].count
		}
	}
	return sum
}

// bucketLocked returns the bucket for now, recycling the slot when it still
// holds a previous lap of the ring.
func (w *RateWindow) bucketLocked(now time.Time) *rateBucket {
	start := now.Truncate(w.bucketSize)
	idx := int((start.UnixNano() / int64(w.bucketSize)) % rateBuckets)
	if idx < 0 {
		idx += rateBuckets
	}
	b := &w.buckets[idx]
	if !b.start.Equal(start) {
		b.start = start
		b.count = 0
	}
	return b
}
