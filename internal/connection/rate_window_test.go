package connection

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestRateWindow_Limit(t *testing.T) {
	mock := clock.NewMock()
	w := NewRateWindow(mock, time.Minute)

	for i := 0; i < 5; i++ {
		assert.True(t, w.Allow(5))
		mock.Add(time.Second)
	}
	assert.False(t, w.Allow(5))
	// Rejected events are not counted
	assert.Equal(t, 5, w.Count())
}

func TestRateWindow_Slides(t *testing.T) {
	mock := clock.NewMock()
	w := NewRateWindow(mock, time.Minute)

	assert.True(t, w.Allow(2))
	mock.Add(30 * time.Second)
	assert.True(t, w.Allow(2))
	assert.False(t, w.Allow(2))

	// The first event leaves the window, the second is still inside
	mock.Add(31 * time.Second)
	assert.Equal(t, 1, w.Count())
	assert.True(t, w.Allow(2))
	assert.False(t, w.Allow(2))

	mock.Add(2 * time.Minute)
	assert.Equal(t, 0, w.Count())
}

func TestRateWindow_ResetAt(t *testing.T) {
	mock := clock.NewMock()
	w := NewRateWindow(mock, time.Minute)

	assert.Equal(t, mock.Now(), w.ResetAt())

	start := mock.Now()
	w.Allow(0)
	mock.Add(10 * time.Second)
	w.Allow(0)

	assert.Equal(t, start.Add(time.Minute), w.ResetAt())
}

func TestRateWindow_Unlimited(t *testing.T) {
	w := NewRateWindow(clock.NewMock(), time.Minute)
	for i := 0; i < 1000; i++ {
		assert.True(t, w.Allow(0))
	}
	assert.Equal(t, 1000, w.Count())
}
