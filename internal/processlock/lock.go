// Package processlock keeps two gateways from sharing one data directory.
package processlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

const pidFileName = "mcpgateway.pid"

// ErrLocked is returned when a live process already holds the data directory.
var ErrLocked = errors.New("data directory is locked by another gateway")

// Lock is a PID file inside the data directory.
type Lock struct {
	path   string
	pid    int
	logger *zap.Logger
}

// New returns the lock for dataDir. Nothing is written until Acquire.
func New(dataDir string, logger *zap.Logger) *Lock {
	return &Lock{
		path:   filepath.Join(dataDir, pidFileName),
		pid:    os.Getpid(),
		logger: logger.Named("processlock"),
	}
}

// Path returns the PID file location.
func (l *Lock) Path() string {
	return l.path
}

// Acquire writes the current PID. A file left by a dead process is replaced.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	owner, err := readPID(l.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		l.logger.Warn("Replacing unreadable PID file", zap.String("path", l.path), zap.Error(err))
	case owner == l.pid:
		return nil
	case alive(owner):
		return fmt.Errorf("%w (pid %d)", ErrLocked, owner)
	default:
		l.logger.Warn("Replacing stale PID file", zap.Int("pid", owner), zap.String("path", l.path))
	}

	if err := os.WriteFile(l.path, []byte(strconv.Itoa(l.pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	l.logger.Info("Data directory locked", zap.Int("pid", l.pid), zap.String("path", l.path))
	return nil
}

// Release removes the PID file if this process still owns it.
func (l *Lock) Release() error {
	owner, err := readPID(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && owner != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID %q", s)
	}
	return pid, nil
}

// alive sends signal 0; FindProcess always succeeds on Unix.
func alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
