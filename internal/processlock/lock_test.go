package processlock

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLock_AcquireRelease(t *testing.T) {
	l := New(t.TempDir(), zap.NewNop())

	require.NoError(t, l.Acquire())
	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

	// Re-acquiring from the same process is a no-op
	require.NoError(t, l.Acquire())

	require.NoError(t, l.Release())
	_, err = os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, l.Release())
}

func TestLock_HeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, zap.NewNop())
	l.pid = os.Getpid() + 1
	require.NoError(t, os.WriteFile(l.Path(), []byte(strconv.Itoa(os.Getpid())), 0o600))

	// The PID file names this test process, which is alive
	err := l.Acquire()
	assert.ErrorIs(t, err, ErrLocked)

	// Release never removes a lock owned by someone else
	require.NoError(t, l.Release())
	_, err = os.Stat(l.Path())
	assert.NoError(t, err)
}

func TestLock_ReplacesGarbage(t *testing.T) {
	l := New(t.TempDir(), zap.NewNop())
	require.NoError(t, os.WriteFile(l.Path(), []byte("not a pid"), 0o600))

	require.NoError(t, l.Acquire())
	pid, err := readPID(l.Path())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
