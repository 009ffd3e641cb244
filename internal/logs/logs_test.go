package logs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/events"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("trace"))
	assert.Equal(t, zap.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zap.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zap.InfoLevel, ParseLevel("bogus"))
}

func TestSetup_FileLogging(t *testing.T) {
	tempDir := t.TempDir()
	logConfig := &config.LogConfig{
		Level:      "debug",
		EnableFile: true,
		Filename:   "gateway.log",
		LogDir:     tempDir,
		MaxSize:    1,
		JSONFormat: true,
	}

	logger, err := Setup(logConfig)
	require.NoError(t, err)

	logger.Debug("hello from test", zap.String("component", "logs"))
	_ = logger.Sync()

	content, err := os.ReadFile(filepath.Join(tempDir, "gateway.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello from test")
	assert.Contains(t, string(content), `"component":"logs"`)
}

func TestSetup_NoCores(t *testing.T) {
	logger, err := Setup(&config.LogConfig{Level: "info"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestAuditLogger_Disabled(t *testing.T) {
	audit, err := NewAuditLogger(&config.LogConfig{}, t.TempDir())
	require.NoError(t, err)
	assert.False(t, audit.IsEnabled())

	// Recording without a file core must not panic
	audit.Record(events.Event{Type: events.ConnectionOpened})
	assert.NoError(t, audit.Close())
}

func TestAuditLogger_RecordsEvents(t *testing.T) {
	logDir := t.TempDir()
	dataDir := t.TempDir()
	logConfig := &config.LogConfig{
		LogDir:        logDir,
		MaxSize:       1,
		AuditFilename: "audit.log",
	}

	audit, err := NewAuditLogger(logConfig, dataDir)
	require.NoError(t, err)
	assert.True(t, audit.IsEnabled())

	bus := events.NewBus()
	ch := bus.SubscribeAll()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		audit.Run(ctx, ch)
		close(done)
	}()

	bus.Publish(events.Event{
		Type:     events.UpstreamStatusChanged,
		ServerID: "upstream-a",
		OldState: "active",
		NewState: "degraded",
		Data: map[string]interface{}{
			"fail_count": 1,
			"api_key":    "s3cr3t",
		},
	})

	require.Eventually(t, func() bool {
		content, err := os.ReadFile(filepath.Join(logDir, "audit.log"))
		return err == nil && strings.Contains(string(content), "upstream_status_changed")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, audit.Close())

	content, err := os.ReadFile(filepath.Join(logDir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "[FILTERED]")
	assert.NotContains(t, string(content), "s3cr3t")
}

func TestAuditLogger_EscalationWritesFailureLog(t *testing.T) {
	dataDir := t.TempDir()
	audit, err := NewAuditLogger(nil, dataDir)
	require.NoError(t, err)

	audit.Record(events.Event{
		Type:     events.UpstreamEscalated,
		ServerID: "upstream-a",
		Data:     map[string]interface{}{"reason": "dial tcp: connection refused", "cycles": 5},
	})

	lines, err := ReadFailureLog(dataDir)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `Upstream "upstream-a"`)
	assert.Contains(t, lines[0], "Type: network")
	assert.Contains(t, lines[0], "Cycles: 5")

	// A manual reset clears the entry
	audit.Record(events.Event{
		Type:     events.CircuitReset,
		ServerID: "upstream-a",
		Data:     map[string]interface{}{"manual": true},
	})
	lines, err = ReadFailureLog(dataDir)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestRemoveUpstreamFromFailureLog_KeepsOthers(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, LogUpstreamFailure(dataDir, "a", "timeout", 5))
	require.NoError(t, LogUpstreamFailure(dataDir, "b", "401 unauthorized", 5))

	require.NoError(t, RemoveUpstreamFromFailureLog(dataDir, "a"))

	lines, err := ReadFailureLog(dataDir)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"b"`)
	assert.Contains(t, lines[0], "Type: auth")
}

func TestCategorizeError(t *testing.T) {
	tests := map[string]string{
		"":                          "unknown",
		"context deadline exceeded": "timeout",
		"dial tcp 10.0.0.1:80":      "network",
		"HTTP 401":                  "auth",
		"weird":                     "unknown",
	}
	for msg, want := range tests {
		got, _ := categorizeError(msg)
		assert.Equal(t, want, got, msg)
	}
}
