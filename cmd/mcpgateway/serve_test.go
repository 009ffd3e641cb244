package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/logs"
)

func TestStartAudit_FailureLogWithoutAuditFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Logging.AuditFilename = ""

	bus := events.NewBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	audit, err := startAudit(ctx, cfg, bus)
	require.NoError(t, err)
	assert.False(t, audit.IsEnabled())
	require.Equal(t, 1, bus.TotalSubscribers())

	bus.Publish(events.Event{
		Type:     events.UpstreamEscalated,
		ServerID: "upstream-a",
		Data:     map[string]interface{}{"reason": "connection refused", "cycles": 5},
	})
	require.Eventually(t, func() bool {
		lines, err := logs.ReadFailureLog(cfg.DataDir)
		return err == nil && len(lines) == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(events.Event{
		Type:     events.CircuitReset,
		ServerID: "upstream-a",
		Data:     map[string]interface{}{"manual": true},
	})
	require.Eventually(t, func() bool {
		lines, err := logs.ReadFailureLog(cfg.DataDir)
		return err == nil && len(lines) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, audit.Close())
}
