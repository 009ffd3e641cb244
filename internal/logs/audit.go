package logs

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/events"
)

var sensitiveKeys = regexp.MustCompile(`(?i)(password|secret|token|authorization|credential|api[_-]?key|bearer|jwt)`)

// AuditLogger writes every bus event as one JSON line to a rotating audit
// file. Upstream escalations are also recorded in the failure log.
type AuditLogger struct {
	logger  *zap.Logger
	dataDir string
	enabled bool
}

// NewAuditLogger creates an audit logger. An empty AuditFilename disables it.
func NewAuditLogger(logConfig *config.LogConfig, dataDir string) (*AuditLogger, error) {
	if logConfig == nil || logConfig.AuditFilename == "" {
		return &AuditLogger{enabled: false, dataDir: dataDir}, nil
	}

	fileLogConfig := &config.LogConfig{
		Level:      LogLevelInfo,
		EnableFile: true,
		Filename:   logConfig.AuditFilename,
		LogDir:     logConfig.LogDir,
		MaxSize:    logConfig.MaxSize,
		MaxBackups: logConfig.MaxBackups,
		MaxAge:     logConfig.MaxAge,
		Compress:   logConfig.Compress,
		JSONFormat: true, // Always use JSON format for audit logs
	}

	fileCore, err := createFileCore(fileLogConfig, ParseLevel(LogLevelInfo))
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log file core: %w", err)
	}

	return &AuditLogger{
		logger:  zap.New(fileCore),
		dataDir: dataDir,
		enabled: true,
	}, nil
}

// Run consumes events until ctx is done or the channel is closed.
func (a *AuditLogger) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.Record(ev)
		}
	}
}

// Record writes a single event.
func (a *AuditLogger) Record(ev events.Event) {
	switch ev.Type {
	case events.UpstreamEscalated:
		reason, _ := ev.Data["reason"].(string)
		cycles, _ := ev.Data["cycles"].(int)
		_ = LogUpstreamFailure(a.dataDir, ev.ServerID, reason, cycles)
	case events.CircuitReset:
		if manual, _ := ev.Data["manual"].(bool); manual {
			_ = RemoveUpstreamFromFailureLog(a.dataDir, ev.ServerID)
		}
	}

	if !a.enabled {
		return
	}

	a.logger.Info("audit_event",
		zap.String("type", string(ev.Type)),
		zap.Time("event_time", ev.Timestamp),
		zap.String("server_id", ev.ServerID),
		zap.String("endpoint", ev.Endpoint),
		zap.String("connection_id", ev.ConnectionID),
		zap.String("old_state", ev.OldState),
		zap.String("new_state", ev.NewState),
		zap.Any("data", filterSensitive(ev.Data)),
	)
}

// filterSensitive masks values whose keys look like credentials.
func filterSensitive(data map[string]interface{}) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}
	filtered := make(map[string]interface{}, len(data))
	for key, value := range data {
		if sensitiveKeys.MatchString(key) {
			filtered[key] = "[FILTERED]"
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			filtered[key] = filterSensitive(nested)
			continue
		}
		filtered[key] = value
	}
	return filtered
}

// Close flushes the audit log.
func (a *AuditLogger) Close() error {
	if a.logger != nil {
		return a.logger.Sync()
	}
	return nil
}

// IsEnabled returns whether the audit file is written
func (a *AuditLogger) IsEnabled() bool {
	return a.enabled
}
