package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const failureLogName = "failed_upstreams.log"

func failureLogPath(dataDir string) string {
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".mcpgateway")
	}
	return filepath.Join(dataDir, failureLogName)
}

// LogUpstreamFailure appends an entry for an upstream that was escalated to
// permanent offline. Operators clear it with a manual circuit reset.
func LogUpstreamFailure(dataDir, serverID, reason string, cycles int) error {
	logPath := failureLogPath(dataDir)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", failureLogName, err)
	}
	defer f.Close()

	errorType, suggestion := categorizeError(reason)

	// Format: timestamp [ERROR] Upstream "id" | Type | Cycles | Error | Suggestion
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	logLine := fmt.Sprintf("%s\t[ERROR]\tUpstream \"%s\" | Type: %s | Cycles: %d | Error: %s | Suggestion: %s\n",
		timestamp, serverID, errorType, cycles, reason, suggestion)

	if _, err := f.WriteString(logLine); err != nil {
		return fmt.Errorf("failed to write to %s: %w", failureLogName, err)
	}
	return nil
}

// categorizeError analyzes an error message and returns an error type and a hint
func categorizeError(errMsg string) (string, string) {
	errStr := strings.ToLower(errMsg)

	switch {
	case errStr == "":
		return "unknown", "No error details available"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		return "timeout", "Verify the upstream responds within the probe timeout"
	case strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "401") || strings.Contains(errStr, "forbidden"):
		return "auth", "Check the upstream credential mode and secret"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "dial tcp") ||
		strings.Contains(errStr, "no such host") || strings.Contains(errStr, "no route to host"):
		return "network", "Check the upstream address is correct and reachable"
	default:
		return "unknown", "Check upstream server logs for details"
	}
}

// ReadFailureLog returns the raw failure log lines.
func ReadFailureLog(dataDir string) ([]string, error) {
	content, err := os.ReadFile(failureLogPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", failureLogName, err)
	}
	var lines []string
	for _, line := range strings.Split(string(content), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// RemoveUpstreamFromFailureLog removes a specific upstream's entries from the log
func RemoveUpstreamFromFailureLog(dataDir, serverID string) error {
	lines, err := ReadFailureLog(dataDir)
	if err != nil || lines == nil {
		return err
	}

	needle := fmt.Sprintf("\"%s\"", serverID)
	var kept strings.Builder
	for _, line := range lines {
		if !strings.Contains(line, needle) {
			kept.WriteString(line)
			kept.WriteByte('\n')
		}
	}

	if err := os.WriteFile(failureLogPath(dataDir), []byte(kept.String()), 0644); err != nil {
		return fmt.Errorf("failed to write filtered log: %w", err)
	}
	return nil
}
