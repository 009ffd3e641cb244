package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"mcpgateway-go/internal/config"
)

// Log levels accepted in configuration
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// ParseLevel maps a configured level name to a zap level. Trace maps to debug.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case LogLevelTrace, LogLevelDebug:
		return zap.DebugLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Setup builds the process logger from configuration: a console core, a
// rotating file core, or both.
func Setup(logConfig *config.LogConfig) (*zap.Logger, error) {
	if logConfig == nil {
		logConfig = config.DefaultLogConfig()
	}
	level := ParseLevel(logConfig.Level)

	var cores []zapcore.Core
	if logConfig.EnableConsole {
		cores = append(cores, createConsoleCore(logConfig, level))
	}
	if logConfig.EnableFile {
		fileCore, err := createFileCore(logConfig, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create file core: %w", err)
		}
		cores = append(cores, fileCore)
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)), nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return cfg
}

func createConsoleCore(logConfig *config.LogConfig, level zapcore.Level) zapcore.Core {
	encCfg := encoderConfig()
	var encoder zapcore.Encoder
	if logConfig.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
}

// createFileCore writes to a lumberjack-rotated file under the log directory.
func createFileCore(logConfig *config.LogConfig, level zapcore.Level) (zapcore.Core, error) {
	logDir, err := resolveLogDir(logConfig.LogDir)
	if err != nil {
		return nil, err
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, logConfig.Filename),
		MaxSize:    logConfig.MaxSize,
		MaxBackups: logConfig.MaxBackups,
		MaxAge:     logConfig.MaxAge,
		Compress:   logConfig.Compress,
	}

	var encoder zapcore.Encoder
	if logConfig.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig())
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(writer), level), nil
}

func resolveLogDir(dir string) (string, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".mcpgateway", "logs")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return dir, nil
}
