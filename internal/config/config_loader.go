package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix for environment overrides (MCPGW_LISTEN, MCPGW_REGISTRY_FAILURE_THRESHOLD, ...).
const EnvPrefix = "MCPGW"

// Loader manages configuration loading, watching, and hot reloads.
type Loader struct {
	mu         sync.Mutex
	configPath string
	viper      *viper.Viper
	config     *Config
	watcher    *fsnotify.Watcher
	onChange   func(*Config) error
	logger     *zap.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewViper returns a viper instance with environment overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	return v
}

// NewLoader creates a new configuration loader with file watching.
// v may carry bound command line flags; nil creates a fresh instance.
func NewLoader(configPath string, v *viper.Viper, logger *zap.Logger) (*Loader, error) {
	if v == nil {
		v = NewViper()
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Loader{
		configPath: configPath,
		viper:      v,
		watcher:    watcher,
		logger:     logger.Named("config"),
		stopChan:   make(chan struct{}),
	}, nil
}

// Load loads the initial configuration. A missing path yields defaults
// plus environment and flag overrides.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.read()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l.config = cfg
	return cfg, nil
}

func (l *Loader) read() (*Config, error) {
	if l.configPath != "" {
		if err := l.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", l.configPath, err)
		}
	}

	// Decode onto an empty value so slices from the file replace the
	// defaults instead of being merged into them element by element.
	cfg := &Config{}
	if err := l.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// StartWatching starts watching the configuration file for changes.
// The onChange callback is called when the configuration file changes;
// a callback error keeps the previous configuration in place.
func (l *Loader) StartWatching(onChange func(*Config) error) error {
	if l.configPath == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	l.mu.Lock()
	l.onChange = onChange
	l.mu.Unlock()

	// Watch the directory so atomic replace-by-rename is observed too.
	if err := l.watcher.Add(filepath.Dir(l.configPath)); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	go l.watchLoop()

	l.logger.Info("Started watching configuration file",
		zap.String("path", l.configPath))

	return nil
}

// watchLoop runs the file watching loop.
func (l *Loader) watchLoop() {
	target := filepath.Clean(l.configPath)
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				l.handleFileChange()
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("File watcher error", zap.Error(err))

		case <-l.stopChan:
			return
		}
	}
}

// handleFileChange handles configuration file changes.
func (l *Loader) handleFileChange() {
	l.logger.Info("Configuration file changed, reloading...")

	l.mu.Lock()
	cfg, err := l.read()
	if err != nil {
		l.mu.Unlock()
		l.logger.Error("Failed to reload configuration",
			zap.String("path", l.configPath),
			zap.Error(err))
		return
	}
	oldConfig := l.config
	l.config = cfg
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		if err := onChange(cfg); err != nil {
			l.logger.Error("Failed to apply configuration changes",
				zap.Error(err))

			// Rollback to old config
			l.mu.Lock()
			l.config = oldConfig
			l.mu.Unlock()
			return
		}
	}

	l.logger.Info("Configuration reloaded successfully")
}

// GetConfig returns the current configuration (thread-safe).
func (l *Loader) GetConfig() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// Stop stops the file watcher and cleanup resources.
func (l *Loader) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopChan)
		if cerr := l.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		l.logger.Info("Stopped configuration file watcher")
	})
	return err
}
