package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/openrle/openrle/pkg/errors"
	"github.com/openrle/openrle/pkg/validator"
)

// ============================================================================
// Configuration Loader
// ============================================================================

// Loader manages configuration loading and reloading
type Loader struct {
	// Viper instance
	viper *viper.Viper

	// Current configuration
	config *Config
	mu     sync.RWMutex

	// Configuration file path
	configFile string

	// Watch for changes
	watchEnabled bool

	// Reload callbacks
	reloadCallbacks []ReloadCallback

	// Struct-tag validator
	validator *validator.Validator

	// Logger (optional, can be set after initialization)
	logger Logger
}

// ReloadCallback is called when configuration is reloaded
type ReloadCallback func(oldConfig, newConfig *Config) error

// Logger interface for configuration loader logging
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// LoaderOptions defines options for configuration loader
type LoaderOptions struct {
	// Configuration file path
	ConfigFile string

	// Enable watching for file changes
	EnableWatch bool

	// Environment variable prefix
	EnvPrefix string

	// Additional config paths to search
	ConfigPaths []string
}

// ============================================================================
// Loader Creation and Initialization
// ============================================================================

// NewLoader creates a new configuration loader
func NewLoader(opts LoaderOptions) (*Loader, error) {
	v := viper.New()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		for _, path := range opts.ConfigPaths {
			v.AddConfigPath(path)
		}
	}

	envPrefix := opts.EnvPrefix
	if envPrefix == "" {
		envPrefix = "OPENRLE"
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Loader{
		viper:        v,
		configFile:   opts.ConfigFile,
		watchEnabled: opts.EnableWatch,
		validator:    validator.New(),
	}, nil
}

// Load loads configuration from all sources
func (l *Loader) Load() (*Config, error) {
	if err := l.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			l.logWarn("Configuration file not found, using defaults", "error", err)
		} else {
			return nil, errors.Wrap(err, "CONFIGURATION_ERROR", "failed to read config file")
		}
	}

	config, err := l.unmarshalAndValidate()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.config = config
	l.mu.Unlock()

	l.logInfo("Configuration loaded successfully", "file", l.viper.ConfigFileUsed())

	if l.watchEnabled {
		l.startWatch()
	}

	return config, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

func (l *Loader) unmarshalAndValidate() (*Config, error) {
	config := &Config{}
	if err := l.viper.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "CONFIGURATION_ERROR", "failed to unmarshal config")
	}

	config.ApplyDefaults()

	if err := l.validator.Struct(config); err != nil {
		return nil, errors.Wrap(err, "CONFIGURATION_ERROR", "configuration validation failed")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ============================================================================
// Hot Reload Support
// ============================================================================

// startWatch starts watching the configuration file for changes
func (l *Loader) startWatch() {
	l.viper.WatchConfig()
	l.viper.OnConfigChange(func(e fsnotify.Event) {
		l.logInfo("Configuration file changed, reloading", "file", e.Name)

		if err := l.reload(); err != nil {
			l.logError("Failed to reload configuration", "error", err)
		}
	})
}

// reload reloads the configuration
func (l *Loader) reload() error {
	l.mu.RLock()
	oldConfig := l.config
	l.mu.RUnlock()

	newConfig, err := l.unmarshalAndValidate()
	if err != nil {
		return err
	}

	for _, callback := range l.reloadCallbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	l.mu.Lock()
	l.config = newConfig
	l.mu.Unlock()

	l.logInfo("Configuration reloaded successfully")

	return nil
}

// OnReload registers a callback to be called when configuration is reloaded
func (l *Loader) OnReload(callback ReloadCallback) {
	l.reloadCallbacks = append(l.reloadCallbacks, callback)
}

// ============================================================================
// Convenience Loading
// ============================================================================

// LoadFromFile loads configuration from a specific file without watching
func LoadFromFile(path string) (*Config, error) {
	loader, err := NewLoader(LoaderOptions{ConfigFile: path})
	if err != nil {
		return nil, err
	}
	return loader.Load()
}

// ============================================================================
// Logger Methods
// ============================================================================

// SetLogger sets the logger for configuration loader
func (l *Loader) SetLogger(logger Logger) {
	l.logger = logger
}

func (l *Loader) logInfo(msg string, fields ...interface{}) {
	if l.logger != nil {
		l.logger.Info(msg, fields...)
	}
}

func (l *Loader) logWarn(msg string, fields ...interface{}) {
	if l.logger != nil {
		l.logger.Warn(msg, fields...)
	}
}

func (l *Loader) logError(msg string, fields ...interface{}) {
	if l.logger != nil {
		l.logger.Error(msg, fields...)
	}
}

//Personal.AI order the ending
