// Package config loads localflow settings from an optional YAML file and
// LOCALFLOW_* environment variables.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/davidthor/localflow/pkg/engine"
	"github.com/davidthor/localflow/pkg/state"
	"github.com/davidthor/localflow/pkg/state/backend"
	"github.com/davidthor/localflow/pkg/telemetry"
)

// Environment variable names.
const (
	EnvPrefix        = "LOCALFLOW"
	EnvConfigFile    = "LOCALFLOW_CONFIG"
	EnvStoragePrefix = "LOCALFLOW_STORAGE_"
	EnvStorageType   = "LOCALFLOW_STORAGE_TYPE"
)

// Config is the complete localflow configuration.
type Config struct {
	Storage   StorageConfig           `mapstructure:"storage"`
	Logging   telemetry.LoggingConfig `mapstructure:"logging"`
	Execution ExecutionConfig         `mapstructure:"execution"`
	Metrics   telemetry.MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig selects the state store.
type StorageConfig struct {
	// Type is "memory" or a registered backend type.
	Type string `mapstructure:"type" default:"memory" validate:"storage_type"`

	// Options are passed to the backend factory.
	Options map[string]string `mapstructure:"options"`
}

// Backend returns the backend configuration for this storage.
func (s StorageConfig) Backend() backend.Config {
	opts := make(map[string]string, len(s.Options))
	for k, v := range s.Options {
		opts[k] = v
	}
	return backend.Config{Type: s.Type, Config: opts}
}

// ExecutionConfig holds the task defaults handed to workflows.
type ExecutionConfig struct {
	TaskRetries        int           `mapstructure:"task_retries" default:"-1" validate:"gte=-1"`
	TaskRetryInterval  time.Duration `mapstructure:"task_retry_interval" default:"30s" validate:"gte=0"`
	TaskThreadPoolSize int           `mapstructure:"task_thread_pool_size" default:"1" validate:"gte=1"`
}

// Options returns execution options carrying these defaults.
func (e ExecutionConfig) Options() engine.ExecuteOptions {
	return engine.ExecuteOptions{
		TaskRetries:        e.TaskRetries,
		TaskRetryInterval:  e.TaskRetryInterval,
		TaskThreadPoolSize: e.TaskThreadPoolSize,
	}
}

// NewStore builds the configured state store.
func (c *Config) NewStore(opts ...state.Option) (state.Store, error) {
	return state.NewStoreFromConfig(c.Storage.Backend(), opts...)
}

// InitOptions builds the store, logger and metrics this configuration
// describes and returns them as options for engine.Init.
func (c *Config) InitOptions(name string, inputs map[string]any) (engine.InitOptions, error) {
	logger, err := telemetry.NewLogger(c.Logging)
	if err != nil {
		return engine.InitOptions{}, err
	}
	metrics := telemetry.NewMetrics(c.Metrics)

	store, err := c.NewStore(
		state.WithLogger(telemetry.ComponentLogger(logger, "state")),
		state.WithMetrics(metrics),
	)
	if err != nil {
		return engine.InitOptions{}, err
	}

	return engine.InitOptions{
		LoadOptions: engine.LoadOptions{
			Logger:  &logger,
			Metrics: metrics,
		},
		Name:   name,
		Inputs: inputs,
		Store:  store,
	}, nil
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("storage_type", func(fl validator.FieldLevel) bool {
		t := fl.Field().String()
		return t == state.MemoryType || backend.Registered(t)
	})
}

// keys lists every setting that may come from the environment.
var keys = []string{
	"storage.type",
	"logging.level",
	"logging.format",
	"logging.output",
	"execution.task_retries",
	"execution.task_retry_interval",
	"execution.task_thread_pool_size",
	"metrics.enabled",
	"metrics.namespace",
}

// Default returns a configuration with every default applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply default values: %w", err)
	}
	return cfg, nil
}

// Load reads configuration from path, or from $LOCALFLOW_CONFIG, or from
// $HOME/.localflow/config.yaml when neither is set. A missing default file
// is not an error. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".localflow"))
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !stderrors.As(err, &notFound) {
					return nil, fmt.Errorf("failed to read config file: %w", err)
				}
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	applyStorageEnv(cfg, os.Environ())

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyStorageEnv copies LOCALFLOW_STORAGE_<KEY> variables into the
// storage options, e.g. LOCALFLOW_STORAGE_BUCKET becomes "bucket".
func applyStorageEnv(cfg *Config, environ []string) {
	for _, env := range environ {
		if !strings.HasPrefix(env, EnvStoragePrefix) || strings.HasPrefix(env, EnvStorageType+"=") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], EnvStoragePrefix))
		if key == "" {
			continue
		}
		if cfg.Storage.Options == nil {
			cfg.Storage.Options = make(map[string]string)
		}
		cfg.Storage.Options[key] = parts[1]
	}
}

// Validate checks cfg against its validation rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validate.Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if stderrors.As(err, &validationErrors) {
			var errMessages []string
			for _, fieldErr := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"field '%s' failed validation: %s (rule: %s)",
					fieldErr.Namespace(),
					fieldErr.Error(),
					fieldErr.Tag(),
				))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errMessages, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
