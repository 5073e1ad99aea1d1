package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/scheduler"
	"github.com/rendis/conductor/pkg/schema"
)

// Config holds all conductor configuration.
// Priority: env vars (CONDUCTOR_*) > conductor.{yaml,json} > defaults.
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	PoolSize        int           `mapstructure:"pool_size"`
	DefinitionsDir  string        `mapstructure:"definitions_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Archive   ArchiveConfig        `mapstructure:"archive"`
	Store     StoreConfig          `mapstructure:"store"`
	Breaker   BreakerConfig        `mapstructure:"breaker"`
	Services  ServicesConfig       `mapstructure:"services"`
	Webhook   WebhookConfig        `mapstructure:"webhook"`
	Schedules []scheduler.Schedule `mapstructure:"schedules"`
}

type ArchiveConfig struct {
	// DBPath enables the libSQL archive when set.
	DBPath string `mapstructure:"db_path"`
}

type StoreConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type BreakerConfig struct {
	FailureThreshold         int           `mapstructure:"failure_threshold"`
	ResetTimeout             time.Duration `mapstructure:"reset_timeout"`
	HalfOpenSuccessThreshold int           `mapstructure:"half_open_success_threshold"`
}

type ServicesConfig struct {
	Analytics  ServiceEndpoint `mapstructure:"analytics"`
	Automation ServiceEndpoint `mapstructure:"automation"`
}

type ServiceEndpoint struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	HMACSecret string        `mapstructure:"hmac_secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"`
	Burst      int           `mapstructure:"burst"`
	Retry      RetryConfig   `mapstructure:"retry"`
	// RedactFields are dropped from response data before it is stored.
	RedactFields []string `mapstructure:"redact_fields"`
}

type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
}

type WebhookConfig struct {
	HMACSecret  string        `mapstructure:"hmac_secret"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4100")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", engine.DefaultPoolSize)
	v.SetDefault("definitions_dir", "")
	v.SetDefault("shutdown_timeout", 30*time.Second)

	v.SetDefault("archive.db_path", "")
	v.SetDefault("store.retention", time.Hour)
	v.SetDefault("store.sweep_interval", time.Minute)

	def := engine.DefaultCircuitBreakerConfig()
	v.SetDefault("breaker.failure_threshold", def.FailureThreshold)
	v.SetDefault("breaker.reset_timeout", def.ResetTimeout)
	v.SetDefault("breaker.half_open_success_threshold", def.HalfOpenSuccessThreshold)

	for _, svc := range []string{"analytics", "automation"} {
		prefix := "services." + svc + "."
		v.SetDefault(prefix+"url", "")
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"hmac_secret", "")
		v.SetDefault(prefix+"timeout", 30*time.Second)
		v.SetDefault(prefix+"rate_limit", 0)
		v.SetDefault(prefix+"burst", 1)
		v.SetDefault(prefix+"retry.max_retries", 0)
		v.SetDefault(prefix+"retry.initial_delay", 100*time.Millisecond)
		v.SetDefault(prefix+"redact_fields", []string{})
	}

	v.SetDefault("webhook.hmac_secret", "")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.concurrency", 8)
}

func conductorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// newViper builds the layered configuration source. An explicit path must
// exist; otherwise conductor.{yaml,json} is searched in the working
// directory and ~/.conductor.
func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conductor")
		v.AddConfigPath(".")
		v.AddConfigPath(conductorDir())
	}
	return v
}

func loadConfig(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return schema.NewError(schema.ErrCodeValidation, "listen_addr is required")
	}
	if c.PoolSize < 0 {
		return schema.NewError(schema.ErrCodeValidation, "pool_size must not be negative")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "log_format must be text or json, got %q", c.LogFormat)
	}
	for name, ep := range c.Services.byID() {
		if ep.Retry.MaxRetries < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "services.%s.retry.max_retries must not be negative", name)
		}
		if ep.RateLimit < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "services.%s.rate_limit must not be negative", name)
		}
	}
	return nil
}

func (s ServicesConfig) byID() map[schema.ServiceID]ServiceEndpoint {
	return map[schema.ServiceID]ServiceEndpoint{
		schema.ServiceAnalytics:  s.Analytics,
		schema.ServiceAutomation: s.Automation,
	}
}

func (b BreakerConfig) engine() engine.CircuitBreakerConfig {
	return engine.CircuitBreakerConfig{
		FailureThreshold:         b.FailureThreshold,
		ResetTimeout:             b.ResetTimeout,
		HalfOpenSuccessThreshold: b.HalfOpenSuccessThreshold,
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // keys that only take effect after a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if !strings.EqualFold(old.LogLevel, new.LogLevel) {
		d.LogLevelChanged = true
	}
	fields := []struct {
		key      string
		old, new any
	}{
		{"listen_addr", old.ListenAddr, new.ListenAddr},
		{"log_format", old.LogFormat, new.LogFormat},
		{"pool_size", old.PoolSize, new.PoolSize},
		{"definitions_dir", old.DefinitionsDir, new.DefinitionsDir},
		{"archive", old.Archive, new.Archive},
		{"store", old.Store, new.Store},
		{"breaker", old.Breaker, new.Breaker},
		{"services", old.Services, new.Services},
		{"webhook", old.Webhook, new.Webhook},
		{"schedules", old.Schedules, new.Schedules},
	}
	for _, f := range fields {
		if !reflect.DeepEqual(f.old, f.new) {
			d.RestartNeeded = append(d.RestartNeeded, f.key)
		}
	}
	return d
}
