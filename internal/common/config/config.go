// Package config provides configuration management for droidctl.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kandev/droidctl/internal/common/ids"
	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec"
	"github.com/kandev/droidctl/internal/droidexec/permission"
	"github.com/kandev/droidctl/internal/tracing"
	"github.com/spf13/viper"
)

// Config holds all configuration sections for droidctl.
type Config struct {
	Droid       DroidConfig          `mapstructure:"droid"`
	Timeouts    TimeoutsConfig       `mapstructure:"timeouts"`
	Permissions PermissionsConfig    `mapstructure:"permissions"`
	Server      ServerConfig         `mapstructure:"server"`
	NATS        NATSConfig           `mapstructure:"nats"`
	Logging     logger.LoggingConfig `mapstructure:"logging"`
	Tracing     tracing.Config       `mapstructure:"tracing"`
}

// DroidConfig describes the droid binary and protocol.
type DroidConfig struct {
	Binary        string `mapstructure:"binary"`
	Namespace     string `mapstructure:"namespace"`
	APIVersion    string `mapstructure:"apiVersion"`
	APIKeyEnv     string `mapstructure:"apiKeyEnv"`
	Model         string `mapstructure:"model"`
	AutonomyLevel string `mapstructure:"autonomyLevel"`
	// MachineID defaults to a stable id derived from the hostname.
	MachineID    string `mapstructure:"machineId"`
	MaxLineBytes int    `mapstructure:"maxLineBytes"`
	StderrLines  int    `mapstructure:"stderrLines"`
}

// TimeoutsConfig bounds requests, runs and teardown.
type TimeoutsConfig struct {
	Request        time.Duration `mapstructure:"request"`
	Run            time.Duration `mapstructure:"run"`
	TerminateGrace time.Duration `mapstructure:"terminateGrace"`
	Settle         time.Duration `mapstructure:"settle"`
}

// PermissionsConfig is the permission prompt policy.
type PermissionsConfig struct {
	ExitSpecAction string `mapstructure:"exitSpecAction"`
	FallbackAction string `mapstructure:"fallbackAction"`
	UpdateStrategy string `mapstructure:"updateStrategy"` // none, before, after
	AutonomyLevel  string `mapstructure:"autonomyLevel"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds; 0 lets message requests wait for the whole turn
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	d := droidexec.DefaultConfig()

	v.SetDefault("droid.binary", d.Binary)
	v.SetDefault("droid.namespace", d.Namespace)
	v.SetDefault("droid.apiVersion", d.APIVersion)
	v.SetDefault("droid.apiKeyEnv", d.APIKeyEnv)
	v.SetDefault("droid.model", d.Model)
	v.SetDefault("droid.autonomyLevel", "")
	v.SetDefault("droid.machineId", "")
	v.SetDefault("droid.maxLineBytes", d.MaxLineBytes)
	v.SetDefault("droid.stderrLines", d.StderrLines)

	v.SetDefault("timeouts.request", d.RequestTimeout)
	v.SetDefault("timeouts.run", d.RunTimeout)
	v.SetDefault("timeouts.terminateGrace", d.TerminateGrace)
	v.SetDefault("timeouts.settle", d.SettleWait)

	v.SetDefault("permissions.exitSpecAction", "")
	v.SetDefault("permissions.fallbackAction", d.Permissions.FallbackAction)
	v.SetDefault("permissions.updateStrategy", string(permission.UpdateNone))
	v.SetDefault("permissions.autonomyLevel", "")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "droidctl")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "droidctl")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", tracing.DefaultServiceName)
	v.SetDefault("tracing.sampleRatio", 1.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DROIDCTL_ with dots replaced by underscores.
// The config file is droidctl.yaml in the current directory, ~/.droidctl or /etc/droidctl/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DROIDCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not split camelCase keys, so the snake_case spellings
	// and the droid's own variables are bound explicitly.
	_ = v.BindEnv("droid.binary", "DROIDCTL_DROID_BINARY", "DROID_BIN")
	_ = v.BindEnv("droid.model", "DROIDCTL_DROID_MODEL", "DROID_MODEL")
	_ = v.BindEnv("droid.apiKeyEnv", "DROIDCTL_DROID_API_KEY_ENV")
	_ = v.BindEnv("droid.autonomyLevel", "DROIDCTL_DROID_AUTONOMY_LEVEL")
	_ = v.BindEnv("droid.machineId", "DROIDCTL_DROID_MACHINE_ID")
	_ = v.BindEnv("timeouts.terminateGrace", "DROIDCTL_TIMEOUTS_TERMINATE_GRACE")
	_ = v.BindEnv("permissions.exitSpecAction", "DROIDCTL_PERMISSIONS_EXIT_SPEC_ACTION")
	_ = v.BindEnv("permissions.fallbackAction", "DROIDCTL_PERMISSIONS_FALLBACK_ACTION")
	_ = v.BindEnv("permissions.updateStrategy", "DROIDCTL_PERMISSIONS_UPDATE_STRATEGY")
	_ = v.BindEnv("permissions.autonomyLevel", "DROIDCTL_PERMISSIONS_AUTONOMY_LEVEL")
	_ = v.BindEnv("nats.url", "DROIDCTL_NATS_URL", "NATS_URL")
	_ = v.BindEnv("tracing.endpoint", "DROIDCTL_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("tracing.sampleRatio", "DROIDCTL_TRACING_SAMPLE_RATIO")

	v.SetConfigName("droidctl")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.droidctl")
	v.AddConfigPath("/etc/droidctl/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks every field and reports all problems at once.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Droid.Binary == "" {
		errs = append(errs, "droid.binary is required")
	}
	if cfg.Droid.APIKeyEnv == "" {
		errs = append(errs, "droid.apiKeyEnv is required")
	}
	if cfg.Droid.MaxLineBytes <= 0 {
		errs = append(errs, "droid.maxLineBytes must be positive")
	}

	if cfg.Timeouts.Request <= 0 {
		errs = append(errs, "timeouts.request must be positive")
	}
	if cfg.Timeouts.Run <= 0 {
		errs = append(errs, "timeouts.run must be positive")
	}
	if cfg.Timeouts.TerminateGrace <= 0 {
		errs = append(errs, "timeouts.terminateGrace must be positive")
	}

	if _, err := permission.ParseUpdateStrategy(cfg.Permissions.UpdateStrategy); err != nil {
		errs = append(errs, "permissions.updateStrategy must be one of: none, before, after")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ExecConfig converts the loaded settings into the exec manager's config.
// hostname seeds the machine id when none is configured.
func (c *Config) ExecConfig(hostname string) droidexec.Config {
	strategy, _ := permission.ParseUpdateStrategy(c.Permissions.UpdateStrategy)
	return droidexec.Config{
		Binary:         c.Droid.Binary,
		Namespace:      c.Droid.Namespace,
		APIVersion:     c.Droid.APIVersion,
		APIKeyEnv:      c.Droid.APIKeyEnv,
		Model:          c.Droid.Model,
		AutonomyLevel:  c.Droid.AutonomyLevel,
		MachineID:      ids.MachineID(c.Droid.MachineID, hostname),
		RequestTimeout: c.Timeouts.Request,
		RunTimeout:     c.Timeouts.Run,
		TerminateGrace: c.Timeouts.TerminateGrace,
		SettleWait:     c.Timeouts.Settle,
		MaxLineBytes:   c.Droid.MaxLineBytes,
		StderrLines:    c.Droid.StderrLines,
		Permissions: permission.Config{
			ExitSpecAction: c.Permissions.ExitSpecAction,
			FallbackAction: c.Permissions.FallbackAction,
			UpdateStrategy: strategy,
			AutonomyLevel:  c.Permissions.AutonomyLevel,
		},
	}
}
