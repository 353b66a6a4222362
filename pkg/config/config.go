// Package config loads the supervisor's own settings and the desired-state document.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/reconcile"

	"gopkg.in/yaml.v3"
)

const (
	DefaultControlAddress       = "127.0.0.1:8499"
	DefaultAppName              = "hsu-supervisor"
	DefaultPollInterval         = time.Second
	DefaultForceShutdownTimeout = 30 * time.Second
	DefaultDesiredState         = "config.json"
	DefaultLogDir               = "logs"
)

// Config is the top-level supervisor configuration file structure
type Config struct {
	Supervisor   SupervisorOptions `yaml:"supervisor"`
	DesiredState string            `yaml:"desired_state"`
	Logs         LogOptions        `yaml:"logs"`
}

type SupervisorOptions struct {
	ControlAddress       string        `yaml:"control_address"`
	LogLevel             string        `yaml:"log_level,omitempty"`
	LogFormat            string        `yaml:"log_format,omitempty"`
	LogFile              string        `yaml:"log_file,omitempty"`
	RunDir               string        `yaml:"run_dir,omitempty"`
	AppName              string        `yaml:"app_name,omitempty"`
	PollInterval         time.Duration `yaml:"poll_interval,omitempty"`
	RemovedPolicy        string        `yaml:"removed_policy,omitempty"`
	WatchDesiredState    bool          `yaml:"watch_desired_state,omitempty"`
	OpsAddress           string        `yaml:"ops_address,omitempty"`
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout,omitempty"`
}

// LogOptions configures the per-unit log sinks
type LogOptions struct {
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	config := &Config{}
	setDefaults(config, "")
	return config
}

// LoadFromFile loads the supervisor configuration. Relative paths inside the
// file are resolved against the file's directory.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setDefaults(&config, filepath.Dir(filename))

	if err := Validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(config *Config, baseDir string) {
	s := &config.Supervisor
	if s.ControlAddress == "" {
		s.ControlAddress = DefaultControlAddress
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.LogFormat == "" {
		s.LogFormat = "console"
	}
	if s.AppName == "" {
		s.AppName = DefaultAppName
	}
	if s.PollInterval == 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.RemovedPolicy == "" {
		s.RemovedPolicy = string(reconcile.RemovedStop)
	}
	if s.ForceShutdownTimeout == 0 {
		s.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}

	if config.DesiredState == "" {
		config.DesiredState = DefaultDesiredState
	}
	if config.Logs.Dir == "" {
		config.Logs.Dir = DefaultLogDir
	}

	config.DesiredState = resolve(baseDir, config.DesiredState)
	config.Logs.Dir = resolve(baseDir, config.Logs.Dir)
	if s.LogFile != "" {
		s.LogFile = resolve(baseDir, s.LogFile)
	}
	if s.RunDir != "" {
		s.RunDir = resolve(baseDir, s.RunDir)
	}
}

func resolve(baseDir, path string) string {
	if baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate checks the whole configuration structure
func Validate(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}
	s := config.Supervisor

	if _, err := control.ParseAddress(s.ControlAddress); err != nil {
		return errors.NewValidationError("invalid control address", err).WithContext("control_address", s.ControlAddress)
	}

	if err := validateOneOf("log level", s.LogLevel, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if err := validateOneOf("log format", s.LogFormat, "console", "json"); err != nil {
		return err
	}

	if err := ValidateTimeout(s.PollInterval, "poll interval"); err != nil {
		return err
	}
	if err := ValidateTimeout(s.ForceShutdownTimeout, "force shutdown"); err != nil {
		return err
	}

	if _, err := reconcile.ParseRemovedPolicy(s.RemovedPolicy); err != nil {
		return errors.NewValidationError("invalid removed policy", err)
	}

	if s.OpsAddress != "" {
		if err := ValidateNetworkAddress(s.OpsAddress); err != nil {
			return errors.NewValidationError("invalid ops address", err)
		}
	}

	if config.Logs.MaxSizeMB < 0 || config.Logs.MaxBackups < 0 || config.Logs.MaxAgeDays < 0 {
		return errors.NewValidationError("log rotation settings cannot be negative", nil)
	}

	return nil
}

func validateOneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.NewValidationError(fmt.Sprintf("invalid %s: %s", name, value), nil).
		WithContext("allowed", fmt.Sprintf("%v", allowed))
}
