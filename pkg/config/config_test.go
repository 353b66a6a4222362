package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		check       func(t *testing.T, dir string, config *Config)
	}{
		{
			name:       "defaults",
			configYAML: "supervisor: {}\n",
			check: func(t *testing.T, dir string, config *Config) {
				assert.Equal(t, DefaultControlAddress, config.Supervisor.ControlAddress)
				assert.Equal(t, "info", config.Supervisor.LogLevel)
				assert.Equal(t, "console", config.Supervisor.LogFormat)
				assert.Equal(t, DefaultAppName, config.Supervisor.AppName)
				assert.Equal(t, time.Second, config.Supervisor.PollInterval)
				assert.Equal(t, "stop", config.Supervisor.RemovedPolicy)
				assert.Equal(t, DefaultForceShutdownTimeout, config.Supervisor.ForceShutdownTimeout)
				assert.Equal(t, filepath.Join(dir, DefaultDesiredState), config.DesiredState)
				assert.Equal(t, filepath.Join(dir, DefaultLogDir), config.Logs.Dir)
			},
		},
		{
			name: "full",
			configYAML: `
supervisor:
  control_address: unix:///tmp/hsu-supervisor.sock
  log_level: debug
  log_format: json
  log_file: supervisor.log
  run_dir: /var/run/hsu
  poll_interval: 250ms
  removed_policy: keep
  watch_desired_state: true
  ops_address: 127.0.0.1:9090
  force_shutdown_timeout: 10s
desired_state: /etc/hsu/apps.yaml
logs:
  dir: /var/log/hsu
  max_size_mb: 5
  max_backups: 2
  max_age_days: 7
  compress: true
`,
			check: func(t *testing.T, dir string, config *Config) {
				s := config.Supervisor
				assert.Equal(t, "unix:///tmp/hsu-supervisor.sock", s.ControlAddress)
				assert.Equal(t, "debug", s.LogLevel)
				assert.Equal(t, "json", s.LogFormat)
				assert.Equal(t, filepath.Join(dir, "supervisor.log"), s.LogFile)
				assert.Equal(t, "/var/run/hsu", s.RunDir)
				assert.Equal(t, 250*time.Millisecond, s.PollInterval)
				assert.Equal(t, "keep", s.RemovedPolicy)
				assert.True(t, s.WatchDesiredState)
				assert.Equal(t, "127.0.0.1:9090", s.OpsAddress)
				assert.Equal(t, 10*time.Second, s.ForceShutdownTimeout)
				assert.Equal(t, "/etc/hsu/apps.yaml", config.DesiredState)
				assert.Equal(t, LogOptions{Dir: "/var/log/hsu", MaxSizeMB: 5, MaxBackups: 2, MaxAgeDays: 7, Compress: true}, config.Logs)
			},
		},
		{
			name:        "bad log level",
			configYAML:  "supervisor:\n  log_level: loud\n",
			expectError: true,
		},
		{
			name:        "non loopback control address",
			configYAML:  "supervisor:\n  control_address: 10.0.0.1:8499\n",
			expectError: true,
		},
		{
			name:        "bad removed policy",
			configYAML:  "supervisor:\n  removed_policy: ignore\n",
			expectError: true,
		},
		{
			name:        "negative poll interval",
			configYAML:  "supervisor:\n  poll_interval: -1s\n",
			expectError: true,
		},
		{
			name:        "bad ops address",
			configYAML:  "supervisor:\n  ops_address: nope\n",
			expectError: true,
		},
		{
			name:        "negative rotation",
			configYAML:  "logs:\n  max_backups: -1\n",
			expectError: true,
		},
		{
			name:        "invalid yaml",
			configYAML:  "supervisor: [\n",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "supervisor.yaml", tt.configYAML)

			config, err := LoadFromFile(path)
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			tt.check(t, dir, config)
		})
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, errors.IsIOError(err))
}

func TestDefault(t *testing.T) {
	config := Default()
	require.NoError(t, Validate(config))
	assert.Equal(t, DefaultDesiredState, config.DesiredState)
	assert.Error(t, Validate(nil))
}

func TestDesiredStateFile_Load(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{
	"apps": {
		"a": {"name": "a", "url": "/a/", "dir": "/apps/a", "venv": "/apps/a/env", "port": 9001, "description": "", "restart_on_crash": true},
		"b": {"name": "b", "url": "/b/", "dir": "/apps/b", "venv": "", "port": 9002, "description": "", "restart_on_crash": false}
	}
}`)

	state, err := NewDesiredStateFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, state.Names())
	assert.Equal(t, 9001, state.Apps["a"].Port)
	assert.False(t, state.Apps["b"].RestartOnCrash)

	_, err = NewDesiredStateFile(filepath.Join(dir, "absent.json")).Load()
	assert.True(t, errors.IsIOError(err))
}

func TestParseDesiredState_Invalid(t *testing.T) {
	_, err := ParseDesiredState([]byte("apps:\n  a:\n    port: 9001\n"))
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	_, err = ParseDesiredState([]byte("apps: [1, 2]"))
	assert.True(t, errors.IsValidationError(err))

	state, err := ParseDesiredState([]byte("website_port: 8080\n"))
	require.NoError(t, err)
	assert.Empty(t, state.Apps)
}

func TestValidationHelpers(t *testing.T) {
	assert.NoError(t, ValidatePort(80))
	assert.Error(t, ValidatePort(0))
	assert.NoError(t, ValidateNetworkAddress(":9090"))
	assert.Error(t, ValidateNetworkAddress("localhost:http"))
	assert.Error(t, ValidateNetworkAddress(""))
	assert.Error(t, ValidateTimeout(0, "x"))
	assert.NoError(t, ValidateTimeout(time.Second, "x"))
}
