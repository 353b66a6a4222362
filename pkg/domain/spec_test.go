package domain

import (
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagedProcessSpec_UnmarshalYAML(t *testing.T) {
	doc := `
apps:
  dashboard:
    dir: /srv/apps/dashboard
    venv: /srv/apps/dashboard/env
    port: 8501
    url: /dashboard/
  reports:
    path: /srv/apps/reports
    environment: /srv/envs/reports
    restart_on_crash: false
`
	var state DesiredState
	require.NoError(t, yaml.Unmarshal([]byte(doc), &state))
	require.NoError(t, state.Normalize())

	dashboard := state.Apps["dashboard"]
	assert.Equal(t, "dashboard", dashboard.Name)
	assert.Equal(t, "/srv/apps/dashboard", dashboard.Path)
	assert.Equal(t, "/srv/apps/dashboard/env", dashboard.Environment)
	assert.Equal(t, 8501, dashboard.Port)
	assert.True(t, dashboard.RestartOnCrash, "restart_on_crash defaults to true")

	reports := state.Apps["reports"]
	assert.Equal(t, "/srv/apps/reports", reports.Path)
	assert.Equal(t, "/srv/envs/reports", reports.Environment)
	assert.False(t, reports.RestartOnCrash)
}

func TestDesiredState_AcceptsJSON(t *testing.T) {
	doc := `{"apps": {"a": {"name": "a", "dir": "/a", "venv": "", "port": 9001, "restart_on_crash": true, "description": ""}}}`

	var state DesiredState
	require.NoError(t, yaml.Unmarshal([]byte(doc), &state))
	require.NoError(t, state.Normalize())
	assert.Equal(t, 9001, state.Apps["a"].Port)
}

func TestDesiredState_NormalizeRejectsMismatchedName(t *testing.T) {
	state := DesiredState{Apps: map[string]ManagedProcessSpec{"a": {Name: "b", Path: "/a"}}}
	err := state.Normalize()
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestManagedProcessSpec_Argv(t *testing.T) {
	spec := ManagedProcessSpec{Name: "web", Path: "/srv/web", Environment: "/srv/env", Port: 8501}
	assert.Equal(t, []string{
		"/srv/env/bin/python", "/srv/env/bin/streamlit", "run", "/srv/web/app.py", "--server.port", "8501",
	}, spec.Argv())
	assert.True(t, spec.RequiresEnvironment())

	spec.Command = []string{"/bin/sleep", "30", "--label={name}:{port}"}
	assert.Equal(t, []string{"/bin/sleep", "30", "--label=web:8501"}, spec.Argv())
	assert.False(t, spec.RequiresEnvironment())
}

func TestManagedProcessSpec_RestartRelevantEqual(t *testing.T) {
	base := ManagedProcessSpec{Name: "a", Path: "/a", Environment: "/env", Port: 9001, RestartOnCrash: true}

	tests := []struct {
		name   string
		modify func(*ManagedProcessSpec)
		equal  bool
	}{
		{"identical", func(s *ManagedProcessSpec) {}, true},
		{"description", func(s *ManagedProcessSpec) { s.Description = "new" }, true},
		{"url", func(s *ManagedProcessSpec) { s.URL = "/a/" }, true},
		{"restart_on_crash", func(s *ManagedProcessSpec) { s.RestartOnCrash = false }, true},
		{"port", func(s *ManagedProcessSpec) { s.Port = 9002 }, false},
		{"path", func(s *ManagedProcessSpec) { s.Path = "/b" }, false},
		{"environment", func(s *ManagedProcessSpec) { s.Environment = "/env2" }, false},
		{"command", func(s *ManagedProcessSpec) { s.Command = []string{"/bin/true"} }, false},
		{"env", func(s *ManagedProcessSpec) { s.Env = []string{"A=b"} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base
			tt.modify(&other)
			assert.Equal(t, tt.equal, base.RestartRelevantEqual(other))
		})
	}
}

func TestManagedProcessSpec_Validate(t *testing.T) {
	tests := []struct {
		name      string
		spec      ManagedProcessSpec
		shouldErr bool
	}{
		{"valid", ManagedProcessSpec{Name: "a", Path: "/a", Port: 9001}, false},
		{"no name", ManagedProcessSpec{Path: "/a"}, true},
		{"separator in name", ManagedProcessSpec{Name: "a/b", Path: "/a"}, true},
		{"no dir", ManagedProcessSpec{Name: "a"}, true},
		{"port too large", ManagedProcessSpec{Name: "a", Path: "/a", Port: 70000}, true},
		{"bad env", ManagedProcessSpec{Name: "a", Path: "/a", Env: []string{"X"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.shouldErr {
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDesiredState_ValidateCollectsErrors(t *testing.T) {
	state := DesiredState{Apps: map[string]ManagedProcessSpec{
		"a": {Name: "a"},
		"b": {Name: "b", Path: "/b", Port: -1},
		"c": {Name: "c", Path: "/c"},
	}}

	err := state.Validate()
	require.Error(t, err)
	collection, ok := err.(*errors.ErrorCollection)
	require.True(t, ok)
	assert.Len(t, collection.Errors, 2)
	assert.Equal(t, []string{"a", "b", "c"}, state.Names())
}

func TestManagedProcessSpec_SinkName(t *testing.T) {
	assert.Equal(t, "my_app", ManagedProcessSpec{Name: "my app"}.SinkName())
}
