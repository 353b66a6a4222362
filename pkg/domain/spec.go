package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/probe"
)

// DefaultCommand is the argv template used when a spec carries no command
var DefaultCommand = []string{
	"{env_bin}/python", "{env_bin}/streamlit", "run", "{path}/app.py", "--server.port", "{port}",
}

// ManagedProcessSpec describes one managed process. It is immutable once
// handed to a unit: a change is modeled as a replace.
type ManagedProcessSpec struct {
	Name           string   `yaml:"name,omitempty" json:"name,omitempty"`
	Path           string   `yaml:"dir" json:"dir"`
	Environment    string   `yaml:"venv" json:"venv"`
	Port           int      `yaml:"port,omitempty" json:"port,omitempty"`
	RestartOnCrash bool     `yaml:"restart_on_crash" json:"restart_on_crash"`
	URL            string   `yaml:"url,omitempty" json:"url,omitempty"`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	Command        []string `yaml:"command,omitempty" json:"command,omitempty"`
	Env            []string `yaml:"env,omitempty" json:"env,omitempty"`
}

type rawManagedProcessSpec struct {
	Name           string   `yaml:"name"`
	Dir            string   `yaml:"dir"`
	Path           string   `yaml:"path"`
	Venv           string   `yaml:"venv"`
	Environment    string   `yaml:"environment"`
	Port           int      `yaml:"port"`
	RestartOnCrash *bool    `yaml:"restart_on_crash"`
	URL            string   `yaml:"url"`
	Description    string   `yaml:"description"`
	Command        []string `yaml:"command"`
	Env            []string `yaml:"env"`
}

// UnmarshalYAML accepts both the "dir"/"venv" and "path"/"environment"
// spellings and defaults restart_on_crash to true.
func (s *ManagedProcessSpec) UnmarshalYAML(value *yaml.Node) error {
	var raw rawManagedProcessSpec
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*s = ManagedProcessSpec{
		Name:           raw.Name,
		Path:           firstNonEmpty(raw.Dir, raw.Path),
		Environment:    firstNonEmpty(raw.Venv, raw.Environment),
		Port:           raw.Port,
		RestartOnCrash: true,
		URL:            raw.URL,
		Description:    raw.Description,
		Command:        raw.Command,
		Env:            raw.Env,
	}
	if raw.RestartOnCrash != nil {
		s.RestartOnCrash = *raw.RestartOnCrash
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Argv expands the command template. Placeholders: {env_bin}, {path}, {port}, {name}.
func (s ManagedProcessSpec) Argv() []string {
	template := s.Command
	if len(template) == 0 {
		template = DefaultCommand
	}

	replacer := strings.NewReplacer(
		"{env_bin}", probe.BinDir(s.Environment),
		"{path}", s.Path,
		"{port}", strconv.Itoa(s.Port),
		"{name}", s.Name,
	)

	argv := make([]string, len(template))
	for i, arg := range template {
		argv[i] = replacer.Replace(arg)
	}
	return argv
}

// RequiresEnvironment is false for custom commands that never mention {env_bin}
func (s ManagedProcessSpec) RequiresEnvironment() bool {
	if len(s.Command) == 0 {
		return true
	}
	for _, arg := range s.Command {
		if strings.Contains(arg, "{env_bin}") {
			return true
		}
	}
	return false
}

// RestartRelevantEqual compares only the fields that change how the process
// is launched. URL, description and restart_on_crash never force a restart.
func (s ManagedProcessSpec) RestartRelevantEqual(other ManagedProcessSpec) bool {
	return s.Port == other.Port &&
		s.Path == other.Path &&
		s.Environment == other.Environment &&
		stringSlicesEqual(s.Command, other.Command) &&
		stringSlicesEqual(s.Env, other.Env)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SinkName is the log file base name; spaces become underscores
func (s ManagedProcessSpec) SinkName() string {
	return strings.ReplaceAll(s.Name, " ", "_")
}

func (s ManagedProcessSpec) Validate() error {
	if s.Name == "" {
		return errors.NewValidationError("name is required", nil)
	}
	if strings.ContainsAny(s.Name, "/\\") || s.Name == "." || s.Name == ".." {
		return errors.NewValidationError("name must not contain path separators", nil).WithContext("name", s.Name)
	}
	if s.Path == "" {
		return errors.NewValidationError("dir is required", nil).WithContext("name", s.Name)
	}
	if s.Port < 0 || s.Port > 65535 {
		return errors.NewValidationError(fmt.Sprintf("port %d out of range", s.Port), nil).WithContext("name", s.Name)
	}
	for _, env := range s.Env {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil).WithContext("name", s.Name)
		}
	}
	return nil
}

// DesiredState is the externally supplied target set of managed processes
type DesiredState struct {
	Apps map[string]ManagedProcessSpec `yaml:"apps" json:"apps"`
}

// Normalize fills each spec's Name from its map key
func (d *DesiredState) Normalize() error {
	if d.Apps == nil {
		d.Apps = make(map[string]ManagedProcessSpec)
	}
	for key, spec := range d.Apps {
		if spec.Name != "" && spec.Name != key {
			return errors.NewValidationError(fmt.Sprintf("app %q declares mismatching name %q", key, spec.Name), nil)
		}
		spec.Name = key
		d.Apps[key] = spec
	}
	return nil
}

func (d DesiredState) Validate() error {
	collection := errors.NewErrorCollection()
	for _, name := range d.Names() {
		if err := d.Apps[name].Validate(); err != nil {
			collection.Add(err)
		}
	}
	return collection.ToError()
}

func (d DesiredState) Names() []string {
	names := make([]string, 0, len(d.Apps))
	for name := range d.Apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
