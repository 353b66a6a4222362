package config

import (
	"os"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"gopkg.in/yaml.v3"
)

// DesiredStateFile reads the desired-state document from disk on every Load.
// The document may be YAML or JSON.
type DesiredStateFile struct {
	Path string
}

func NewDesiredStateFile(path string) *DesiredStateFile {
	return &DesiredStateFile{Path: path}
}

func (f *DesiredStateFile) Load() (domain.DesiredState, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return domain.DesiredState{}, errors.NewIOError("failed to read desired state", err).WithContext("filename", f.Path)
	}
	return ParseDesiredState(data)
}

func ParseDesiredState(data []byte) (domain.DesiredState, error) {
	var state domain.DesiredState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return domain.DesiredState{}, errors.NewValidationError("failed to parse desired state", err)
	}
	if err := state.Normalize(); err != nil {
		return domain.DesiredState{}, err
	}
	if err := state.Validate(); err != nil {
		return domain.DesiredState{}, errors.NewValidationError("invalid desired state", err)
	}
	return state, nil
}
