package process

import (
	"os"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// ValidateExecutionConfig checks the parts of a command line that would make
// exec fail in a confusing way.
func ValidateExecutionConfig(config ExecutionConfig) error {
	if len(config.Argv) == 0 || config.Argv[0] == "" {
		return errors.NewValidationError("command is required", nil)
	}

	if config.WorkingDirectory != "" {
		if info, err := os.Stat(config.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+config.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+config.WorkingDirectory, nil)
		}
	}

	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}

	if config.WaitDelay < 0 {
		return errors.NewValidationError("wait delay cannot be negative", nil)
	}

	return nil
}
