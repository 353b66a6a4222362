// Package processfile manages the supervisor's run files: its own PID file,
// the instance lock and the published status document.
package processfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

const DefaultAppName = "hsu-supervisor"

// ProcessFileConfig selects where run files live
type ProcessFileConfig struct {
	// Base directory for run files. If empty, chosen from ServiceContext
	BaseDirectory string

	ServiceContext ServiceContext

	// Application name, used for file names and the optional subdirectory
	AppName string

	UseSubdirectory bool
}

// ServiceContext defines the context in which the supervisor runs
type ServiceContext string

const (
	// SystemService runs as a system daemon
	SystemService ServiceContext = "system"

	// UserService runs as a user service
	UserService ServiceContext = "user"
)

// ProcessFileManager generates and writes the supervisor's run files
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}

	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// RunDirectory is the directory holding every run file
func (m *ProcessFileManager) RunDirectory() string {
	dir := m.getBaseDirectory()
	if m.config.UseSubdirectory {
		dir = filepath.Join(dir, m.config.AppName)
	}
	return dir
}

func (m *ProcessFileManager) PIDFilePath() string {
	return filepath.Join(m.RunDirectory(), m.config.AppName+".pid")
}

func (m *ProcessFileManager) LockFilePath() string {
	return filepath.Join(m.RunDirectory(), m.config.AppName+".lock")
}

func (m *ProcessFileManager) StatusFilePath() string {
	return filepath.Join(m.RunDirectory(), m.config.AppName+".status.json")
}

// WritePIDFile records the supervisor's own PID
func (m *ProcessFileManager) WritePIDFile(pid int) error {
	path := m.PIDFilePath()
	m.logger.Debugf("Writing PID file, pid: %d, path: %s", pid, path)

	if err := ValidateRunDirectory(path); err != nil {
		m.logger.Errorf("PID file directory validation failed, path: %s, error: %v", path, err)
		return errors.NewIOError("PID file directory validation failed", err).WithContext("pid_file", path)
	}

	if err := writeAtomic(path, []byte(fmt.Sprintf("%d\n", pid))); err != nil {
		m.logger.Errorf("Failed to write PID file, pid: %d, path: %s, error: %v", pid, path, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}

	m.logger.Infof("PID file written, pid: %d, path: %s", pid, path)
	return nil
}

// ReadPIDFile returns the PID recorded by a running (or crashed) supervisor
func (m *ProcessFileManager) ReadPIDFile() (int, error) {
	path := m.PIDFilePath()
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", path).WithContext("content", pidStr)
	}
	return pid, nil
}

func (m *ProcessFileManager) RemovePIDFile() {
	path := m.PIDFilePath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warnf("Failed to remove PID file, path: %s, error: %v", path, err)
	}
}

// WriteStatusFile publishes the status document as JSON. Readers never see
// a partially written file.
func (m *ProcessFileManager) WriteStatusFile(document domain.StatusDocument) error {
	path := m.StatusFilePath()

	if document == nil {
		document = domain.StatusDocument{}
	}
	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to encode status document", err)
	}

	if err := ValidateRunDirectory(path); err != nil {
		return errors.NewIOError("status file directory validation failed", err).WithContext("status_file", path)
	}
	if err := writeAtomic(path, append(data, '\n')); err != nil {
		m.logger.Warnf("Failed to write status file, path: %s, error: %v", path, err)
		return errors.NewIOError("failed to write status file", err).WithContext("status_file", path)
	}
	return nil
}

// ReadStatusFile loads the last published status document
func (m *ProcessFileManager) ReadStatusFile() (domain.StatusDocument, error) {
	path := m.StatusFilePath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError("failed to read status file", err).WithContext("status_file", path)
	}
	var document domain.StatusDocument
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, errors.NewValidationError("invalid status file", err).WithContext("status_file", path)
	}
	return document, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (m *ProcessFileManager) getBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case SystemService:
		// Modern standard is /run, with fallback to /var/run
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

// ValidateRunDirectory makes sure the directory of a run file exists and is writable
func ValidateRunDirectory(filePath string) error {
	dir := filepath.Dir(filePath)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access run directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create run directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("run directory path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewIOError("run directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)

	return nil
}
