package processfile

import (
	"fmt"
	"os"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"golang.org/x/sys/unix"
)

// InstanceLock is an exclusive flock held for the supervisor's lifetime.
// The kernel drops it when the process dies, so a stale lock file never
// blocks a restart.
type InstanceLock struct {
	file *os.File
	path string
}

// AcquireLock takes the instance lock without blocking. A second supervisor
// with the same run directory and app name gets a ConflictError.
func (m *ProcessFileManager) AcquireLock() (*InstanceLock, error) {
	path := m.LockFilePath()

	if err := ValidateRunDirectory(path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.NewIOError("failed to open lock file", err).WithContext("lock_file", path)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		owner, _ := os.ReadFile(path)
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.NewConflictError("another supervisor instance is running", nil).
				WithContext("lock_file", path).
				WithContext("owner_pid", strings.TrimSpace(string(owner)))
		}
		return nil, errors.NewIOError("failed to lock instance", err).WithContext("lock_file", path)
	}

	// the owner PID is informational only; the flock is what excludes
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
	}

	m.logger.Infof("Instance lock acquired, path: %s", path)
	return &InstanceLock{file: file, path: path}, nil
}

func (l *InstanceLock) Path() string {
	return l.path
}

// Release unlocks. The file itself stays; removing it would let a racing
// instance lock an unlinked inode. Safe to call twice.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
