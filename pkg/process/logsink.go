package process

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// RotationConfig controls the lumberjack sink. Zero values use lumberjack defaults.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LogSink is the append-only log destination of one managed name. Child
// stdout/stderr and supervisor event lines share the same file.
type LogSink struct {
	path  string
	mutex sync.Mutex
	out   *lumberjack.Logger
}

func LogSinkPath(dir, name string) string {
	return filepath.Join(dir, name+".log")
}

// OpenLogSink creates dir when needed and opens <dir>/<name>.log for appending
func OpenLogSink(dir, name string, rotation RotationConfig) (*LogSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewIOError("failed to create log directory", err).WithContext("dir", dir)
	}
	path := LogSinkPath(dir, name)
	return &LogSink{
		path: path,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
			MaxAge:     rotation.MaxAgeDays,
			Compress:   rotation.Compress,
		},
	}, nil
}

func (s *LogSink) Path() string {
	return s.path
}

func (s *LogSink) Write(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.out.Write(p)
}

// Event appends one timestamped supervisor line
func (s *LogSink) Event(msg string) {
	line := fmt.Sprintf("%s [supervisor] %s\n", time.Now().Format(time.RFC3339), msg)
	_, _ = s.Write([]byte(line))
}

func (s *LogSink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.out.Close()
}
