package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher calls onChange after the watched file is written, created or
// renamed into place. Bursts of events within the debounce window collapse
// into one call.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
	logger   logging.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher watches the file's directory, since editors often replace a
// file rather than writing it in place.
func NewWatcher(path string, debounce time.Duration, onChange func(), logger logging.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewIOError("unable to resolve watched path", err).WithContext("path", path)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewIOError("failed to create file watcher", err)
	}
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		fsWatcher.Close()
		return nil, errors.NewIOError("failed to watch directory", err).WithContext("dir", filepath.Dir(abs))
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		watcher:  fsWatcher,
	}, nil
}

// Run blocks until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debugf("Desired state file event, file: %s, op: %s", event.Name, event.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Watcher error: %v", err)
		case <-timer.C:
			w.logger.Infof("Desired state file changed, path: %s", w.path)
			w.onChange()
		}
	}
}
