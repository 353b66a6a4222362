package process

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processstate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

func TestLaunch_CapturesOutputAndExit(t *testing.T) {
	out := &syncBuffer{}
	handle, err := Launch(ExecutionConfig{
		Argv:        []string{"/bin/sh", "-c", "echo hello $GREETING; echo oops 1>&2"},
		Environment: []string{"GREETING=world"},
	}, out, "echo", logging.Discard())
	require.NoError(t, err)
	assert.Greater(t, handle.PID(), 0)

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	assert.False(t, handle.Alive())
	assert.NoError(t, handle.ExitError())
	assert.Contains(t, out.String(), "hello world")
	assert.Contains(t, out.String(), "oops")
	assert.NoError(t, handle.Kill(time.Second))
}

func TestLaunch_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	out := &syncBuffer{}
	handle, err := Launch(ExecutionConfig{
		Argv:             []string{"/bin/sh", "-c", "pwd -P"},
		WorkingDirectory: dir,
	}, out, "pwd", logging.Discard())
	require.NoError(t, err)
	<-handle.Done()

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, strings.TrimSpace(out.String()))
}

func TestLaunch_ExecFailure(t *testing.T) {
	_, err := Launch(ExecutionConfig{Argv: []string{"/definitely/not/here"}}, &syncBuffer{}, "missing", logging.Discard())
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))

	_, err = Launch(ExecutionConfig{}, &syncBuffer{}, "empty", logging.Discard())
	assert.True(t, errors.IsValidationError(err))
}

func TestHandle_KillTerminatesProcessGroup(t *testing.T) {
	handle, err := Launch(ExecutionConfig{
		Argv: []string{"/bin/sh", "-c", "sleep 30 & sleep 30"},
	}, &syncBuffer{}, "group", logging.Discard())
	require.NoError(t, err)
	assert.True(t, handle.Alive())

	require.NoError(t, handle.Kill(5*time.Second))
	assert.False(t, handle.Alive())
	assert.Error(t, handle.ExitError())

	running, err := processstate.IsProcessRunning(handle.PID())
	require.NoError(t, err)
	assert.False(t, running)
}

func TestHandle_KillWhileOutputStillDraining(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}

	// the detached grandchild keeps the output pipe open, so Wait outlives
	// the reaped shell until WaitDelay expires
	handle, err := Launch(ExecutionConfig{
		Argv:      []string{"/bin/sh", "-c", "setsid sleep 3 & exit 0"},
		WaitDelay: 10 * time.Second,
	}, io.Discard, "draining", logging.Discard())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		running, err := processstate.IsProcessRunning(handle.PID())
		return err == nil && !running
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, handle.Alive(), "Wait is still draining output")

	assert.NoError(t, handle.Kill(200*time.Millisecond))

	select {
	case <-handle.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("Wait never returned")
	}
}

func TestLogSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := OpenLogSink(dir, "web", RotationConfig{})
	require.NoError(t, err)
	assert.Equal(t, LogSinkPath(dir, "web"), sink.Path())

	sink.Event("web started")
	_, err = sink.Write([]byte("child output\n"))
	require.NoError(t, err)
	sink.Event("web stopped")
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "[supervisor] web started")
	assert.Equal(t, "child output", lines[1])
	assert.Contains(t, lines[2], "[supervisor] web stopped")
}
