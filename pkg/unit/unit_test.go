package unit

import (
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processstate"
	"github.com/core-tools/hsu-supervisor/pkg/status"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

type collector struct {
	mutex         sync.Mutex
	notifications []domain.Notification
}

func (c *collector) notifier() domain.Notifier {
	return func(n domain.Notification) {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		c.notifications = append(c.notifications, n)
	}
}

func (c *collector) events() []domain.Event {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	events := make([]domain.Event, 0, len(c.notifications))
	for _, n := range c.notifications {
		events = append(events, n.Event)
	}
	return events
}

func (c *collector) messages() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	messages := make([]string, 0, len(c.notifications))
	for _, n := range c.notifications {
		messages = append(messages, n.Message)
	}
	return messages
}

func sleeperSpec(name string) domain.ManagedProcessSpec {
	return domain.ManagedProcessSpec{
		Name:           name,
		Path:           os.TempDir(),
		RestartOnCrash: true,
		URL:            "/" + name + "/",
		Command:        []string{"/bin/sleep", "30"},
	}
}

func testConfig(t *testing.T) Config {
	return Config{
		PollInterval: 50 * time.Millisecond,
		KillTimeout:  5 * time.Second,
		LogDir:       t.TempDir(),
	}
}

func newTestUnit(t *testing.T, spec domain.ManagedProcessSpec, config Config) (*Unit, *status.Table, *collector) {
	table := status.NewTable()
	c := &collector{}
	u := New(spec, config, table, c.notifier(), metrics.New(), newMockLogger())
	return u, table, c
}

func readSink(t *testing.T, config Config, name string) string {
	data, err := os.ReadFile(process.LogSinkPath(config.LogDir, name))
	require.NoError(t, err)
	return string(data)
}

func TestUnit_StartAndStop(t *testing.T) {
	config := testConfig(t)
	u, table, c := newTestUnit(t, sleeperSpec("web"), config)

	require.NoError(t, u.Start())
	assert.Equal(t, StateRunning, u.State())

	pid := u.PID()
	require.Greater(t, pid, 0)
	entry, ok := table.Get("web")
	require.True(t, ok)
	require.NotNil(t, entry.PID)
	assert.Equal(t, pid, *entry.PID)
	assert.Equal(t, "running", entry.State)

	u.Stop()

	assert.True(t, u.Exited())
	assert.Equal(t, ExitRequested, u.ExitReason())
	assert.Equal(t, StateStopped, u.State())
	assert.Equal(t, 0, u.PID())

	entry, _ = table.Get("web")
	assert.Nil(t, entry.PID)
	assert.Equal(t, "stopped", entry.State)

	running, err := processstate.IsProcessRunning(pid)
	require.NoError(t, err)
	assert.False(t, running)

	assert.Equal(t, []domain.Event{domain.EventStarted, domain.EventStopped}, c.events())
	assert.Contains(t, c.messages()[0], "web started at URL path /web/ with PID ")
	assert.Equal(t, "web stopped.", c.messages()[1])

	sink := readSink(t, config, "web")
	assert.Equal(t, 1, strings.Count(sink, "web started at URL path"))
	assert.Equal(t, 1, strings.Count(sink, "web stopped."))

	// stopping twice is harmless
	u.Stop()
}

func TestUnit_StartTwiceIsConflict(t *testing.T) {
	u, _, _ := newTestUnit(t, sleeperSpec("web"), testConfig(t))
	require.NoError(t, u.Start())
	defer u.Stop()

	assert.Error(t, u.Start())
}

func TestUnit_StopBeforeStart(t *testing.T) {
	u, _, _ := newTestUnit(t, sleeperSpec("web"), testConfig(t))
	u.Stop()
	assert.False(t, u.Exited())
}

func TestUnit_PortInUse(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	spec := sleeperSpec("web")
	spec.Port = port
	config := testConfig(t)
	u, table, c := newTestUnit(t, spec, config)

	require.NoError(t, u.Start())
	<-u.Done()

	assert.Equal(t, ExitProbeFailure, u.ExitReason())
	entry, ok := table.Get("web")
	require.True(t, ok)
	assert.Nil(t, entry.PID)
	assert.Equal(t, port, entry.Port)

	expected := "web could not start. Port " + strconv.Itoa(port) + " already in use."
	assert.Equal(t, []string{expected}, c.messages())
	assert.Equal(t, 1, strings.Count(readSink(t, config, "web"), expected))
}

func TestUnit_EnvironmentProbes(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		expected    string
	}{
		{
			name:     "unconfigured",
			expected: "web could not start. Please provide a virtual environment in the desired-state document.",
		},
		{
			name:        "missing",
			environment: "/definitely/not/a/venv",
			expected:    "web could not start. Virtual environment /definitely/not/a/venv not found.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := domain.ManagedProcessSpec{Name: "web", Path: os.TempDir(), Environment: tt.environment, RestartOnCrash: true}
			u, table, c := newTestUnit(t, spec, testConfig(t))

			require.NoError(t, u.Start())
			<-u.Done()

			assert.Equal(t, ExitProbeFailure, u.ExitReason())
			assert.Equal(t, []string{tt.expected}, c.messages())
			entry, _ := table.Get("web")
			assert.Nil(t, entry.PID)
		})
	}
}

func TestUnit_SpawnFailure(t *testing.T) {
	spec := sleeperSpec("web")
	spec.Command = []string{"/definitely/not/here"}
	u, _, c := newTestUnit(t, spec, testConfig(t))

	require.NoError(t, u.Start())
	<-u.Done()

	assert.Equal(t, ExitProbeFailure, u.ExitReason())
	require.Len(t, c.messages(), 1)
	assert.True(t, strings.HasPrefix(c.messages()[0], "web could not start: "))
}

func TestUnit_CrashIsRestarted(t *testing.T) {
	config := testConfig(t)
	u, table, c := newTestUnit(t, sleeperSpec("web"), config)
	require.NoError(t, u.Start())
	defer u.Stop()

	first := u.PID()
	require.NoError(t, unix.Kill(first, unix.SIGKILL))

	assert.Eventually(t, func() bool {
		entry, _ := table.Get("web")
		return entry.PID != nil && *entry.PID != first
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		events := c.events()
		return len(events) == 2 && events[1] == domain.EventRestarted
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRunning, u.State())
	assert.Eventually(t, func() bool {
		return strings.Contains(readSink(t, config, "web"), "web restarted with PID ")
	}, time.Second, 10*time.Millisecond)
}

func TestUnit_CrashWithoutRestartIsTerminal(t *testing.T) {
	spec := sleeperSpec("web")
	spec.RestartOnCrash = false
	u, table, c := newTestUnit(t, spec, testConfig(t))
	require.NoError(t, u.Start())
	defer u.Stop()

	require.NoError(t, unix.Kill(u.PID(), unix.SIGKILL))

	assert.Eventually(t, func() bool {
		return u.State() == StateCrashed
	}, 2*time.Second, 10*time.Millisecond)

	// several more polls never relaunch
	time.Sleep(200 * time.Millisecond)
	entry, _ := table.Get("web")
	assert.Nil(t, entry.PID)
	assert.Equal(t, "crashed", entry.State)
	assert.Equal(t, 0, u.PID())
	assert.False(t, u.Exited())
	assert.Equal(t, []domain.Event{domain.EventStarted, domain.EventCrashed}, c.events())
	assert.Equal(t, "web crashed and will not be restarted.", c.messages()[1])
}

func TestUnit_PanicIsRecoveredAsFault(t *testing.T) {
	config := testConfig(t)
	var calls int32
	config.PortInUse = func(port int) bool {
		atomic.AddInt32(&calls, 1)
		panic("probe exploded")
	}
	u, table, _ := newTestUnit(t, sleeperSpec("web"), config)

	require.NoError(t, u.Start())
	<-u.Done()

	assert.Equal(t, ExitFault, u.ExitReason())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	entry, _ := table.Get("web")
	assert.Nil(t, entry.PID)
	assert.Equal(t, "stopped", entry.State)
}

func TestExitReason_String(t *testing.T) {
	assert.Equal(t, "fault", ExitFault.String())
	assert.Equal(t, "unknown", ExitReason(42).String())
}

