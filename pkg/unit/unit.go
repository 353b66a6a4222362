// Package unit owns the lifecycle of one managed process: launch, crash
// polling, restart decision and forced termination.
package unit

import (
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
	"github.com/core-tools/hsu-supervisor/pkg/probe"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/status"
)

const (
	DefaultPollInterval = time.Second
	DefaultKillTimeout  = 5 * time.Second
)

type Config struct {
	PollInterval time.Duration
	KillTimeout  time.Duration
	LogDir       string
	Rotation     process.RotationConfig

	// Probes default to the real port and environment probes
	PortInUse         func(port int) bool
	EnvironmentStatus func(environment string) probe.EnvironmentStatus
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	if c.PortInUse == nil {
		c.PortInUse = probe.IsPortInUse
	}
	if c.EnvironmentStatus == nil {
		c.EnvironmentStatus = probe.ProbeEnvironment
	}
	return c
}

// Unit supervises one managed name. Exactly one goroutine runs per Unit and
// a Unit is never restarted: a new Unit replaces it.
type Unit struct {
	spec    domain.ManagedProcessSpec
	config  Config
	table   *status.Table
	notify  domain.Notifier
	metrics *metrics.Metrics
	logger  logging.Logger

	mutex      sync.Mutex
	state      State
	handle     *process.Handle
	sink       *process.LogSink
	exitReason ExitReason
	started    bool

	stopOnce sync.Once
	stopCh   chan struct{}
	launched chan struct{}
	done     chan struct{}
}

func New(spec domain.ManagedProcessSpec, config Config, table *status.Table, notify domain.Notifier,
	m *metrics.Metrics, logger logging.Logger) *Unit {
	return &Unit{
		spec:     spec,
		config:   config.withDefaults(),
		table:    table,
		notify:   notify,
		metrics:  m,
		logger:   logging.WithPrefix(logger, fmt.Sprintf("unit: %s , ", spec.Name)),
		state:    StateLaunching,
		stopCh:   make(chan struct{}),
		launched: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (u *Unit) Name() string {
	return u.spec.Name
}

func (u *Unit) Spec() domain.ManagedProcessSpec {
	return u.spec
}

func (u *Unit) State() State {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.state
}

// PID returns the current process id, or 0 while no process is believed alive
func (u *Unit) PID() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if u.handle == nil {
		return 0
	}
	return u.handle.PID()
}

func (u *Unit) Done() <-chan struct{} {
	return u.done
}

// Exited reports whether the goroutine has returned
func (u *Unit) Exited() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

func (u *Unit) ExitReason() ExitReason {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.exitReason
}

// Start spawns the unit goroutine and blocks until the launch phase is over:
// either the process is running or the unit has already exited.
func (u *Unit) Start() error {
	u.mutex.Lock()
	if u.started {
		u.mutex.Unlock()
		return errors.NewConflictError("unit already started", nil).WithContext("name", u.spec.Name)
	}
	u.started = true
	u.mutex.Unlock()

	u.publish(StateLaunching, nil)
	go u.run()

	select {
	case <-u.launched:
	case <-u.done:
	}
	return nil
}

// Stop requests termination and joins the goroutine. Safe to call more than
// once and on a unit whose goroutine has already exited.
func (u *Unit) Stop() {
	u.stopOnce.Do(func() {
		close(u.stopCh)
	})

	u.mutex.Lock()
	started := u.started
	u.mutex.Unlock()
	if !started {
		return
	}
	<-u.done
}

func (u *Unit) run() {
	defer close(u.done)
	defer u.closeSink()
	defer u.recoverFault()

	if !u.launch() {
		return
	}
	close(u.launched)

	ticker := time.NewTicker(u.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-u.stopCh:
			u.terminate()
			return
		case <-ticker.C:
			u.poll()
		}
	}
}

func (u *Unit) recoverFault() {
	r := recover()
	if r == nil {
		return
	}

	u.logger.Errorf("Unit goroutine panicked: %v\n%s", r, debug.Stack())

	u.mutex.Lock()
	handle := u.handle
	u.handle = nil
	u.exitReason = ExitFault
	u.mutex.Unlock()

	if handle != nil {
		if err := handle.Kill(u.config.KillTimeout); err != nil {
			u.logger.Errorf("Failed to kill process after fault: %v", err)
		}
	}

	u.event(fmt.Sprintf("%s supervisor fault: %v", u.spec.Name, r))
	u.publish(StateStopped, nil)
}

// launch runs the probes and the first spawn. It returns false when the unit
// must not proceed to the poll loop.
func (u *Unit) launch() bool {
	if u.config.LogDir != "" {
		sink, err := process.OpenLogSink(u.config.LogDir, u.spec.SinkName(), u.config.Rotation)
		if err != nil {
			u.logger.Warnf("Failed to open log sink, output is discarded: %v", err)
		} else {
			u.mutex.Lock()
			u.sink = sink
			u.mutex.Unlock()
		}
	}

	if u.config.PortInUse(u.spec.Port) {
		u.refuse("port_in_use", fmt.Sprintf("%s could not start. Port %d already in use.", u.spec.Name, u.spec.Port))
		return false
	}

	if u.spec.RequiresEnvironment() {
		switch u.config.EnvironmentStatus(u.spec.Environment) {
		case probe.EnvironmentUnconfigured:
			u.refuse("environment_unconfigured", fmt.Sprintf(
				"%s could not start. Please provide a virtual environment in the desired-state document.", u.spec.Name))
			return false
		case probe.EnvironmentMissing:
			u.refuse("environment_missing", fmt.Sprintf(
				"%s could not start. Virtual environment %s not found.", u.spec.Name, u.spec.Environment))
			return false
		}
	}

	handle, err := u.spawn()
	if err != nil {
		u.refuse("spawn_failed", fmt.Sprintf("%s could not start: %v", u.spec.Name, err))
		return false
	}

	u.running(handle)
	msg := fmt.Sprintf("%s started at URL path %s with PID %d.", u.spec.Name, u.spec.URL, handle.PID())
	u.event(msg)
	u.logger.Infof("%s", msg)
	u.notify.Notify(domain.NewNotification(u.spec.Name, domain.EventStarted, msg))
	return true
}

func (u *Unit) refuse(reason, msg string) {
	u.mutex.Lock()
	u.exitReason = ExitProbeFailure
	u.mutex.Unlock()

	u.metrics.ProbeFailed(u.spec.Name, reason)
	u.event(msg)
	u.logger.Warnf("%s", msg)
	u.publish(StateStopped, nil)
	u.notify.Notify(domain.NewNotification(u.spec.Name, domain.EventFailed, msg))
}

func (u *Unit) spawn() (*process.Handle, error) {
	execution := process.ExecutionConfig{
		Argv:             u.spec.Argv(),
		WorkingDirectory: u.spec.Path,
		Environment:      u.spec.Env,
	}

	u.mutex.Lock()
	sink := u.sink
	u.mutex.Unlock()

	var output io.Writer = io.Discard
	if sink != nil {
		output = sink
	}

	handle, err := process.Launch(execution, output, u.spec.Name, u.logger)
	if err != nil {
		return nil, err
	}
	u.metrics.Launched(u.spec.Name)
	return handle, nil
}

func (u *Unit) running(handle *process.Handle) {
	u.mutex.Lock()
	u.handle = handle
	u.mutex.Unlock()

	u.publish(StateRunning, status.PIDPtr(handle.PID()))
}

func (u *Unit) poll() {
	u.mutex.Lock()
	handle := u.handle
	state := u.state
	u.mutex.Unlock()

	if state == StateCrashed {
		return
	}

	if handle != nil && handle.Alive() {
		return
	}

	if handle != nil {
		u.logger.Warnf("Process exited unexpectedly, PID: %d, error: %v", handle.PID(), handle.ExitError())
		u.metrics.Crashed(u.spec.Name)
		u.mutex.Lock()
		u.handle = nil
		u.mutex.Unlock()
		u.publish(StateCrashDetected, nil)
	}

	if !u.spec.RestartOnCrash {
		msg := fmt.Sprintf("%s crashed and will not be restarted.", u.spec.Name)
		u.event(msg)
		u.logger.Warnf("%s", msg)
		u.publish(StateCrashed, nil)
		u.notify.Notify(domain.NewNotification(u.spec.Name, domain.EventCrashed, msg))
		return
	}

	u.publish(StateRelaunching, nil)
	newHandle, err := u.spawn()
	if err != nil {
		// stays relaunching, retried on the next poll; only the first
		// failure of a streak is reported
		msg := fmt.Sprintf("%s could not restart: %v", u.spec.Name, err)
		if handle == nil {
			u.logger.Debugf("%s", msg)
			return
		}
		u.event(msg)
		u.logger.Errorf("%s", msg)
		u.notify.Notify(domain.NewNotification(u.spec.Name, domain.EventFailed, msg))
		return
	}

	u.metrics.Restarted(u.spec.Name)
	u.running(newHandle)
	msg := fmt.Sprintf("%s restarted with PID %d.", u.spec.Name, newHandle.PID())
	u.event(msg)
	u.logger.Infof("%s", msg)
	u.notify.Notify(domain.NewNotification(u.spec.Name, domain.EventRestarted, msg))
}

func (u *Unit) terminate() {
	u.mutex.Lock()
	handle := u.handle
	u.exitReason = ExitRequested
	u.mutex.Unlock()

	u.publish(StateStopping, pidOf(handle))

	if handle != nil {
		if err := handle.Kill(u.config.KillTimeout); err != nil {
			u.logger.Errorf("Failed to kill process, PID: %d, error: %v", handle.PID(), err)
		}
	}

	u.mutex.Lock()
	u.handle = nil
	u.mutex.Unlock()

	u.publish(StateStopped, nil)

	msg := fmt.Sprintf("%s stopped.", u.spec.Name)
	u.event(msg)
	u.logger.Infof("%s", msg)
	u.notify.Notify(domain.NewNotification(u.spec.Name, domain.EventStopped, msg))
}

func pidOf(handle *process.Handle) *int {
	if handle == nil || !handle.Alive() {
		return nil
	}
	return status.PIDPtr(handle.PID())
}

// publish records the state and writes the whole status entry at once
func (u *Unit) publish(state State, pid *int) {
	u.mutex.Lock()
	u.state = state
	u.mutex.Unlock()

	u.table.Set(u.spec.Name, status.Entry{
		PID:   pid,
		Port:  u.spec.Port,
		State: string(state),
	})
}

func (u *Unit) event(msg string) {
	u.mutex.Lock()
	sink := u.sink
	u.mutex.Unlock()
	if sink != nil {
		sink.Event(msg)
	}
}

func (u *Unit) closeSink() {
	u.mutex.Lock()
	sink := u.sink
	u.sink = nil
	u.mutex.Unlock()
	if sink != nil {
		if err := sink.Close(); err != nil {
			u.logger.Warnf("Failed to close log sink: %v", err)
		}
	}
}
