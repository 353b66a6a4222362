// Package manager owns the set of supervised units and serializes every
// operation that creates or destroys one.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
	"github.com/core-tools/hsu-supervisor/pkg/reconcile"
	"github.com/core-tools/hsu-supervisor/pkg/status"
	"github.com/core-tools/hsu-supervisor/pkg/unit"
)

const DefaultSweepInterval = 5 * time.Second

var _ domain.Contract = (*Manager)(nil)

// DesiredStateSource supplies the desired state, read wholesale on start and refresh
type DesiredStateSource interface {
	Load() (domain.DesiredState, error)
}

type Options struct {
	Unit          unit.Config
	RemovedPolicy reconcile.RemovedPolicy
	SweepInterval time.Duration
}

// ManagerState is the lifecycle of the manager itself
type ManagerState string

const (
	ManagerStateIdle     ManagerState = "idle"
	ManagerStateRunning  ManagerState = "running"
	ManagerStateStopping ManagerState = "stopping"
	ManagerStateStopped  ManagerState = "stopped"
)

type Manager struct {
	options Options
	source  DesiredStateSource
	table   *status.Table
	metrics *metrics.Metrics
	logger  logging.Logger

	// opMutex is held for every create/destroy sequence
	opMutex sync.Mutex

	mutex sync.Mutex
	units map[string]*unit.Unit
	state ManagerState

	broadcast *broadcaster

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(options Options, source DesiredStateSource, m *metrics.Metrics, logger logging.Logger) *Manager {
	if options.RemovedPolicy == "" {
		options.RemovedPolicy = reconcile.RemovedStop
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = DefaultSweepInterval
	}

	return &Manager{
		options:   options,
		source:    source,
		table:     status.NewTable(),
		metrics:   m,
		logger:    logger,
		units:     make(map[string]*unit.Unit),
		state:     ManagerStateIdle,
		broadcast: newBroadcaster(),
		stopped:   make(chan struct{}),
	}
}

// Table exposes the shared status table for readers such as the ops API
func (m *Manager) Table() *status.Table {
	return m.table
}

// Stopped is closed once a stop request has torn down every unit
func (m *Manager) Stopped() <-chan struct{} {
	return m.stopped
}

func (m *Manager) State() ManagerState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Subscribe registers a notifier for every unit notification until the
// returned function is called.
func (m *Manager) Subscribe(notify domain.Notifier) func() {
	return m.broadcast.subscribe(notify)
}

func (m *Manager) Start(ctx context.Context, notify domain.Notifier) error {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()
	defer m.Subscribe(notify)()

	err := m.start(ctx, notify)
	m.metrics.Operation(string(domain.KindStart), err)
	return err
}

func (m *Manager) start(ctx context.Context, notify domain.Notifier) error {
	if err := m.checkAccepting(); err != nil {
		return err
	}

	if m.liveUnitCount() > 0 {
		msg := "Manager already running units"
		notify.Notify(domain.NewNotification("", domain.EventRejected, msg))
		return errors.NewConflictError(msg, nil)
	}

	desired, err := m.source.Load()
	if err != nil {
		m.logger.Errorf("Failed to load desired state: %v", err)
		notify.Notify(domain.NewNotification("", domain.EventRejected, fmt.Sprintf("could not load desired state: %v", err)))
		return err
	}

	m.logger.Infof("Starting units, count: %d", len(desired.Apps))

	// exited leftovers from an earlier run are replaced
	for _, name := range m.unitNames() {
		m.removeUnit(name)
	}

	for _, name := range desired.Names() {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelledError("start cancelled", err)
		}
		m.launch(desired.Apps[name])
	}

	m.mutex.Lock()
	m.state = ManagerStateRunning
	m.mutex.Unlock()
	return nil
}

// Stop tears down every unit and then marks the manager stopped. The
// process hosting the manager is expected to exit after Stopped is closed.
func (m *Manager) Stop(ctx context.Context, notify domain.Notifier) error {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()
	defer m.Subscribe(notify)()

	err := m.stopAll(ctx)
	m.metrics.Operation(string(domain.KindStop), err)

	notify.Notify(domain.NewNotification("", domain.EventStopped, "Manager stopped"))
	m.stopOnce.Do(func() {
		close(m.stopped)
	})
	return err
}

// Shutdown stops every unit without a stop request, used on process signals
func (m *Manager) Shutdown(ctx context.Context) error {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()
	return m.stopAll(ctx)
}

// stopAll joins every unit. Units that did not finish stopping before ctx
// expired stay registered, so a later call joins them again.
func (m *Manager) stopAll(ctx context.Context) error {
	m.mutex.Lock()
	if m.state == ManagerStateStopped && len(m.units) == 0 {
		m.mutex.Unlock()
		return nil
	}
	m.state = ManagerStateStopping
	units := make(map[string]*unit.Unit, len(m.units))
	for name, u := range m.units {
		units[name] = u
	}
	m.mutex.Unlock()

	m.logger.Infof("Stopping all units, count: %d", len(units))

	var (
		g      errgroup.Group
		joined sync.Map
	)
	for name, u := range units {
		name, u := name, u
		g.Go(func() error {
			if err := joinStop(ctx, u); err != nil {
				return err
			}
			joined.Store(name, u)
			return nil
		})
	}
	err := g.Wait()

	m.mutex.Lock()
	m.state = ManagerStateStopped
	joined.Range(func(key, value any) bool {
		name := key.(string)
		if m.units[name] == value.(*unit.Unit) {
			delete(m.units, name)
		}
		return true
	})
	left := len(m.units)
	m.mutex.Unlock()

	if err != nil {
		m.logger.Errorf("Shutdown did not complete, units left: %d, error: %v", left, err)
		return err
	}
	m.logger.Infof("All units stopped")
	return nil
}

// joinStop stops a unit, giving up waiting when ctx expires. The unit keeps
// stopping in the background in that case.
func joinStop(ctx context.Context, u *unit.Unit) error {
	done := make(chan struct{})
	go func() {
		u.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("unit did not stop in time", ctx.Err()).WithContext("name", u.Name())
	}
}

func (m *Manager) StopOne(ctx context.Context, name string, notify domain.Notifier) error {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()
	defer m.Subscribe(notify)()

	err := m.stopOne(name, notify)
	m.metrics.Operation(string(domain.KindStopOne), err)
	return err
}

func (m *Manager) stopOne(name string, notify domain.Notifier) error {
	if err := m.checkAccepting(); err != nil {
		return err
	}
	if _, ok := m.lookup(name); !ok {
		return m.unknown(name, notify)
	}

	m.removeUnit(name)
	notify.Notify(domain.NewNotification(name, domain.EventRemoved, fmt.Sprintf("%s removed.", name)))
	return nil
}

func (m *Manager) RestartOne(ctx context.Context, name string, notify domain.Notifier) error {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()
	defer m.Subscribe(notify)()

	err := m.restartOne(name, notify)
	m.metrics.Operation(string(domain.KindRestartOne), err)
	return err
}

func (m *Manager) restartOne(name string, notify domain.Notifier) error {
	if err := m.checkAccepting(); err != nil {
		return err
	}
	u, ok := m.lookup(name)
	if !ok {
		return m.unknown(name, notify)
	}

	spec := u.Spec()
	m.logger.Infof("Restarting unit, name: %s", name)
	u.Stop()
	m.launch(spec)
	return nil
}

func (m *Manager) Refresh(ctx context.Context, notify domain.Notifier) error {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()
	defer m.Subscribe(notify)()

	err := m.refresh(ctx, notify)
	m.metrics.Operation(string(domain.KindRefresh), err)
	return err
}

func (m *Manager) refresh(ctx context.Context, notify domain.Notifier) error {
	if err := m.checkAccepting(); err != nil {
		return err
	}

	desired, err := m.source.Load()
	if err != nil {
		m.logger.Errorf("Failed to load desired state, keeping current units: %v", err)
		notify.Notify(domain.NewNotification("", domain.EventRejected, fmt.Sprintf("could not load desired state: %v", err)))
		return err
	}

	refused := m.refusedUnits()
	plan := reconcile.Compute(m.currentSpecs(), desired.Apps, m.options.RemovedPolicy)
	m.logger.Infof("Refreshing, start: %d, stop: %d, replace: %d, unchanged: %d, kept: %d",
		len(plan.Start), len(plan.Stop), len(plan.Replace), len(plan.Unchanged), len(plan.Kept))

	for _, name := range plan.Stop {
		m.removeUnit(name)
		notify.Notify(domain.NewNotification(name, domain.EventRemoved, fmt.Sprintf("%s removed.", name)))
	}

	for _, replacement := range plan.Replace {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelledError("refresh cancelled", err)
		}
		if u, ok := m.lookup(replacement.Name); ok {
			u.Stop()
		}
		m.launch(replacement.New)
	}

	for _, spec := range plan.Start {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelledError("refresh cancelled", err)
		}
		m.launch(spec)
	}

	for _, name := range plan.Unchanged {
		notify.Notify(domain.NewNotification(name, domain.EventUnchanged, fmt.Sprintf("%s unchanged.", name)))
	}

	// units refused before this refresh get one more attempt, units the
	// plan just launched do not
	m.sweep(refused)

	m.mutex.Lock()
	m.state = ManagerStateRunning
	m.mutex.Unlock()
	return nil
}

func (m *Manager) Status(ctx context.Context) (domain.StatusDocument, error) {
	snapshot := m.table.Snapshot()
	document := make(domain.StatusDocument, len(snapshot))
	for name, entry := range snapshot {
		document[name] = domain.ProcessStatus{
			PID:   entry.PID,
			Port:  entry.Port,
			State: entry.State,
		}
	}
	return document, nil
}

// Sweep restarts units whose goroutine died from a fault
func (m *Manager) Sweep() {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()

	if m.checkAccepting() != nil {
		return
	}
	m.sweep(nil)
}

// RunSweeper calls Sweep every sweep interval until ctx is done
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// sweep relaunches faulted units, and the refused units in retry that are
// still the current entry for their name
func (m *Manager) sweep(retry map[string]*unit.Unit) {
	for _, name := range m.unitNames() {
		u, ok := m.lookup(name)
		if !ok || !u.Exited() {
			continue
		}
		reason := u.ExitReason()
		if reason == unit.ExitFault || (reason == unit.ExitProbeFailure && retry[name] == u) {
			m.logger.Warnf("Sweep restarting unit, name: %s, exit reason: %s", name, reason)
			m.launch(u.Spec())
		}
	}
}

func (m *Manager) refusedUnits() map[string]*unit.Unit {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	refused := make(map[string]*unit.Unit)
	for name, u := range m.units {
		if u.Exited() && u.ExitReason() == unit.ExitProbeFailure {
			refused[name] = u
		}
	}
	return refused
}

// launch creates and starts a unit, replacing any previous entry. The
// previous unit must already be joined.
func (m *Manager) launch(spec domain.ManagedProcessSpec) {
	u := unit.New(spec, m.options.Unit, m.table, m.broadcast.notify, m.metrics, m.logger)

	m.mutex.Lock()
	m.units[spec.Name] = u
	m.mutex.Unlock()

	if err := u.Start(); err != nil {
		m.logger.Errorf("Failed to start unit, name: %s, error: %v", spec.Name, err)
	}
}

// removeUnit joins the unit and drops it with its status entry
func (m *Manager) removeUnit(name string) {
	u, ok := m.lookup(name)
	if !ok {
		return
	}
	u.Stop()

	m.mutex.Lock()
	delete(m.units, name)
	m.mutex.Unlock()

	m.table.Remove(name)
}

func (m *Manager) unknown(name string, notify domain.Notifier) error {
	msg := fmt.Sprintf("%s is not a managed process", name)
	notify.Notify(domain.NewNotification(name, domain.EventRejected, msg))
	return errors.NewNotFoundError(msg, nil).WithContext("name", name)
}

func (m *Manager) checkAccepting() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.state == ManagerStateStopping || m.state == ManagerStateStopped {
		return errors.NewConflictError("manager is shutting down", nil)
	}
	return nil
}

func (m *Manager) lookup(name string) (*unit.Unit, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	u, ok := m.units[name]
	return u, ok
}

func (m *Manager) unitNames() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	names := make([]string, 0, len(m.units))
	for name := range m.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) liveUnitCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	count := 0
	for _, u := range m.units {
		if !u.Exited() {
			count++
		}
	}
	return count
}

func (m *Manager) currentSpecs() map[string]domain.ManagedProcessSpec {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	specs := make(map[string]domain.ManagedProcessSpec, len(m.units))
	for name, u := range m.units {
		specs[name] = u.Spec()
	}
	return specs
}

// unitPIDs returns the current pid per name, 0 when nothing is running
func (m *Manager) unitPIDs() map[string]int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	pids := make(map[string]int, len(m.units))
	for name, u := range m.units {
		pids[name] = u.PID()
	}
	return pids
}

// ObserveStatus calls onChange with a fresh status document after table
// changes, and keeps the running gauge current, until ctx is done.
func (m *Manager) ObserveStatus(ctx context.Context, onChange func(domain.StatusDocument)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.table.Changes():
			m.metrics.SetRunning(m.table.CountRunning())
			if onChange != nil {
				document, _ := m.Status(ctx)
				onChange(document)
			}
		}
	}
}
