// Package supervisor wires the manager, control plane and run files into a
// running supervisor process.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/manager"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
	"github.com/core-tools/hsu-supervisor/pkg/opsapi"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/reconcile"
	"github.com/core-tools/hsu-supervisor/pkg/unit"
)

type RunOptions struct {
	// RunDuration in seconds, 0 runs until a signal or a stop command
	RunDuration int
	// Autostart launches the desired state without waiting for a start command
	Autostart bool
}

// Runner owns every long-lived component. NewRunner acquires the instance
// lock and binds the listeners; Run serves until shutdown.
type Runner struct {
	config  *config.Config
	logger  logging.Logger
	files   *processfile.ProcessFileManager
	lock    *processfile.InstanceLock
	metrics *metrics.Metrics
	manager *manager.Manager
	control *control.Server
	ops     *opsapi.Server
	watcher *config.Watcher
}

func NewRunner(cfg *config.Config, logger logging.Logger) (*Runner, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	s := cfg.Supervisor

	files := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory: s.RunDir,
		AppName:       s.AppName,
	}, logging.WithPrefix(logger, "runfiles , "))

	lock, err := files.AcquireLock()
	if err != nil {
		logger.Errorf("Failed to acquire instance lock: %v", err)
		return nil, err
	}

	r := &Runner{
		config:  cfg,
		logger:  logger,
		files:   files,
		lock:    lock,
		metrics: metrics.New(),
	}

	policy, _ := reconcile.ParseRemovedPolicy(s.RemovedPolicy)
	managerOptions := manager.Options{
		Unit: unit.Config{
			PollInterval: s.PollInterval,
			LogDir:       cfg.Logs.Dir,
			Rotation: process.RotationConfig{
				MaxSizeMB:  cfg.Logs.MaxSizeMB,
				MaxBackups: cfg.Logs.MaxBackups,
				MaxAgeDays: cfg.Logs.MaxAgeDays,
				Compress:   cfg.Logs.Compress,
			},
		},
		RemovedPolicy: policy,
	}
	r.manager = manager.New(managerOptions, config.NewDesiredStateFile(cfg.DesiredState),
		r.metrics, logging.WithPrefix(logger, "manager , "))

	r.control, err = control.NewServer(control.ServerOptions{Address: s.ControlAddress}, logging.WithPrefix(logger, "control , "))
	if err != nil {
		logger.Errorf("Failed to bind control address: %v", err)
		r.release()
		return nil, err
	}
	control.RegisterGRPCServerHandler(r.control.GRPC(), r.manager, logging.WithPrefix(logger, "control , "))

	if s.OpsAddress != "" {
		handler := opsapi.NewHandler(r.manager, r.health, r.metrics.Handler(), logging.WithPrefix(logger, "ops , "))
		r.ops, err = opsapi.NewServer(s.OpsAddress, handler, logging.WithPrefix(logger, "ops , "))
		if err != nil {
			logger.Errorf("Failed to bind ops address: %v", err)
			r.control.Stop(context.Background())
			r.release()
			return nil, err
		}
	}

	if s.WatchDesiredState {
		r.watcher, err = config.NewWatcher(cfg.DesiredState, config.DefaultDebounce, r.refreshFromWatcher,
			logging.WithPrefix(logger, "watcher , "))
		if err != nil {
			logger.Warnf("Desired state watcher disabled: %v", err)
			r.watcher = nil
		}
	}

	return r, nil
}

func (r *Runner) Manager() *manager.Manager {
	return r.manager
}

func (r *Runner) ControlAddress() control.Address {
	return r.control.Address()
}

// OpsAddress is empty when the ops API is disabled
func (r *Runner) OpsAddress() string {
	if r.ops == nil {
		return ""
	}
	return r.ops.Address()
}

func (r *Runner) Files() *processfile.ProcessFileManager {
	return r.files
}

func (r *Runner) health() (bool, string) {
	state := r.manager.State()
	healthy := state != manager.ManagerStateStopping && state != manager.ManagerStateStopped
	return healthy, string(state)
}

func (r *Runner) logNotifier() domain.Notifier {
	return func(n domain.Notification) {
		r.logger.Infof("%s", n.Message)
	}
}

func (r *Runner) refreshFromWatcher() {
	r.logger.Infof("Desired state changed on disk, refreshing")
	if err := r.manager.Refresh(context.Background(), r.logNotifier()); err != nil {
		r.logger.Warnf("Refresh after desired state change failed: %v", err)
	}
}

// Run serves until ctx is done or a stop command stops the manager, then
// shuts down: units first, then the control plane, then the run files.
func (r *Runner) Run(ctx context.Context, autostart bool) error {
	if err := r.files.WritePIDFile(os.Getpid()); err != nil {
		r.logger.Warnf("Continuing without PID file: %v", err)
	}
	_ = r.files.WriteStatusFile(domain.StatusDocument{})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var servers sync.WaitGroup
	servers.Add(1)
	go func() {
		defer servers.Done()
		_ = r.control.Serve()
	}()
	if r.ops != nil {
		servers.Add(1)
		go func() {
			defer servers.Done()
			_ = r.ops.Serve()
		}()
	}

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		r.manager.RunSweeper(runCtx)
	}()
	go func() {
		defer background.Done()
		r.manager.ObserveStatus(runCtx, func(document domain.StatusDocument) {
			_ = r.files.WriteStatusFile(document)
		})
	}()
	if r.watcher != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			r.watcher.Run(runCtx)
		}()
	}

	r.logger.Infof("Supervisor is ready, control address: %s", r.control.Address())

	if autostart {
		if err := r.manager.Start(runCtx, r.logNotifier()); err != nil {
			r.logger.Errorf("Autostart failed: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		r.logger.Infof("Supervisor runner stopping: %v", ctx.Err())
	case <-r.manager.Stopped():
		r.logger.Infof("Supervisor runner stopping after stop command")
	}

	cancel()
	background.Wait()

	err := r.shutdown()
	servers.Wait()

	r.logger.Infof("Supervisor runner stopped")
	return err
}

func (r *Runner) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.config.Supervisor.ForceShutdownTimeout)
	defer cancel()

	err := r.manager.Shutdown(shutdownCtx)
	if err != nil {
		r.logger.Errorf("Units did not all stop: %v", err)
	}
	if document, statusErr := r.manager.Status(shutdownCtx); statusErr == nil {
		_ = r.files.WriteStatusFile(document)
	}

	r.control.Stop(shutdownCtx)
	if r.ops != nil {
		r.ops.Stop(shutdownCtx)
	}

	r.files.RemovePIDFile()
	r.release()
	return err
}

func (r *Runner) release() {
	if err := r.lock.Release(); err != nil {
		r.logger.Warnf("Failed to release instance lock: %v", err)
	}
}

// Run serves cfg until a signal or a stop command arrives, or the run
// duration elapses. The caller loads cfg so it can build its logger from it.
func Run(cfg *config.Config, options RunOptions, logger logging.Logger) error {
	logger.Infof("Supervisor runner starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if options.RunDuration > 0 {
		duration := time.Duration(options.RunDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Infof("Using DESIRED STATE file: %s", cfg.DesiredState)

	runner, err := NewRunner(cfg, logger)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	go func() {
		select {
		case received := <-sig:
			logger.Infof("Supervisor runner received signal: %v", received)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := runner.Run(ctx, options.Autostart); err != nil {
		return errors.NewInternalError("supervisor shutdown incomplete", err)
	}
	return nil
}
