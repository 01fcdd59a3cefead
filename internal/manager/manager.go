package manager

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/danobi/btrfs-fuzz/config"
	"github.com/danobi/btrfs-fuzz/internal/afl"
	"github.com/danobi/btrfs-fuzz/internal/crash"
	"github.com/danobi/btrfs-fuzz/internal/metrics"
	"github.com/danobi/btrfs-fuzz/internal/vm"
	"github.com/danobi/btrfs-fuzz/pkg/expect"
	"github.com/danobi/btrfs-fuzz/pkg/telemetry"
	"github.com/danobi/btrfs-fuzz/pkg/watchdog"
)

// Manager owns a fuzzing session: it sizes the fleet, spawns one worker per
// guest, watches afl's crash directories, and tears everything down when the
// first worker reaches a terminal outcome.
type Manager struct {
	cfg           *config.AppConfig
	logger        *zap.Logger
	store         *crash.Store
	crashes       *crash.Manager
	metrics       *metrics.Metrics
	tracerFactory *telemetry.TracerFactory
	watchdogs     *watchdog.WatchDogFactory

	mirror          io.Writer
	pollInterval    time.Duration
	monitorInterval time.Duration

	// newWorker builds one worker for a role. Tests swap in scripted guests.
	newWorker func(role afl.Role) *Worker
}

type ManagerParams struct {
	fx.In

	Config        *config.AppConfig
	Logger        *zap.Logger
	Store         *crash.Store
	Crashes       *crash.Manager
	Metrics       *metrics.Metrics `optional:"true"`
	TracerFactory *telemetry.TracerFactory
	Watchdogs     *watchdog.WatchDogFactory
}

func NewManager(params ManagerParams) *Manager {
	m := &Manager{
		cfg:             params.Config,
		logger:          params.Logger,
		store:           params.Store,
		crashes:         params.Crashes,
		metrics:         params.Metrics,
		tracerFactory:   params.TracerFactory,
		watchdogs:       params.Watchdogs,
		mirror:          os.Stdout,
		pollInterval:    time.Second,
		monitorInterval: 10 * time.Second,
	}
	m.newWorker = m.buildWorker
	return m
}

// Run fuzzes until a worker terminates or the context ends. The returned
// error is a *FleetError naming the worker that brought the run down, or the
// context's error on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	// Everything spawned below must end when this function returns, or the
	// crash manager would wait forever on the watchdog's channel.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	roles := afl.FleetRoles(m.workerCount())

	m.logger.Info("starting fuzzing session",
		zap.Int("workers", len(roles)),
		zap.String("image", m.imageRef()),
		zap.String("state_dir", m.cfg.StateDir))

	tracer := m.tracerFactory.NewTracer(ctx, "fuzzing session").WithAttributes(
		telemetry.NewSpanAttributes(telemetry.Fuzzing).
			WithWorkers(len(roles)).
			WithImage(m.imageRef()))
	tracer.Start()
	defer tracer.End()
	ctx = context.WithValue(ctx, telemetry.TracerKey{}, tracer)

	// afl writes its own crash findings under output/<name>/crashes; the
	// watchdog streams every new file there to the crash manager. README.txt
	// is afl boilerplate, not a finding.
	aflCrashes := make(chan string, 1024)
	wd := m.watchdogs.New(ctx, aflCrashes, func(path string) bool {
		return filepath.Base(path) != "README.txt"
	})
	go m.watchCrashDirs(ctx, wd, roles)
	m.crashes.RegisterAFLFiles(ctx, aflCrashes)

	workers := make([]*Worker, len(roles))
	for i, role := range roles {
		workers[i] = m.newWorker(role)
	}

	if len(workers) == 1 {
		return m.runSolo(ctx, workers[0])
	}
	return m.runFleet(ctx, workers)
}

// workerCount resolves the parallelism setting: 0 is a single solo worker,
// -1 one worker per CPU.
func (m *Manager) workerCount() int {
	switch {
	case m.cfg.Parallel == -1:
		return runtime.NumCPU()
	case m.cfg.Parallel < 1:
		return 1
	default:
		return m.cfg.Parallel
	}
}

func (m *Manager) imageRef() string {
	if m.cfg.UseNspawn() {
		return m.cfg.FSDir
	}
	return m.cfg.ImageRef()
}

func (m *Manager) buildWorker(role afl.Role) *Worker {
	backend := m.backend(role)
	w := &Worker{
		role:       role,
		label:      workerLabel(role),
		cfg:        m.cfg,
		store:      m.store,
		crashes:    m.crashes,
		metrics:    m.metrics,
		logger:     m.logger,
		mirror:     m.mirror,
		needsEntry: backend.NeedsEntry(),
	}
	w.spawn = func() (vm.Console, error) {
		argv, err := backend.CommandLine()
		if err != nil {
			return nil, err
		}
		session, err := expect.Spawn(m.logger, argv[0], argv[1:]...)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
	return w
}

func (m *Manager) backend(role afl.Role) vm.Backend {
	if m.cfg.UseNspawn() {
		return vm.Nspawn{
			FSDir:    m.cfg.FSDir,
			StateDir: m.cfg.StateDir,
			Worker:   role.Name(),
		}
	}
	return vm.Podman{
		Image:    m.cfg.ImageRef(),
		StateDir: m.cfg.StateDir,
	}
}

type ActivateParams struct {
	fx.In

	Lc         fx.Lifecycle
	Logger     *zap.Logger
	Manager    *Manager
	Shutdowner fx.Shutdowner
}

// Activate runs the manager under the fx lifecycle. The session runs in the
// background from OnStart; when it ends, the app shuts itself down with an
// exit code reflecting how the session ended. SIGHUP asks for the same
// graceful teardown fx already performs for SIGINT and SIGTERM.
func Activate(params ActivateParams) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan any)

	params.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				defer signal.Stop(hup)
				select {
				case <-hup:
					params.Logger.Info("received SIGHUP, shutting down")
					_ = params.Shutdowner.Shutdown()
				case <-runCtx.Done():
				}
			}()

			go func() {
				defer close(done)
				err := params.Manager.Run(runCtx)

				code := 0
				switch {
				case err == nil, errors.Is(err, context.Canceled):
				default:
					params.Logger.Error("fuzzing session ended", zap.Error(err))
					code = 1
				}
				_ = params.Shutdowner.Shutdown(fx.ExitCode(code))
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})
}
