package manager

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/danobi/btrfs-fuzz/config"
	"github.com/danobi/btrfs-fuzz/internal/afl"
	"github.com/danobi/btrfs-fuzz/internal/crash"
	"github.com/danobi/btrfs-fuzz/internal/metrics"
	"github.com/danobi/btrfs-fuzz/internal/vm"
	"github.com/danobi/btrfs-fuzz/pkg/telemetry"
	"github.com/danobi/btrfs-fuzz/pkg/watchdog"
)

func TestWorkerCount(t *testing.T) {
	tests := []struct {
		parallel int
		want     int
	}{
		{parallel: 0, want: 1},
		{parallel: 1, want: 1},
		{parallel: 3, want: 3},
		{parallel: -1, want: runtime.NumCPU()},
	}
	for _, tt := range tests {
		m := &Manager{cfg: &config.AppConfig{Parallel: tt.parallel}}
		assert.Equal(t, tt.want, m.workerCount(), "parallel=%d", tt.parallel)
	}
}

func TestBackendSelection(t *testing.T) {
	podman := &Manager{cfg: &config.AppConfig{StateDir: "_state"}}
	backend := podman.backend(afl.Solo())
	p, ok := backend.(vm.Podman)
	require.True(t, ok)
	assert.Equal(t, config.ImageLocal, p.Image)
	assert.Equal(t, "_state", p.StateDir)

	nspawn := &Manager{cfg: &config.AppConfig{StateDir: "_state", FSDir: "/var/rootfs"}}
	backend = nspawn.backend(afl.Coordinator())
	n, ok := backend.(vm.Nspawn)
	require.True(t, ok)
	assert.Equal(t, "/var/rootfs", n.FSDir)
	assert.Equal(t, "master", n.Worker)
	assert.Equal(t, "/var/rootfs", nspawn.imageRef())
}

func TestWatchCrashDirsRegistersDirsAsTheyAppear(t *testing.T) {
	stateDir := t.TempDir()
	m := &Manager{
		cfg:             &config.AppConfig{StateDir: stateDir},
		logger:          zap.NewNop(),
		monitorInterval: 5 * time.Millisecond,
	}
	roles := afl.FleetRoles(2)

	masterCrashes := filepath.Join(stateDir, "output", "master", "crashes")
	require.NoError(t, os.MkdirAll(masterCrashes, 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notify := make(chan string, 16)
	factory := watchdog.NewWatchDogFactory(zap.NewNop())
	wd := factory.New(ctx, notify, func(string) bool { return true })

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		m.watchCrashDirs(ctx, wd, roles)
	}()

	// The second directory shows up late, like afl creating it after start.
	secondaryCrashes := filepath.Join(stateDir, "output", "secondary_0", "crashes")
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.MkdirAll(secondaryCrashes, 0o755))

	select {
	case <-monitorDone:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor never saw all crash directories")
	}

	require.NoError(t, os.WriteFile(
		filepath.Join(masterCrashes, "id:000000"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(secondaryCrashes, "id:000001"), []byte("b"), 0o644))

	got := make(map[string]struct{})
	for len(got) < 2 {
		select {
		case path := <-notify:
			got[filepath.Base(path)] = struct{}{}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, saw %d notifications", len(got))
		}
	}
	assert.Contains(t, got, "id:000000")
	assert.Contains(t, got, "id:000001")
}

// newTestManager wires a manager with real collaborators and scripted guests.
func newTestManager(t *testing.T, lc fx.Lifecycle, cfg *config.AppConfig, consoles map[string]*scriptedConsole) *Manager {
	t.Helper()
	logger := zap.NewNop()

	store, err := crash.NewStore(cfg.StateDir, logger)
	require.NoError(t, err)

	m := NewManager(ManagerParams{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Crashes: crash.NewManager(crash.ManagerParams{
			Lc:      lc,
			Logger:  logger,
			Metrics: metrics.New(),
		}),
		Metrics:       metrics.New(),
		TracerFactory: telemetry.NewTracerFactory(telemetry.TracerFactoryParams{}),
		Watchdogs:     watchdog.NewWatchDogFactory(logger),
	})
	m.mirror = nil
	m.pollInterval = 5 * time.Millisecond
	m.monitorInterval = 5 * time.Millisecond

	m.newWorker = func(role afl.Role) *Worker {
		w := m.buildWorker(role)
		w.spawn = func() (vm.Console, error) {
			return consoles[workerLabel(role)], nil
		}
		return w
	}
	return m
}

func TestManagerRunSoloSession(t *testing.T) {
	cfg := testWorkerConfig(t)
	writeCurInput(t, cfg.StateDir, afl.Solo(), "fatal input")
	consoles := map[string]*scriptedConsole{
		"solo": newScriptedConsole(bootBanner, respondWithFuzzer(panicText)),
	}

	lc := fxtest.NewLifecycle(t)
	m := newTestManager(t, lc, cfg, consoles)
	lc.RequireStart()

	err := m.Run(context.Background())

	var fleetErr *FleetError
	require.ErrorAs(t, err, &fleetErr)
	assert.Equal(t, "solo", fleetErr.Worker)
	assert.Equal(t, OutcomeFatalCrash, fleetErr.Outcome)
	assert.Equal(t, 1, consoles["solo"].closedCount())

	lc.RequireStop()

	entries, err := os.ReadDir(filepath.Join(cfg.StateDir, "known_crashes"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.metrics.WorkerOutcomes.WithLabelValues(string(OutcomeFatalCrash))))
}

func TestManagerRunFleetSession(t *testing.T) {
	cfg := testWorkerConfig(t)
	cfg.Parallel = 3
	roles := afl.FleetRoles(3)
	consoles := make(map[string]*scriptedConsole, len(roles))
	for _, role := range roles {
		writeCurInput(t, cfg.StateDir, role, "input "+workerLabel(role))
		script := respondWithFuzzer()
		if role.Name() == afl.SecondaryName(1) {
			script = respondWithFuzzer(deathText)
		}
		consoles[workerLabel(role)] = newScriptedConsole(bootBanner, script)
	}
	cfg.OnRecoverable = config.OnRecoverableStop

	lc := fxtest.NewLifecycle(t)
	m := newTestManager(t, lc, cfg, consoles)
	lc.RequireStart()

	err := m.Run(context.Background())

	var fleetErr *FleetError
	require.ErrorAs(t, err, &fleetErr)
	assert.Equal(t, "secondary_1", fleetErr.Worker)
	assert.Equal(t, OutcomeRecoverableCrash, fleetErr.Outcome)
	for label, console := range consoles {
		assert.Equal(t, 1, console.closedCount(), "console %s", label)
	}

	lc.RequireStop()
}

func TestActivateShutsDownAppWhenSessionEnds(t *testing.T) {
	cfg := testWorkerConfig(t)
	writeCurInput(t, cfg.StateDir, afl.Solo(), "fatal input")
	consoles := map[string]*scriptedConsole{
		"solo": newScriptedConsole(bootBanner, respondWithFuzzer(panicText)),
	}

	lc := fxtest.NewLifecycle(t)
	m := newTestManager(t, lc, cfg, consoles)
	lc.RequireStart()
	defer lc.RequireStop()

	app := fx.New(
		fx.NopLogger,
		fx.Supply(m),
		fx.Provide(zap.NewNop),
		fx.Invoke(Activate),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Start(startCtx))

	select {
	case sig := <-app.Wait():
		assert.Equal(t, 1, sig.ExitCode, "a terminated session should exit nonzero")
	case <-time.After(5 * time.Second):
		t.Fatal("app never shut itself down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(stopCtx))
}
