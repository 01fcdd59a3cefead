package crash

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/danobi/btrfs-fuzz/internal/metrics"
	"github.com/danobi/btrfs-fuzz/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Manager is the accounting sink for crash events. Workers capture artifacts
// themselves (they know their own state layout) and report here; the manager
// serializes the bookkeeping so the journal and the counters never race.
type Manager struct {
	journal *Journal
	metrics *metrics.Metrics
	logger  *zap.Logger

	events chan Event
	wg     sync.WaitGroup
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

type ManagerParams struct {
	fx.In

	Lc      fx.Lifecycle
	Logger  *zap.Logger
	Journal *Journal         `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

func NewManager(params ManagerParams) *Manager {
	m := &Manager{
		journal: params.Journal,
		metrics: params.Metrics,
		logger:  params.Logger,
		events:  make(chan Event, 1024),
		done:    make(chan struct{}),
	}

	params.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			m.logger.Debug("starting crash manager")
			go m.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			m.logger.Info("stopping crash manager")
			m.wg.Wait() // wait until all registered file channels drain
			m.mu.Lock()
			m.closed = true
			m.mu.Unlock()
			m.logger.Debug("closing crash event channel")
			close(m.events)
			m.logger.Debug("waiting for crash manager to finish processing")
			<-m.done
			return nil
		},
	})

	return m
}

// Record submits one crash event for processing. Safe to call from any
// worker goroutine; events arriving after shutdown are dropped with a
// warning instead of wedging the caller.
func (m *Manager) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.logger.Warn("crash event dropped after shutdown",
			zap.String("kind", string(ev.Kind)),
			zap.String("source", ev.Source))
		return
	}
	m.events <- ev
}

// RegisterAFLFiles forwards crash files discovered under the afl output tree
// as afl-native events. The files are left in place; copying them into
// known_crashes would teach the runner to skip inputs afl still wants to
// schedule.
func (m *Manager) RegisterAFLFiles(ctx context.Context, files <-chan string) {
	m.wg.Add(1)
	tracer := ctx.Value(telemetry.TracerKey{}).(telemetry.Tracer)
	monitorTracer := tracer.Spawn("afl crash monitor")
	monitorTracer.Start()
	go func() {
		defer m.wg.Done()
		defer monitorTracer.End()

		seen := 0
		for path := range files {
			seen++
			m.logger.Debug("new afl crash file", zap.String("path", path))
			m.Record(Event{
				Kind:   KindAFLNative,
				Worker: workerForArtifact(path),
				Source: path,
			})
		}
		m.logger.Debug("afl crash file channel closed")

		monitorTracer.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttribute("afl_crashes_seen", seen))
	}()
	m.logger.Debug("afl crash file channel registered")
}

func (m *Manager) start() {
	defer close(m.done)
	for ev := range m.events {
		m.process(ev)
	}
}

func (m *Manager) process(ev Event) {
	m.logger.Info("crash recorded",
		zap.String("kind", string(ev.Kind)),
		zap.String("worker", ev.Worker),
		zap.String("source", ev.Source),
		zap.String("artifact", ev.Artifact))

	if m.metrics != nil {
		switch ev.Kind {
		case KindAFLNative:
			m.metrics.AFLCrashesSeen.Inc()
		default:
			m.metrics.CrashesCaptured.WithLabelValues(string(ev.Kind)).Inc()
		}
	}

	if m.journal != nil {
		if err := m.journal.Record(ev); err != nil {
			m.logger.Error("failed to journal crash", zap.Error(err))
		}
	}
}

// workerForArtifact maps an afl crash file back to the fuzzer instance that
// found it. Fleet runs write output/<name>/crashes/<file>, solo runs write
// output/crashes/<file>.
func workerForArtifact(path string) string {
	name := filepath.Base(filepath.Dir(filepath.Dir(path)))
	if name == "output" {
		return "solo"
	}
	return name
}
