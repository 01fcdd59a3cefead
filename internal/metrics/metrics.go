// Package metrics exposes fleet counters over an optional /metrics listener.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/danobi/btrfs-fuzz/config"
)

// Metrics holds all fleet Prometheus collectors.
type Metrics struct {
	// WorkersRunning tracks how many workers are currently live.
	WorkersRunning prometheus.Gauge

	// CrashesCaptured counts artifacts captured into the known-crash store,
	// by crash kind.
	CrashesCaptured *prometheus.CounterVec

	// AFLCrashesSeen counts crash files afl itself saved under output/.
	AFLCrashesSeen prometheus.Counter

	// WorkerOutcomes counts terminal worker outcomes by classification.
	WorkerOutcomes *prometheus.CounterVec

	// FuzzerRestarts counts fuzzer relaunches after recoverable crashes.
	FuzzerRestarts prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors on a private registry so repeated construction
// never double-registers.
func New() *Metrics {
	m := &Metrics{
		WorkersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "btrfsfuzz_workers_running",
			Help: "Number of fuzzing workers currently running",
		}),
		CrashesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "btrfsfuzz_crashes_captured_total",
			Help: "Crash artifacts captured into the known-crash store",
		}, []string{"kind"}),
		AFLCrashesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btrfsfuzz_afl_crashes_seen_total",
			Help: "Crash files saved by afl-fuzz under the output directory",
		}),
		WorkerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "btrfsfuzz_worker_outcomes_total",
			Help: "Terminal worker outcomes by classification",
		}, []string{"outcome"}),
		FuzzerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btrfsfuzz_fuzzer_restarts_total",
			Help: "Fuzzer relaunches after recoverable crashes",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.WorkersRunning,
		m.CrashesCaptured,
		m.AFLCrashesSeen,
		m.WorkerOutcomes,
		m.FuzzerRestarts,
	)
	return m
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type ServerParams struct {
	fx.In

	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Logger    *zap.Logger
	Metrics   *Metrics
}

// StartServer serves /metrics on AppConfig.MetricsAddr under the app
// lifecycle. No listener is started when the address is empty.
func StartServer(p ServerParams) {
	if p.AppConfig.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Metrics.Handler())
	srv := &http.Server{
		Addr:              p.AppConfig.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				p.Logger.Info("serving metrics", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Logger.Error("metrics listener failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
