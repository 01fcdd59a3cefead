package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/danobi/btrfs-fuzz/config"
	"github.com/danobi/btrfs-fuzz/internal/afl"
	"github.com/danobi/btrfs-fuzz/internal/crash"
	"github.com/danobi/btrfs-fuzz/internal/metrics"
	"github.com/danobi/btrfs-fuzz/internal/vm"
	"github.com/danobi/btrfs-fuzz/pkg/expect"
	"github.com/danobi/btrfs-fuzz/pkg/telemetry"
)

// Outcome is the terminal state of a worker. Every worker eventually lands in
// exactly one of these; there is no "finished" state because a healthy fuzzer
// runs until somebody stops it.
type Outcome string

const (
	// OutcomeUnexpectedExit covers everything that is neither a crash nor a
	// cancellation: the fuzzer command returned to the shell, a bring-up
	// command timed out, or the guest session broke underneath us.
	OutcomeUnexpectedExit Outcome = "unexpected-exit"

	// OutcomeRecoverableCrash means the forkserver died and the stop policy
	// ended the worker after capturing the test case.
	OutcomeRecoverableCrash Outcome = "recoverable-crash"

	// OutcomeFatalCrash means the guest kernel panicked. The VM is dead and
	// cannot be resumed.
	OutcomeFatalCrash Outcome = "fatal-crash"

	// OutcomeSpawnFailed means the guest process never started.
	OutcomeSpawnFailed Outcome = "spawn-failed"

	// OutcomeCancelled means the run context ended while the worker was
	// healthy.
	OutcomeCancelled Outcome = "cancelled"
)

// Result reports how a worker ended.
type Result struct {
	Worker  string
	Outcome Outcome
	Err     error
}

// Worker drives one fuzzing guest from spawn to teardown. It boots the VM,
// launches afl-fuzz, classifies whatever ends the run, and captures crashing
// test cases into the crash store before reporting back.
type Worker struct {
	role    afl.Role
	label   string
	cfg     *config.AppConfig
	store   *crash.Store
	crashes *crash.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger

	// mirror receives the guest console when the role asks for it.
	mirror io.Writer

	// needsEntry comes from the backend: nspawn roots run ./entry.sh after
	// attach, podman images boot straight into the guest.
	needsEntry bool

	// spawn launches the guest process. Tests substitute a scripted console.
	spawn func() (vm.Console, error)
}

// workerLabel is what a worker calls itself in logs, metrics and crash
// events. It matches the per-worker directory names under output/.
func workerLabel(role afl.Role) string {
	if name := role.Name(); name != "" {
		return name
	}
	return "solo"
}

// Run executes the worker until a terminal outcome. The context must carry a
// telemetry tracer; each worker runs under its own child span.
func (w *Worker) Run(ctx context.Context) Result {
	tracer := ctx.Value(telemetry.TracerKey{}).(telemetry.Tracer)
	workerTracer := tracer.Spawn(fmt.Sprintf("worker %s", w.label))
	workerTracer.Start()
	defer workerTracer.End()

	res := w.run(ctx)

	workerTracer.WithAttributes(telemetry.EmptySpanAttributes().WithOutcome(string(res.Outcome)))
	if res.Err != nil {
		workerTracer.SetStatus(codes.Error, res.Err.Error())
	}
	w.attachFuzzerStats(workerTracer)
	if w.metrics != nil {
		w.metrics.WorkerOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res
}

func (w *Worker) run(ctx context.Context) Result {
	console, err := w.spawn()
	if err != nil {
		w.logger.Error("failed to spawn guest",
			zap.String("worker", w.label), zap.Error(err))
		return w.result(OutcomeSpawnFailed, err)
	}

	machine := vm.New(console, vm.Options{
		NeedsEntry:            w.needsEntry,
		CmdTimeout:            w.cfg.CmdTimeout,
		DetectForkserverDeath: w.cfg.DetectForkserverDeath,
	}, w.logger)
	defer func() {
		if err := machine.Close(); err != nil {
			w.logger.Warn("failed to close guest session",
				zap.String("worker", w.label), zap.Error(err))
		}
	}()

	// Only one console is worth a terminal; the rest would interleave.
	if w.role.Mirrored() && w.mirror != nil {
		machine.MirrorTo(w.mirror)
	}

	if err := machine.WaitBoot(ctx); err != nil {
		return w.classify(ctx, "guest failed to boot", err)
	}
	if err := machine.Enter(ctx); err != nil {
		return w.classify(ctx, "failed to enter guest", err)
	}
	if err := machine.SetCorePattern(ctx); err != nil {
		return w.classify(ctx, "failed to set core pattern", err)
	}

	if w.metrics != nil {
		w.metrics.WorkersRunning.Inc()
		defer w.metrics.WorkersRunning.Dec()
	}

	cmdline := afl.CommandLine(w.role)
	for {
		if err := machine.StartFuzzer(ctx, cmdline); err != nil {
			return w.classify(ctx, "failed to launch fuzzer", err)
		}

		outcome, err := machine.WaitOutcome(ctx)
		if err != nil {
			return w.classify(ctx, "lost guest while fuzzing", err)
		}

		switch outcome {
		case vm.OutcomeFatalCrash:
			w.logger.Warn("detected kernel panic in guest",
				zap.String("worker", w.label))
			w.capture(crash.KindFatal)
			return w.result(OutcomeFatalCrash, nil)

		case vm.OutcomeRecoverableCrash:
			w.logger.Info("detected forkserver death, probably caused by BUG()",
				zap.String("worker", w.label))
			w.capture(crash.KindRecoverable)
			if w.cfg.OnRecoverable == config.OnRecoverableStop {
				return w.result(OutcomeRecoverableCrash, nil)
			}
			if w.metrics != nil {
				w.metrics.FuzzerRestarts.Inc()
			}
			w.logger.Info("resuming fuzzer after recoverable crash",
				zap.String("worker", w.label))

		case vm.OutcomeFuzzerExit:
			w.logger.Error("unexpected fuzzer exit, not continuing",
				zap.String("worker", w.label))
			return w.result(OutcomeUnexpectedExit, nil)
		}
	}
}

// classify maps a session error onto a terminal outcome. Cancellation wins
// over whatever the error says: a torn-down fleet produces all kinds of read
// errors that are not worth reporting individually.
func (w *Worker) classify(ctx context.Context, msg string, err error) Result {
	if ctx.Err() != nil {
		w.logger.Debug("worker cancelled", zap.String("worker", w.label))
		return w.result(OutcomeCancelled, ctx.Err())
	}
	if errors.Is(err, expect.ErrTimeout) {
		w.logger.Error(msg+": guest wedged",
			zap.String("worker", w.label), zap.Error(err))
	} else {
		w.logger.Error(msg,
			zap.String("worker", w.label), zap.Error(err))
	}
	return w.result(OutcomeUnexpectedExit, err)
}

// capture saves the test case afl was executing when the crash hit. The file
// lives on the host because /state is a bind mount, so a dead VM does not take
// the evidence with it. A capture failure is logged but the crash event is
// still recorded; a journal row without an artifact beats silence.
func (w *Worker) capture(kind crash.Kind) {
	src := filepath.Join(w.cfg.StateDir, w.role.OutputDir(), ".cur_input")
	artifact, err := w.store.Put(src)
	if err != nil {
		w.logger.Error("failed to capture crashing test case",
			zap.String("worker", w.label),
			zap.String("source", src),
			zap.Error(err))
		artifact = ""
	}
	if w.crashes != nil {
		w.crashes.Record(crash.Event{
			Kind:     kind,
			Worker:   w.label,
			Source:   src,
			Artifact: artifact,
		})
	}
}

func (w *Worker) result(outcome Outcome, err error) Result {
	return Result{Worker: w.label, Outcome: outcome, Err: err}
}

// attachFuzzerStats folds afl's fuzzer_stats file into the worker span. The
// file only exists once afl has started fuzzing, so a missing file is normal
// for workers that died during bring-up.
func (w *Worker) attachFuzzerStats(tracer telemetry.Tracer) {
	statsPath := filepath.Join(w.cfg.StateDir, w.role.OutputDir(), "fuzzer_stats")
	f, err := os.Open(statsPath)
	if err != nil {
		w.logger.Debug("no fuzzer stats to report",
			zap.String("path", statsPath), zap.Error(err))
		return
	}
	defer f.Close()

	attrs, err := parseFuzzerStats(f)
	if err != nil {
		w.logger.Error("failed to parse fuzzer stats",
			zap.String("path", statsPath), zap.Error(err))
		return
	}
	tracer.WithAttributes(attrs)
}

// parseFuzzerStats reads afl's "key : value" stats format into span
// attributes, prefixed so they group together in the trace viewer.
func parseFuzzerStats(r io.Reader) (*telemetry.SpanAttributes, error) {
	attrs := telemetry.EmptySpanAttributes()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		attrs = attrs.WithExtraAttribute("fuzzer.afl."+key, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan fuzzer stats: %w", err)
	}
	return attrs, nil
}
