package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FleetError reports which worker brought a run down and how. Fuzzing is
// supposed to run forever, so any worker reaching a terminal outcome ends the
// whole fleet and surfaces as this error.
type FleetError struct {
	Worker  string
	Outcome Outcome
	Err     error
}

func (e *FleetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %s terminated (%s): %v", e.Worker, e.Outcome, e.Err)
	}
	return fmt.Sprintf("worker %s terminated (%s)", e.Worker, e.Outcome)
}

func (e *FleetError) Unwrap() error { return e.Err }

// runSolo drives a single worker with no fleet machinery at all: no polling,
// no sibling cancellation, just the worker on the caller's context.
func (m *Manager) runSolo(ctx context.Context, w *Worker) error {
	res := w.Run(ctx)
	return m.terminated(ctx, res)
}

// fleetTask pairs a worker with its own cancelable context so siblings can be
// torn down individually.
type fleetTask struct {
	worker *Worker
	cancel context.CancelFunc
	done   chan struct{}

	// result is written exactly once, before done is closed.
	result Result
}

// runFleet runs every worker concurrently and polls for the first one to
// reach a terminal outcome. Whoever terminates first takes the fleet with it:
// secondaries without their coordinator would keep burning CPU on findings
// nobody syncs, so the operator gets one loud exit instead.
func (m *Manager) runFleet(ctx context.Context, workers []*Worker) error {
	tasks := make([]*fleetTask, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		workerCtx, cancel := context.WithCancel(ctx)
		t := &fleetTask{worker: w, cancel: cancel, done: make(chan struct{})}
		tasks[i] = t

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(t.done)
			t.result = t.worker.Run(workerCtx)
		}()
	}
	defer func() {
		for _, t := range tasks {
			t.cancel()
		}
	}()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var trigger *fleetTask
	for trigger == nil {
		select {
		case <-ctx.Done():
			m.logger.Info("run cancelled, stopping all workers")
			for _, t := range tasks {
				t.cancel()
			}
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			// Scan in index order so simultaneous exits report
			// deterministically.
			for _, t := range tasks {
				select {
				case <-t.done:
					trigger = t
				default:
				}
				if trigger != nil {
					break
				}
			}
		}
	}

	m.logger.Error("worker terminated, stopping fleet",
		zap.String("worker", trigger.result.Worker),
		zap.String("outcome", string(trigger.result.Outcome)))
	for _, t := range tasks {
		t.cancel()
	}
	wg.Wait()
	m.logger.Info("all other workers cancelled")

	return m.terminated(ctx, trigger.result)
}

// terminated converts a worker result into the run's return value.
// Cancellation through the run context is the one clean way out; everything
// else names the worker and its outcome.
func (m *Manager) terminated(ctx context.Context, res Result) error {
	if res.Outcome == OutcomeCancelled && ctx.Err() != nil {
		return ctx.Err()
	}
	return &FleetError{Worker: res.Worker, Outcome: res.Outcome, Err: res.Err}
}
