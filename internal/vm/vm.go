// Package vm drives a guest VM or container through bring-up and the fuzzer
// run. The guest is an unmodified image with no agent inside, so the only
// control channel is its shell: commands go in as lines, completion comes
// back as a prompt, and crashes announce themselves as kernel log text.
package vm

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// Guest synchronization patterns. The prompt regex and the two crash marker
// strings must stay bit-compatible with the guest image and the kernel.
var (
	// PromptPattern matches an idle root shell in the guest.
	PromptPattern = regexp.MustCompile(`root@.*#`)

	// panicPattern is the first line the kernel prints on a fatal panic.
	panicPattern = regexp.MustCompile(regexp.QuoteMeta("Kernel panic - not syncing"))

	// forkserverPattern is what afl-fuzz prints when a kernel BUG() kills
	// its forkserver but the VM itself survives.
	forkserverPattern = regexp.MustCompile(regexp.QuoteMeta("Unable to communicate with fork server"))
)

// Console is the control channel to one guest. *expect.Session implements
// it; tests substitute scripted fakes.
type Console interface {
	SendLine(text string) error
	Wait(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (int, error)
	MirrorTo(w io.Writer)
	Close() error
}

// Outcome classifies how a fuzzer run ended.
type Outcome int

const (
	// OutcomeFuzzerExit means the guest prompt returned: the fuzzer, which
	// should run forever, exited on its own.
	OutcomeFuzzerExit Outcome = iota

	// OutcomeFatalCrash means the guest kernel panicked and the VM is dead.
	OutcomeFatalCrash

	// OutcomeRecoverableCrash means a kernel BUG() killed the fuzzer's
	// forkserver but the VM is still alive.
	OutcomeRecoverableCrash
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFuzzerExit:
		return "fuzzer-exit"
	case OutcomeFatalCrash:
		return "fatal-crash"
	case OutcomeRecoverableCrash:
		return "recoverable-crash"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Options tune guest behavior per configuration.
type Options struct {
	// NeedsEntry runs ./entry.sh after attach; required for nspawn roots,
	// where no ENTRYPOINT boots the inner VM.
	NeedsEntry bool

	// CmdTimeout bounds bring-up commands that should complete promptly.
	CmdTimeout time.Duration

	// DetectForkserverDeath also watches for the forkserver-death marker
	// during the fuzzer run, the crash signature of older guest kernels
	// built with BUG()-heavy assertion config.
	DetectForkserverDeath bool
}

// VM drives one guest console. It holds no process state of its own; owning
// and closing the console is the caller's job.
type VM struct {
	console Console
	opts    Options
	logger  *zap.Logger
}

func New(console Console, opts Options, logger *zap.Logger) *VM {
	if opts.CmdTimeout <= 0 {
		opts.CmdTimeout = 30 * time.Second
	}
	return &VM{console: console, opts: opts, logger: logger}
}

// WaitBoot blocks until the guest's first prompt. Unbounded: the image
// needs an unspecified but nonzero boot time.
func (v *VM) WaitBoot(ctx context.Context) error {
	v.logger.Debug("waiting for guest boot prompt")
	if _, err := v.console.Wait(ctx, []*regexp.Regexp{PromptPattern}, 0); err != nil {
		return fmt.Errorf("guest never reached a prompt: %w", err)
	}
	return nil
}

// Enter runs the guest's entry script when the backend requires it and
// waits, unbounded, for the inner VM to boot to a prompt.
func (v *VM) Enter(ctx context.Context) error {
	if !v.opts.NeedsEntry {
		return nil
	}
	v.logger.Debug("running guest entry script")
	if err := v.runAndWait(ctx, "./entry.sh", 0); err != nil {
		return fmt.Errorf("guest entry failed: %w", err)
	}
	return nil
}

// SetCorePattern points kernel crash dumps at plain core files so that this
// process, not some in-guest handler, decides what a crash means. Bounded:
// a sysctl echo that does not return promptly means the guest is wedged.
func (v *VM) SetCorePattern(ctx context.Context) error {
	if err := v.runAndWait(ctx, "echo core > /proc/sys/kernel/core_pattern", v.opts.CmdTimeout); err != nil {
		return fmt.Errorf("failed to set core pattern: %w", err)
	}
	return nil
}

// StartFuzzer sends the fuzzer command line to the guest. Completion is
// observed separately via WaitOutcome.
func (v *VM) StartFuzzer(ctx context.Context, cmdline string) error {
	v.logger.Info("starting fuzzer in guest", zap.String("cmdline", cmdline))
	if err := v.console.SendLine(cmdline); err != nil {
		return fmt.Errorf("failed to send fuzzer command: %w", err)
	}
	return nil
}

// WaitOutcome blocks, unbounded, until the running fuzzer ends in one of
// the crash signatures or the prompt returns.
func (v *VM) WaitOutcome(ctx context.Context) (Outcome, error) {
	// Crash markers come before the prompt pattern: a recoverable crash is
	// followed by the shell prompt returning, and the earlier stream
	// position must win.
	patterns := []*regexp.Regexp{panicPattern}
	outcomes := []Outcome{OutcomeFatalCrash}
	if v.opts.DetectForkserverDeath {
		patterns = append(patterns, forkserverPattern)
		outcomes = append(outcomes, OutcomeRecoverableCrash)
	}
	patterns = append(patterns, PromptPattern)
	outcomes = append(outcomes, OutcomeFuzzerExit)

	idx, err := v.console.Wait(ctx, patterns, 0)
	if err != nil {
		return 0, err
	}

	if outcomes[idx] == OutcomeRecoverableCrash {
		return v.drainAfterForkserverDeath(ctx)
	}
	return outcomes[idx], nil
}

// drainAfterForkserverDeath consumes the shell prompt that follows a dead
// fuzzer. Without this, a restarted run would immediately match the stale
// prompt and look like a fuzzer exit. The kernel may still escalate to a
// full panic here, which takes precedence.
func (v *VM) drainAfterForkserverDeath(ctx context.Context) (Outcome, error) {
	idx, err := v.console.Wait(ctx, []*regexp.Regexp{panicPattern, PromptPattern}, v.opts.CmdTimeout)
	if err != nil {
		return 0, fmt.Errorf("no prompt after forkserver death: %w", err)
	}
	if idx == 0 {
		return OutcomeFatalCrash, nil
	}
	return OutcomeRecoverableCrash, nil
}

// MirrorTo forwards guest output to w; nil disables.
func (v *VM) MirrorTo(w io.Writer) {
	v.console.MirrorTo(w)
}

// Close tears down the underlying console and its process tree.
func (v *VM) Close() error {
	return v.console.Close()
}

func (v *VM) runAndWait(ctx context.Context, cmd string, timeout time.Duration) error {
	if err := v.console.SendLine(cmd); err != nil {
		return err
	}
	_, err := v.console.Wait(ctx, []*regexp.Regexp{PromptPattern}, timeout)
	return err
}
