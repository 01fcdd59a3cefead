package vm

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConsole scans queued stream content with the same earliest-match rule
// as the real session, so classification is exercised end to end.
type fakeConsole struct {
	data    string
	sent    []string
	respond func(line string) string
	waitErr error
	closed  int
}

func (f *fakeConsole) SendLine(text string) error {
	f.sent = append(f.sent, text)
	if f.respond != nil {
		f.data += f.respond(text)
	}
	return nil
}

func (f *fakeConsole) Wait(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (int, error) {
	if f.waitErr != nil {
		return -1, f.waitErr
	}
	bestStart, bestEnd, bestIdx := -1, -1, -1
	for i, p := range patterns {
		loc := p.FindStringIndex(f.data)
		if loc == nil {
			continue
		}
		if bestStart == -1 || loc[0] < bestStart {
			bestStart, bestEnd, bestIdx = loc[0], loc[1], i
		}
	}
	if bestIdx == -1 {
		return -1, errors.New("fake console: no pattern matched")
	}
	f.data = f.data[bestEnd:]
	return bestIdx, nil
}

func (f *fakeConsole) MirrorTo(w io.Writer) {}

func (f *fakeConsole) Close() error {
	f.closed++
	return nil
}

func newTestVM(console Console, opts Options) *VM {
	return New(console, opts, zap.NewNop())
}

func TestWaitBoot(t *testing.T) {
	console := &fakeConsole{data: "Booting Linux...\nroot@vm:~# "}
	v := newTestVM(console, Options{})

	require.NoError(t, v.WaitBoot(context.Background()))
}

func TestWaitBootPropagatesError(t *testing.T) {
	console := &fakeConsole{waitErr: errors.New("stream closed")}
	v := newTestVM(console, Options{})

	assert.Error(t, v.WaitBoot(context.Background()))
}

func TestEnterOnlyWhenNeeded(t *testing.T) {
	console := &fakeConsole{respond: func(string) string { return "root@vm:~# " }}
	v := newTestVM(console, Options{NeedsEntry: false})
	require.NoError(t, v.Enter(context.Background()))
	assert.Empty(t, console.sent)

	v = newTestVM(console, Options{NeedsEntry: true})
	require.NoError(t, v.Enter(context.Background()))
	require.Len(t, console.sent, 1)
	assert.Equal(t, "./entry.sh", console.sent[0])
}

func TestSetCorePattern(t *testing.T) {
	console := &fakeConsole{respond: func(string) string { return "root@vm:~# " }}
	v := newTestVM(console, Options{})

	require.NoError(t, v.SetCorePattern(context.Background()))
	require.Len(t, console.sent, 1)
	assert.Equal(t, "echo core > /proc/sys/kernel/core_pattern", console.sent[0])
}

func TestWaitOutcomeFatalCrash(t *testing.T) {
	console := &fakeConsole{
		data: "fuzzing...\nKernel panic - not syncing: Attempted to kill init!\n",
	}
	v := newTestVM(console, Options{})

	outcome, err := v.WaitOutcome(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFatalCrash, outcome)
}

func TestWaitOutcomeRecoverableCrash(t *testing.T) {
	// The forkserver marker is followed by the prompt returning; the earlier
	// stream position must classify this as recoverable, not fuzzer-exit.
	console := &fakeConsole{
		data: "Unable to communicate with fork server\nroot@vm:~# ",
	}
	v := newTestVM(console, Options{DetectForkserverDeath: true})

	outcome, err := v.WaitOutcome(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecoverableCrash, outcome)
}

func TestWaitOutcomeRecoverableConsumesStalePrompt(t *testing.T) {
	console := &fakeConsole{
		data: "Unable to communicate with fork server\nroot@vm:~# ",
		respond: func(string) string {
			return "restarting fuzzer\nUnable to communicate with fork server\nroot@vm:~# "
		},
	}
	v := newTestVM(console, Options{DetectForkserverDeath: true})

	outcome, err := v.WaitOutcome(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeRecoverableCrash, outcome)

	// The stale prompt was drained, so a restarted run classifies on its
	// own output instead of matching leftovers.
	require.NoError(t, v.StartFuzzer(context.Background(), "afl-fuzz again"))
	outcome, err = v.WaitOutcome(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecoverableCrash, outcome)
}

func TestWaitOutcomeForkserverDeathEscalatesToPanic(t *testing.T) {
	console := &fakeConsole{
		data: "Unable to communicate with fork server\nKernel panic - not syncing: VFS\n",
	}
	v := newTestVM(console, Options{DetectForkserverDeath: true})

	outcome, err := v.WaitOutcome(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFatalCrash, outcome)
}

func TestWaitOutcomeNoPromptAfterForkserverDeath(t *testing.T) {
	console := &fakeConsole{
		data: "Unable to communicate with fork server\n",
	}
	v := newTestVM(console, Options{DetectForkserverDeath: true})

	_, err := v.WaitOutcome(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no prompt after forkserver death")
}

func TestWaitOutcomeForkserverIgnoredWhenDisabled(t *testing.T) {
	console := &fakeConsole{
		data: "Unable to communicate with fork server\nroot@vm:~# ",
	}
	v := newTestVM(console, Options{DetectForkserverDeath: false})

	outcome, err := v.WaitOutcome(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFuzzerExit, outcome)
}

func TestWaitOutcomeFuzzerExit(t *testing.T) {
	console := &fakeConsole{data: "some afl output\nroot@vm:~# "}
	v := newTestVM(console, Options{DetectForkserverDeath: true})

	outcome, err := v.WaitOutcome(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFuzzerExit, outcome)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "fuzzer-exit", OutcomeFuzzerExit.String())
	assert.Equal(t, "fatal-crash", OutcomeFatalCrash.String())
	assert.Equal(t, "recoverable-crash", OutcomeRecoverableCrash.String())
}

func TestCloseDelegates(t *testing.T) {
	console := &fakeConsole{}
	v := newTestVM(console, Options{})
	require.NoError(t, v.Close())
	assert.Equal(t, 1, console.closed)
}
