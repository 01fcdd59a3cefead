// Package expect drives an interactive child process over a pseudo-terminal.
//
// There is no structured RPC with the guests this package spawns; the only
// control channel is the terminal byte stream. Callers send lines and block
// until the stream matches one of a set of patterns, the way a human would
// watch a serial console.
package expect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/danobi/btrfs-fuzz/pkg/proctree"
)

var (
	// ErrTimeout is returned by Wait when a bounded wait elapses with no match.
	ErrTimeout = errors.New("timed out waiting for pattern")

	// ErrClosed is returned by Wait when the child's stream ends with no match.
	ErrClosed = errors.New("session stream closed")
)

// SpawnError reports that a backend process could not be started at all.
type SpawnError struct {
	Cmd string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Cmd, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Session owns one spawned process and its pty. A Session belongs to exactly
// one caller for its whole lifetime; none of its methods are safe for
// concurrent Wait calls, though Close may race anything.
type Session struct {
	cmd    *exec.Cmd
	pty    io.WriteCloser
	stream *stream
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Spawn starts name with args on a fresh pseudo-terminal. The child becomes
// a session leader, so teardown can signal its whole process group.
func Spawn(logger *zap.Logger, name string, args ...string) (*Session, error) {
	cmd := exec.Command(name, args...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, &SpawnError{Cmd: cmd.String(), Err: err}
	}

	s := &Session{
		cmd:    cmd,
		pty:    ptmx,
		stream: newStream(),
		logger: logger,
	}
	go s.stream.run(ptmx)

	logger.Debug("spawned session",
		zap.String("command", cmd.String()),
		zap.Int("pid", cmd.Process.Pid))
	return s, nil
}

// Pid returns the spawned child's process id.
func (s *Session) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// SendLine writes text plus a newline to the guest's input.
func (s *Session) SendLine(text string) error {
	return s.Send(text + "\n")
}

// Send writes raw bytes to the guest's input.
func (s *Session) Send(text string) error {
	if _, err := s.pty.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write to pty: %w", err)
	}
	return nil
}

// SendControl sends the control character for c, e.g. SendControl('a') sends
// C-a. Only a-z have control mappings.
func (s *Session) SendControl(c byte) error {
	if c < 'a' || c > 'z' {
		return fmt.Errorf("no control character for %q", string(c))
	}
	return s.Send(string([]byte{c - 'a' + 1}))
}

// Wait blocks until the accumulated output matches one of patterns and
// returns the index of the matched pattern. The match and everything before
// it are consumed. timeout <= 0 disables the deadline; boot and the fuzzer
// run have no natural upper bound. On deadline expiry the error is
// ErrTimeout, on context cancellation ctx.Err(), and on end of stream
// (child exited) ErrClosed.
func (s *Session) Wait(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (int, error) {
	return s.stream.wait(ctx, patterns, timeout)
}

// MirrorTo duplicates every byte read from the guest to w. Passing nil turns
// mirroring off. Only the coordinator or solo worker mirrors to the
// operator's terminal; interleaving several guests' output is useless.
func (s *Session) MirrorTo(w io.Writer) {
	s.stream.mirrorTo(w)
}

// Close tears the session down: SIGKILL the child's process group, sweep any
// surviving descendants, close the pty, and reap the child. Intermediate
// runtime layers do not propagate termination to the workloads they host, so
// the sweep is not optional. Close is idempotent and must run on every
// worker exit path, cancellation included.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.close() })
	return s.closeErr
}

func (s *Session) close() error {
	var errs []error

	if pid := s.Pid(); pid > 0 {
		if err := proctree.Kill(pid, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.pty.Close(); err != nil && !errors.Is(err, fs.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close pty: %w", err))
	}
	if s.Pid() > 0 {
		// Reap. The child was just SIGKILLed, so a nonzero status here is
		// expected and not actionable.
		if err := s.cmd.Wait(); err != nil {
			s.logger.Debug("child exit status", zap.Error(err))
		}
	}

	// The reader observes the closed pty and stops; once it has, no more
	// goroutines reference the session.
	<-s.stream.eof

	return errors.Join(errs...)
}
