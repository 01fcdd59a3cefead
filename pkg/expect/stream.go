package expect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"
)

// stream accumulates child output and lets a single waiter block until the
// unconsumed bytes match a pattern. It is fed by one reader goroutine and
// knows nothing about ptys, which keeps the matching semantics testable
// against plain in-memory readers.
type stream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	mirror io.Writer
	err    error // read error, set before eof closes

	wake chan struct{} // pulsed when new data lands
	eof  chan struct{} // closed when the reader stops
}

func newStream() *stream {
	return &stream{
		wake: make(chan struct{}, 1),
		eof:  make(chan struct{}),
	}
}

// run pumps r into the buffer until read error (pty close or child exit
// both surface as errors on Linux). Must be called exactly once.
func (s *stream) run(r io.Reader) {
	defer close(s.eof)

	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(chunk[:n])
			mirror := s.mirror
			s.mu.Unlock()

			if mirror != nil {
				// Best effort; a broken mirror must not stall the guest.
				_, _ = mirror.Write(chunk[:n])
			}
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
	}
}

func (s *stream) mirrorTo(w io.Writer) {
	s.mu.Lock()
	s.mirror = w
	s.mu.Unlock()
}

func (s *stream) wait(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if idx, ok := s.match(patterns); ok {
			return idx, nil
		}
		select {
		case <-s.wake:
		case <-s.eof:
			// Bytes may have landed between our last scan and the reader
			// exiting. One more scan is decisive: nothing else will arrive.
			if idx, ok := s.match(patterns); ok {
				return idx, nil
			}
			if err := s.readErr(); err != nil {
				return -1, fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return -1, ErrClosed
		case <-deadline:
			return -1, ErrTimeout
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

// match scans the unconsumed bytes for the earliest-starting match across
// patterns; ties go to the lowest pattern index. On a match the buffer is
// consumed through the end of the match.
func (s *stream) match(patterns []*regexp.Regexp) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.buf.Bytes()
	bestStart, bestEnd, bestIdx := -1, -1, -1
	for i, p := range patterns {
		loc := p.FindIndex(data)
		if loc == nil {
			continue
		}
		if bestStart == -1 || loc[0] < bestStart {
			bestStart, bestEnd, bestIdx = loc[0], loc[1], i
		}
	}
	if bestIdx == -1 {
		return -1, false
	}
	s.buf.Next(bestEnd)
	return bestIdx, true
}

func (s *stream) readErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
