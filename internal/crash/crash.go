// Package crash owns the known-crash store and the crash journal.
//
// The store is shared by every worker in a fleet. Artifact names are fresh
// uuids, so writers never contend for a key and no locking is needed; the
// in-guest runner consults the same directory (bind-mounted at
// /state/known_crashes) to skip inputs that already crashed the kernel.
package crash

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind classifies a crash signature.
type Kind string

const (
	// KindRecoverable is a guest kernel BUG() that killed the fuzzer's
	// forkserver but left the VM alive.
	KindRecoverable Kind = "recoverable"

	// KindFatal is a guest kernel panic; the VM is gone.
	KindFatal Kind = "fatal"

	// KindAFLNative is a crash file afl-fuzz itself saved under output/.
	// These are observed and journaled but never copied into the store;
	// feeding them to the runner's skip list would change what gets fuzzed.
	KindAFLNative Kind = "afl"
)

// Event records one observed crash.
type Event struct {
	Kind     Kind
	Worker   string // empty for a solo worker
	Source   string // input under test when the signature fired
	Artifact string // destination in the store, empty for afl-native events
	At       time.Time
}

// Store is the known-crash artifact directory under the state root.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore ensures <stateDir>/known_crashes exists and returns a handle.
func NewStore(stateDir string, logger *zap.Logger) (*Store, error) {
	dir := filepath.Join(stateDir, "known_crashes")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create known-crash store: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Put copies the file at src into the store under a fresh uuid and returns
// the artifact path. Artifacts are write-once: the destination cannot exist
// and is never mutated afterward.
func (s *Store) Put(src string) (string, error) {
	dst := filepath.Join(s.dir, uuid.NewString())
	if err := copyNew(src, dst); err != nil {
		return "", fmt.Errorf("failed to capture crash artifact: %w", err)
	}
	s.logger.Info("captured crash artifact",
		zap.String("source", src),
		zap.String("artifact", dst))
	return dst, nil
}

// copyNew copies src to a destination that must not already exist.
func copyNew(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	destination, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	copied, err := io.Copy(destination, source)
	if cerr := destination.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if copied != info.Size() {
		return fmt.Errorf("incomplete copy: expected %d bytes, got %d bytes", info.Size(), copied)
	}
	return nil
}
