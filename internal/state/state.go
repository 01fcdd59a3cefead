// Package state builds and describes the session state directory that is
// bind-mounted into every guest at /state.
package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/danobi/btrfs-fuzz/config"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// baseImageSize is just about the minimum size for a raw btrfs image.
const baseImageSize = 120 << 20

const readmeText = `This directory holds all the state for a fuzzing session.

Each subdirectory contains as follows:

known_crashes: test case images that are known to cause a kernel panic
input: afl++ input directory
output: afl++ output directory
`

// Seeder populates a fresh state directory with an initial afl corpus: a
// pristine btrfs image plus any checked-in corpus files, all run through
// imgcompress so the guest-side runner can decompress them.
type Seeder struct {
	stateDir    string
	corpusDir   string
	imgcompress string
	logger      *zap.Logger

	run func(ctx context.Context, name string, args ...string) error
}

func NewSeeder(cfg *config.AppConfig, logger *zap.Logger) *Seeder {
	return &Seeder{
		stateDir:    cfg.StateDir,
		corpusDir:   cfg.CorpusDir,
		imgcompress: cfg.ImgcompressBin,
		logger:      logger,
		run:         runCommand,
	}
}

// Seed builds the state directory from scratch. An existing directory is
// left untouched so a session in progress can never be clobbered.
func (s *Seeder) Seed(ctx context.Context) error {
	if _, err := os.Stat(s.stateDir); err == nil {
		s.logger.Info("state directory already exists, noop-ing", zap.String("dir", s.stateDir))
		return nil
	}

	for _, dir := range []string{"input", "output", "known_crashes"} {
		if err := os.MkdirAll(filepath.Join(s.stateDir, dir), 0755); err != nil {
			return fmt.Errorf("failed to create state subdirectory: %w", err)
		}
	}

	if err := s.makeBaseImage(ctx); err != nil {
		return err
	}
	if err := s.importCorpus(ctx); err != nil {
		return err
	}

	readme := filepath.Join(s.stateDir, "README")
	if err := os.WriteFile(readme, []byte(readmeText), 0644); err != nil {
		return fmt.Errorf("failed to write state README: %w", err)
	}

	s.logger.Info("seeded state directory", zap.String("dir", s.stateDir))
	return nil
}

// makeBaseImage formats an empty btrfs filesystem and compresses it into the
// input corpus.
func (s *Seeder) makeBaseImage(ctx context.Context) error {
	imagePath := filepath.Join(s.stateDir, "input", "image")

	f, err := os.OpenFile(imagePath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create base image: %w", err)
	}
	if err := f.Truncate(baseImageSize); err != nil {
		f.Close()
		return fmt.Errorf("failed to size base image: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := s.run(ctx, "mkfs.btrfs", imagePath); err != nil {
		return fmt.Errorf("mkfs.btrfs failed: %w", err)
	}

	compressedPath := filepath.Join(s.stateDir, "input", "img_compressed")
	if err := s.run(ctx, s.imgcompress, "compress", imagePath, compressedPath); err != nil {
		return fmt.Errorf("imgcompress failed: %w", err)
	}

	// Only the compressed form is a valid test case.
	return os.Remove(imagePath)
}

// importCorpus decompresses every checked-in corpus file and converts it to
// the runner's compressed format. Corpus files are named <case>.raw.zst.
func (s *Seeder) importCorpus(ctx context.Context) error {
	entries, err := os.ReadDir(s.corpusDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("no corpus directory, skipping", zap.String("dir", s.corpusDir))
			return nil
		}
		return fmt.Errorf("failed to read corpus directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		rawName, ok := strings.CutSuffix(name, ".zst")
		if !ok {
			return fmt.Errorf("unexpected corpus file %q: want .zst suffix", name)
		}
		compressedName, ok := strings.CutSuffix(rawName, ".raw")
		if !ok {
			return fmt.Errorf("unexpected corpus file %q: want .raw.zst suffix", name)
		}

		rawPath := filepath.Join(s.stateDir, "input", rawName)
		if err := decompressZst(filepath.Join(s.corpusDir, name), rawPath); err != nil {
			return err
		}

		compressedPath := filepath.Join(s.stateDir, "input", compressedName)
		if err := s.run(ctx, s.imgcompress, "compress", rawPath, compressedPath); err != nil {
			return fmt.Errorf("imgcompress failed: %w", err)
		}

		if err := os.Remove(rawPath); err != nil {
			return err
		}

		s.logger.Debug("imported corpus file", zap.String("file", name))
	}

	return nil
}

func decompressZst(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open corpus file: %w", err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, dec); err != nil {
		return fmt.Errorf("failed to decompress %s: %w", src, err)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
