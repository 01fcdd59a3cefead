// Package image builds the btrfs-fuzz guest image and exports it as a root
// filesystem tarball for systemd-nspawn.
package image

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/danobi/btrfs-fuzz/config"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Tag is the local tag applied by podman/buildah build.
const Tag = "btrfs-fuzz"

// tmpContainer is the throwaway container used to export the image rootfs.
const tmpContainer = "btrfs-fuzz-tmp"

type BuildOptions struct {
	// Use buildah instead of podman.
	Buildah bool
	// Pull the published image instead of building from the local tree.
	Remote bool
}

type TarOptions struct {
	BuildOptions

	// Output path, extended with .tar or .tzst when the suffix is missing.
	File string
	// Compress the archive with zstd.
	Zstd bool
	// Skip the image build and export whatever is in local storage.
	NoBuild bool
}

type Builder struct {
	logger *zap.Logger

	run     func(ctx context.Context, name string, args ...string) error
	runPipe func(ctx context.Context, stdout io.Writer, name string, args ...string) error
}

func NewBuilder(logger *zap.Logger) *Builder {
	b := &Builder{logger: logger}
	b.run = b.runCommand
	b.runPipe = b.runCommandPipe
	return b
}

// Build creates (or pulls) the guest image.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) error {
	argv := buildArgs(opts)
	b.logger.Info("building image", zap.Strings("command", argv))
	if err := b.run(ctx, argv[0], argv[1:]...); err != nil {
		return fmt.Errorf("image build: %w", err)
	}
	return nil
}

// buildArgs returns the image build argv.
func buildArgs(opts BuildOptions) []string {
	tool := "podman"
	if opts.Buildah {
		tool = "buildah"
	}

	if opts.Remote {
		return []string{tool, "pull", config.ImageRemote}
	}

	if opts.Buildah {
		return []string{"buildah", "build-using-dockerfile", "-t", Tag, "."}
	}
	return []string{"podman", "build", "-t", Tag, "."}
}

// ExportTar builds the image and flattens its rootfs into a tarball,
// optionally zstd-compressed in-process.
func (b *Builder) ExportTar(ctx context.Context, opts TarOptions) error {
	if !opts.NoBuild {
		if err := b.Build(ctx, opts.BuildOptions); err != nil {
			return err
		}
	}

	file := exportFile(opts.File, opts.Zstd)

	img := config.ImageLocal
	if opts.Remote {
		img = config.ImageRemote
	}

	if err := b.run(ctx, "podman", "create", "--name", tmpContainer, img, "/bin/true"); err != nil {
		return fmt.Errorf("podman create: %w", err)
	}
	defer func() {
		if err := b.run(ctx, "podman", "rm", tmpContainer); err != nil {
			b.logger.Warn("failed to remove export container", zap.Error(err))
		}
	}()

	out, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", file, err)
	}
	defer out.Close()

	var sink io.Writer = out
	var enc *zstd.Encoder
	if opts.Zstd {
		enc, err = zstd.NewWriter(out)
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		sink = enc
	}

	if err := b.runPipe(ctx, sink, "podman", "export", tmpContainer); err != nil {
		return fmt.Errorf("podman export: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to flush zstd stream: %w", err)
		}
	}

	b.logger.Info("exported image", zap.String("file", file))
	return nil
}

// exportFile appends the conventional suffix when the caller left it off.
func exportFile(file string, zstdOut bool) string {
	if zstdOut && !strings.HasSuffix(file, ".tzst") {
		return file + ".tzst"
	} else if !zstdOut && !strings.HasSuffix(file, ".tar") {
		return file + ".tar"
	}
	return file
}

func (b *Builder) runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	b.logger.Debug("running command", zap.String("command", cmd.String()))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (b *Builder) runCommandPipe(ctx context.Context, stdout io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	b.logger.Debug("running command", zap.String("command", cmd.String()))
	cmd.Stdout = stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
