package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/danobi/btrfs-fuzz/internal/afl"
	"github.com/danobi/btrfs-fuzz/internal/vm"
	"github.com/danobi/btrfs-fuzz/pkg/expect"
)

func newShellCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive shell in the guest container",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.resolve(cmd)
			if err != nil {
				return err
			}
			log := newCommandLogger(cfg)

			backend := vm.Podman{Image: cfg.ImageRef(), StateDir: cfg.StateDir}
			argv, err := backend.CommandLine()
			if err != nil {
				return err
			}

			// Plain stdio inheritance; no pty scraping for a human session.
			c := exec.CommandContext(cmd.Context(), argv[0], argv[1:]...)
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			log.Debug("running command", zap.String("cmd", c.String()))
			return c.Run()
		},
	}
}

func newReproCommand(g *globalOptions) *cobra.Command {
	var exitWhenDone bool

	cmd := &cobra.Command{
		Use:   "repro IMAGE",
		Short: "Replay a crashing filesystem image inside the guest",
		Long: "Boots a guest, feeds IMAGE (a path relative to the state\n" +
			"directory, e.g. known_crashes/<id>) to the runner, and leaves you at\n" +
			"the VM console to poke at the aftermath.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.resolve(cmd)
			if err != nil {
				return err
			}
			return repro(cmd.Context(), newCommandLogger(cfg), cfg.ImageRef(), cfg.StateDir,
				cfg.CmdTimeout, args[0], exitWhenDone)
		},
	}

	cmd.Flags().BoolVar(&exitWhenDone, "exit", false, "run the reproducer, print the output, and shut the VM down")
	return cmd
}

func repro(ctx context.Context, log *zap.Logger, imageRef, stateDir string,
	cmdTimeout time.Duration, image string, exitWhenDone bool) error {

	backend := vm.Podman{Image: imageRef, StateDir: stateDir}
	argv, err := backend.CommandLine()
	if err != nil {
		return err
	}

	session, err := expect.Spawn(log, argv[0], argv[1:]...)
	if err != nil {
		return err
	}
	defer session.Close()

	if exitWhenDone {
		session.MirrorTo(os.Stdout)
	}

	prompt := []*regexp.Regexp{vm.PromptPattern}
	if _, err := session.Wait(ctx, prompt, 0); err != nil {
		return fmt.Errorf("guest never reached a prompt: %w", err)
	}

	// The guest shell, not this process, has to perform the redirect.
	if err := session.SendLine(`/bin/bash -c "echo core > /proc/sys/kernel/core_pattern"`); err != nil {
		return err
	}
	if _, err := session.Wait(ctx, prompt, cmdTimeout); err != nil {
		return fmt.Errorf("failed to set core pattern: %w", err)
	}

	if err := session.SendLine(fmt.Sprintf("%s < /state/%s", afl.Runner, image)); err != nil {
		return err
	}

	if exitWhenDone {
		if _, err := session.Wait(ctx, prompt, 0); err != nil {
			return fmt.Errorf("runner never returned to a prompt: %w", err)
		}
		// C-a x asks the in-guest qemu to quit.
		if err := session.SendControl('a'); err != nil {
			return err
		}
		if err := session.Send("x"); err != nil {
			return err
		}
		// Give the guest a moment to die; a nil pattern set only ends when
		// the stream closes.
		_, _ = session.Wait(ctx, nil, cmdTimeout)
		return nil
	}

	return interact(session)
}

// interact hands the controlling terminal over to the guest console: raw
// keystrokes in, guest output out, until the guest's stream ends (C-a x in
// the VM, or killing the container).
func interact(session *expect.Session) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("failed to put terminal in raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	session.MirrorTo(os.Stdout)

	// The pump cannot be interrupted mid-Read; it dies with the process.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if serr := session.Send(string(buf[:n])); serr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	_, _ = session.Wait(context.Background(), nil, 0)
	return nil
}
