package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/danobi/btrfs-fuzz/config"
	"github.com/danobi/btrfs-fuzz/internal/crash"
	"github.com/danobi/btrfs-fuzz/internal/image"
	"github.com/danobi/btrfs-fuzz/internal/manager"
	"github.com/danobi/btrfs-fuzz/internal/metrics"
	"github.com/danobi/btrfs-fuzz/internal/state"
	"github.com/danobi/btrfs-fuzz/pkg/logger"
	"github.com/danobi/btrfs-fuzz/pkg/telemetry"
	"github.com/danobi/btrfs-fuzz/pkg/watchdog"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are flags shared by every subcommand. They overlay the
// environment-derived configuration only when actually set.
type globalOptions struct {
	stateDir   string
	remote     bool
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:          "btrfs-fuzz",
		Short:        "Drive an afl-fuzz fleet against btrfs inside disposable VMs",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.stateDir, "state-dir", "s", "", "fuzzer state directory (default ./_state)")
	pf.BoolVar(&opts.remote, "remote", false, "use the published container image instead of a local build")
	pf.StringVar(&opts.configFile, "config", "", "yaml config file overlaying the environment")

	root.AddCommand(
		newRunCommand(opts),
		newSeedCommand(opts),
		newBuildCommand(opts),
		newBuildTarCommand(opts),
		newShellCommand(opts),
		newReproCommand(opts),
	)
	return root
}

// resolve builds the effective configuration: defaults, then environment,
// then the optional config file, then whichever flags the user set.
func (g *globalOptions) resolve(cmd *cobra.Command) (*config.AppConfig, error) {
	cfg := config.Load()
	if g.configFile != "" {
		if err := cfg.ApplyFile(g.configFile); err != nil {
			return nil, err
		}
	}

	pf := cmd.Root().PersistentFlags()
	if pf.Changed("state-dir") {
		cfg.StateDir = g.stateDir
	}
	if pf.Changed("remote") {
		cfg.Remote = g.remote
	}
	return cfg, nil
}

func newCommandLogger(cfg *config.AppConfig) *zap.Logger {
	return logger.NewLogger(logger.LoggerParams{AppConfig: cfg})
}

func newRunCommand(g *globalOptions) *cobra.Command {
	var (
		fsDir       string
		parallel    int
		metricsAddr string
		detectForks bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fuzzing fleet until a worker dies or a signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.resolve(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("fs-dir") {
				cfg.FSDir = fsDir
			}
			if flags.Changed("parallel") {
				cfg.Parallel = parallel
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if flags.Changed("detect-forkserver-death") {
				cfg.DetectForkserverDeath = detectForks
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.UseNspawn() && os.Geteuid() != 0 {
				return errors.New("the nspawn backend needs root, rerun under sudo")
			}

			runApp(cfg)
			return nil
		},
	}

	cmd.Flags().StringVarP(&fsDir, "fs-dir", "f", "", "run guests with systemd-nspawn on this rootfs instead of podman")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "worker count: 0 runs solo, -1 one per CPU")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9091")
	cmd.Flags().BoolVar(&detectForks, "detect-forkserver-death", false, "treat forkserver loss as a crash signature")
	return cmd
}

// runApp assembles and runs the long-lived fuzzing application. Everything
// below the command layer is wired through fx so lifecycle and teardown
// ordering stay declarative.
func runApp(cfg *config.AppConfig) {
	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			logger.NewLogger,            // inject logger
			newTelemetry,                // inject telemetry (off without a collector)
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			metrics.New,                 // inject prometheus collectors
			newCrashStore,               // inject known-crash store
			newCrashJournal,             // inject sqlite crash journal
			crash.NewManager,            // inject crash manager
			watchdog.NewWatchDogFactory, // inject watchdog factory
			manager.NewManager,          // inject fleet manager
		),
		fx.Invoke(
			metrics.StartServer, // serve /metrics when configured
			manager.Activate,    // run the fuzzing session
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}

// newTelemetry turns tracing on only when a collector endpoint is configured.
// Without one the batch exporter would retry and complain forever, so the
// tracer factory falls back to its dummy tracer instead.
func newTelemetry(p telemetry.TelemetryParams) (telemetry.Telemetry, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return nil, nil
	}
	return telemetry.NewTelemetry(p)
}

func newCrashStore(cfg *config.AppConfig, log *zap.Logger) (*crash.Store, error) {
	return crash.NewStore(cfg.StateDir, log)
}

// newCrashJournal opens the sqlite journal, or provides nil when journaling
// is disabled. It closes after the crash manager stops so late events still
// land.
func newCrashJournal(lc fx.Lifecycle, cfg *config.AppConfig, log *zap.Logger) (*crash.Journal, error) {
	if cfg.JournalPath == "" {
		log.Info("crash journal disabled")
		return nil, nil
	}
	journal, err := crash.OpenJournal(cfg.JournalPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return journal.Close()
		},
	})
	log.Info("crash journal open", zap.String("path", cfg.JournalPath))
	return journal, nil
}

func newSeedCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create and seed the fuzzer state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.resolve(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			seeder := state.NewSeeder(cfg, newCommandLogger(cfg))
			return seeder.Seed(cmd.Context())
		},
	}
}

func newBuildCommand(g *globalOptions) *cobra.Command {
	var buildah bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the guest container image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.resolve(cmd)
			if err != nil {
				return err
			}
			builder := image.NewBuilder(newCommandLogger(cfg))
			return builder.Build(cmd.Context(), image.BuildOptions{
				Buildah: buildah,
				Remote:  cfg.Remote,
			})
		},
	}

	cmd.Flags().BoolVarP(&buildah, "buildah", "b", false, "build with buildah instead of podman")
	return cmd
}

func newBuildTarCommand(g *globalOptions) *cobra.Command {
	var (
		buildah bool
		zstdOut bool
		noBuild bool
	)

	cmd := &cobra.Command{
		Use:   "build-tar [FILE]",
		Short: "Build the guest image and export its rootfs as a tarball",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.resolve(cmd)
			if err != nil {
				return err
			}

			file := "btrfs-fuzz"
			if len(args) == 1 {
				file = args[0]
			}

			builder := image.NewBuilder(newCommandLogger(cfg))
			return builder.ExportTar(cmd.Context(), image.TarOptions{
				BuildOptions: image.BuildOptions{
					Buildah: buildah,
					Remote:  cfg.Remote,
				},
				File:    file,
				Zstd:    zstdOut,
				NoBuild: noBuild,
			})
		},
	}

	cmd.Flags().BoolVarP(&buildah, "buildah", "b", false, "build with buildah instead of podman")
	cmd.Flags().BoolVar(&zstdOut, "zstd", false, "compress the tarball with zstd")
	cmd.Flags().BoolVar(&noBuild, "no-build", false, "export whatever image is already present")
	return cmd
}
