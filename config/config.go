package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Container image references for the fuzzing guest.
const (
	ImageLocal  = "localhost/btrfs-fuzz"
	ImageRemote = "dxuu/btrfs-fuzz"
)

// Recoverable-crash policies. Resume relaunches the fuzzer after capturing
// the artifact; stop ends the worker instead.
const (
	OnRecoverableResume = "resume"
	OnRecoverableStop   = "stop"
)

type AppConfig struct {
	// StateDir is the host directory bind-mounted into every guest at
	// /state. It must contain input/ and output/ before a run starts.
	StateDir string

	// Image overrides the container image; empty picks local or remote by
	// the Remote flag.
	Image string

	// Remote selects the published image instead of the local build.
	Remote bool

	// FSDir switches the backend to systemd-nspawn with this directory as
	// the guest root. Requires root on the host.
	FSDir string

	// Parallel is the worker count: 0 runs a single solo worker, -1 one
	// worker per CPU.
	Parallel int

	LogLevel    string
	ServiceName string

	// MetricsAddr serves prometheus metrics when nonempty, e.g. ":9091".
	MetricsAddr string

	// CmdTimeout bounds bring-up commands inside the guest.
	CmdTimeout time.Duration

	// OnRecoverable picks what a worker does after a recoverable crash.
	OnRecoverable string

	// DetectForkserverDeath also treats loss of afl's forkserver as a crash
	// signature. Needed for guest kernels whose assertions BUG() instead of
	// panicking.
	DetectForkserverDeath bool

	// ImgcompressBin locates the filesystem-image codec used by seeding.
	ImgcompressBin string

	// CorpusDir holds the checked-in zstd-compressed corpus for seeding.
	CorpusDir string

	// JournalPath is the sqlite crash journal; empty disables journaling.
	JournalPath string
}

// Load builds the configuration from defaults overlaid with the process
// environment (a .env file is honored when present). CLI flags are applied
// afterwards by the command layer and win over everything here.
func Load() *AppConfig {
	godotenv.Load()

	c := &AppConfig{
		StateDir:       "./_state",
		Parallel:       0,
		LogLevel:       "info",
		ServiceName:    "btrfs-fuzz",
		CmdTimeout:     30 * time.Second,
		OnRecoverable:  OnRecoverableResume,
		ImgcompressBin: "imgcompress",
		CorpusDir:      "corpus",
	}

	c.StateDir = envString("BTRFS_FUZZ_STATE_DIR", c.StateDir)
	c.Image = envString("BTRFS_FUZZ_IMAGE", c.Image)
	c.Remote = envBool("BTRFS_FUZZ_REMOTE", c.Remote)
	c.FSDir = envString("BTRFS_FUZZ_FS_DIR", c.FSDir)
	c.Parallel = envInt("BTRFS_FUZZ_PARALLEL", c.Parallel)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)
	c.ServiceName = envString("SERVICE_NAME", c.ServiceName)
	c.MetricsAddr = envString("BTRFS_FUZZ_METRICS_ADDR", c.MetricsAddr)
	c.CmdTimeout = envDuration("BTRFS_FUZZ_CMD_TIMEOUT", c.CmdTimeout)
	c.OnRecoverable = envString("BTRFS_FUZZ_ON_RECOVERABLE", c.OnRecoverable)
	c.DetectForkserverDeath = envBool("BTRFS_FUZZ_DETECT_FORKSERVER_DEATH", c.DetectForkserverDeath)
	c.ImgcompressBin = envString("BTRFS_FUZZ_IMGCOMPRESS", c.ImgcompressBin)
	c.CorpusDir = envString("BTRFS_FUZZ_CORPUS_DIR", c.CorpusDir)

	if v, ok := os.LookupEnv("BTRFS_FUZZ_JOURNAL"); ok {
		c.JournalPath = v // empty value disables the journal
	} else {
		c.JournalPath = filepath.Join(c.StateDir, "crashes.db")
	}

	return c
}

// fileConfig mirrors AppConfig for the yaml overlay. Pointer fields tell
// presence apart from zero values, so an explicitly empty journal_path can
// disable the journal while an absent key changes nothing.
type fileConfig struct {
	StateDir              *string `yaml:"state_dir"`
	Image                 *string `yaml:"image"`
	Remote                *bool   `yaml:"remote"`
	FSDir                 *string `yaml:"fs_dir"`
	Parallel              *int    `yaml:"parallel"`
	LogLevel              *string `yaml:"log_level"`
	ServiceName           *string `yaml:"service_name"`
	MetricsAddr           *string `yaml:"metrics_addr"`
	CmdTimeout            *string `yaml:"cmd_timeout"`
	OnRecoverable         *string `yaml:"on_recoverable"`
	DetectForkserverDeath *bool   `yaml:"detect_forkserver_death"`
	ImgcompressBin        *string `yaml:"imgcompress_bin"`
	CorpusDir             *string `yaml:"corpus_dir"`
	JournalPath           *string `yaml:"journal_path"`
}

// ApplyFile overlays a yaml config file. Only keys present in the file
// override; the file sits between the environment and CLI flags.
func (c *AppConfig) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setIf(&c.StateDir, f.StateDir)
	setIf(&c.Image, f.Image)
	setIf(&c.Remote, f.Remote)
	setIf(&c.FSDir, f.FSDir)
	setIf(&c.Parallel, f.Parallel)
	setIf(&c.LogLevel, f.LogLevel)
	setIf(&c.ServiceName, f.ServiceName)
	setIf(&c.MetricsAddr, f.MetricsAddr)
	setIf(&c.OnRecoverable, f.OnRecoverable)
	setIf(&c.DetectForkserverDeath, f.DetectForkserverDeath)
	setIf(&c.ImgcompressBin, f.ImgcompressBin)
	setIf(&c.CorpusDir, f.CorpusDir)
	setIf(&c.JournalPath, f.JournalPath)

	if f.CmdTimeout != nil {
		d, err := time.ParseDuration(*f.CmdTimeout)
		if err != nil {
			return fmt.Errorf("bad cmd_timeout in %s: %w", path, err)
		}
		c.CmdTimeout = d
	}
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Validate rejects values no component can act on.
func (c *AppConfig) Validate() error {
	if c.Parallel < -1 {
		return fmt.Errorf("parallel must be >= -1, got %d", c.Parallel)
	}
	switch c.OnRecoverable {
	case OnRecoverableResume, OnRecoverableStop:
	default:
		return fmt.Errorf("on_recoverable must be %q or %q, got %q",
			OnRecoverableResume, OnRecoverableStop, c.OnRecoverable)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state dir must not be empty")
	}
	return nil
}

// ImageRef resolves the guest image reference.
func (c *AppConfig) ImageRef() string {
	if c.Image != "" {
		return c.Image
	}
	if c.Remote {
		return ImageRemote
	}
	return ImageLocal
}

// UseNspawn reports whether the nspawn backend is selected.
func (c *AppConfig) UseNspawn() bool {
	return c.FSDir != ""
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
