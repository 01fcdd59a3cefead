package manager

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/danobi/btrfs-fuzz/internal/afl"
	"github.com/danobi/btrfs-fuzz/pkg/watchdog"
)

// watchCrashDirs registers every worker's output/<name>/crashes directory
// with the watchdog as it appears. afl-fuzz creates the directory on its own
// schedule after startup, so this polls until all expected directories are
// under watch and then stops. The watchdog itself keeps running until the
// context ends.
func (m *Manager) watchCrashDirs(ctx context.Context, wd *watchdog.WatchDog, roles []afl.Role) {
	expected := make([]string, len(roles))
	for i, role := range roles {
		expected[i] = filepath.Join(m.cfg.StateDir, role.OutputDir(), "crashes")
	}

	watched := make(map[string]struct{}, len(expected))
	scan := func() bool {
		for _, dir := range expected {
			if _, ok := watched[dir]; ok {
				continue
			}
			if _, err := os.Stat(dir); err != nil {
				continue
			}
			wd.AddDir(dir)
			watched[dir] = struct{}{}
			m.logger.Debug("watching crash directory", zap.String("dir", dir))
		}
		return len(watched) == len(expected)
	}

	// The watchdog only reports files created after AddDir, so register
	// directories as early as possible instead of waiting out a full tick.
	if scan() {
		m.logger.Debug("all crash directories watched")
		return
	}

	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if scan() {
				m.logger.Debug("all crash directories watched")
				return
			}
		}
	}
}
