package vm

import (
	"fmt"
	"path/filepath"
)

// MachineName is the systemd-nspawn machine name; fleet workers get their
// role name appended so the units do not collide.
const MachineName = "btrfs-fuzz"

// Backend produces the host command that boots one guest.
type Backend interface {
	// CommandLine returns the argv to spawn, argv[0] being the binary.
	CommandLine() ([]string, error)

	// NeedsEntry reports whether the guest needs ./entry.sh after attach.
	// Container images carry an ENTRYPOINT; an nspawn rootfs does not.
	NeedsEntry() bool
}

// SanitizeVolumeDir prefixes relative paths with "./". Podman refuses volume
// sources it cannot tell apart from named volumes, and the conventional
// state directory starts with an underscore.
func SanitizeVolumeDir(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return "./" + dir
}

// Podman boots the guest from a container image.
type Podman struct {
	Image    string
	StateDir string
}

func (p Podman) CommandLine() ([]string, error) {
	return []string{
		"podman", "run",
		"-it",
		"--privileged",
		"-v", SanitizeVolumeDir(p.StateDir) + ":/state",
		p.Image,
	}, nil
}

func (p Podman) NeedsEntry() bool { return false }

// Nspawn boots the guest from an untarred rootfs with systemd-nspawn.
// Requires root on the host. Worker names a fleet's machines apart.
type Nspawn struct {
	FSDir    string
	StateDir string
	Worker   string
}

func (n Nspawn) CommandLine() ([]string, error) {
	absState, err := filepath.Abs(n.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state dir: %w", err)
	}

	machine := MachineName
	if n.Worker != "" {
		machine += "-" + n.Worker
	}

	return []string{
		"sudo", "systemd-nspawn",
		"--directory", n.FSDir,
		"--machine", machine,
		"--bind=" + absState + ":/state",
		"--chdir=/btrfs-fuzz",
		// Map /dev/kvm through so qemu gets hardware acceleration.
		"--bind=/dev/kvm:/dev/kvm",
	}, nil
}

func (n Nspawn) NeedsEntry() bool { return true }
