// Package proctree enumerates and kills whole process trees.
//
// Container runtimes layer several processes between the command we spawn
// and the workload it hosts (podman -> conmon -> qemu, or systemd-nspawn ->
// init -> qemu). Killing the immediate child does not reliably take the rest
// down, and neither does killing its process group once a layer has called
// setsid. Teardown therefore walks the parent links of every process on the
// host and kills everything rooted at the spawned pid.
package proctree

import (
	"errors"
	"fmt"

	ps "github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"
)

// Lister returns a snapshot of all processes on the host. The default is
// ps.Processes; tests substitute a canned table.
type Lister func() ([]ps.Process, error)

// Descendants returns every live descendant of root in breadth-first order,
// parents before their children. root itself is not included.
func Descendants(root int, list Lister) ([]ps.Process, error) {
	if list == nil {
		list = ps.Processes
	}
	procs, err := list()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	children := make(map[int][]ps.Process, len(procs))
	for _, p := range procs {
		children[p.PPid()] = append(children[p.PPid()], p)
	}

	var out []ps.Process
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, c := range children[pid] {
			out = append(out, c)
			queue = append(queue, c.Pid())
		}
	}
	return out, nil
}

// Kill forcibly terminates the process tree rooted at pid: first the process
// group (the spawned child is a session leader, so -pid covers it and any
// well-behaved children), then each remaining descendant individually to
// catch layers that moved themselves into a new group. ESRCH is not an
// error; the tree may already be partially gone.
func Kill(pid int, list Lister) error {
	desc, err := Descendants(pid, list)
	if err != nil {
		return err
	}

	var errs []error
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		// Fall back to the pid itself if it never became a group leader.
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill pid %d: %w", pid, err))
		}
	}
	for _, p := range desc {
		if err := unix.Kill(p.Pid(), unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill descendant %d (%s): %w", p.Pid(), p.Executable(), err))
		}
	}
	return errors.Join(errs...)
}
