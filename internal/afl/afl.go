// Package afl constructs the afl-fuzz invocation each worker sends to its
// guest shell. The construction is pure string assembly; nothing here talks
// to a process.
package afl

import (
	"fmt"
	"path"
	"strings"
)

// Guest-side paths. The state directory is always bind-mounted at /state and
// the fuzzing toolchain lives under /btrfs-fuzz inside the image.
const (
	Binary        = "/usr/local/bin/afl-fuzz"
	Runner        = "/btrfs-fuzz/runner"
	MutatorLib    = "/btrfs-fuzz/libmutator.so"
	GuestInput    = "/state/input"
	GuestOutput   = "/state/output"
	GuestCrashDir = "/state/known_crashes"
)

// CoordinatorName is the on-disk instance name of the fleet coordinator.
const CoordinatorName = "master"

// secondarySchedules is the power-schedule rotation for secondary instances.
// See AFLplusplus docs/power_schedules.md for why these three.
var secondarySchedules = []string{"coe", "fast", "explore"}

// SecondaryName returns the on-disk instance name of secondary idx.
func SecondaryName(idx int) string {
	return fmt.Sprintf("secondary_%d", idx)
}

type roleKind int

const (
	roleSolo roleKind = iota
	roleCoordinator
	roleSecondary
)

// Role selects the parallel-fuzzing flags for one worker. It is immutable
// and determines the worker's name and output subdirectory.
type Role struct {
	kind  roleKind
	index int
}

func Solo() Role { return Role{kind: roleSolo} }

func Coordinator() Role { return Role{kind: roleCoordinator} }

func Secondary(idx int) Role { return Role{kind: roleSecondary, index: idx} }

// FleetRoles assigns roles for a fleet of n workers: a single solo worker
// for n <= 1, otherwise one coordinator followed by secondaries numbered
// from zero.
func FleetRoles(n int) []Role {
	if n <= 1 {
		return []Role{Solo()}
	}
	roles := make([]Role, 0, n)
	roles = append(roles, Coordinator())
	for i := 0; i < n-1; i++ {
		roles = append(roles, Secondary(i))
	}
	return roles
}

// Name returns the afl instance name, empty for a solo worker.
func (r Role) Name() string {
	switch r.kind {
	case roleCoordinator:
		return CoordinatorName
	case roleSecondary:
		return SecondaryName(r.index)
	default:
		return ""
	}
}

// Schedule returns the power schedule for the role. The coordinator always
// exploits; secondaries rotate through the schedule list by index.
func (r Role) Schedule() string {
	switch r.kind {
	case roleCoordinator:
		return "exploit"
	case roleSecondary:
		return secondarySchedules[r.index%len(secondarySchedules)]
	default:
		return ""
	}
}

// Mirrored reports whether this role's guest output goes to the operator's
// terminal. Only the single solo worker or the coordinator mirrors.
func (r Role) Mirrored() bool {
	return r.kind == roleSolo || r.kind == roleCoordinator
}

// OutputDir returns the role's fuzzer output directory relative to the state
// root: "output" for solo, "output/<name>" otherwise.
func (r Role) OutputDir() string {
	if name := r.Name(); name != "" {
		return path.Join("output", name)
	}
	return "output"
}

// Env returns the environment prefix for the afl-fuzz invocation.
func Env() []string {
	return []string{
		// The target was not built with the afl toolchain, so the binary
		// carries no instrumentation watermark.
		"AFL_SKIP_BIN_CHECK=1",

		// Forward runner output for crash debugging.
		"AFL_DEBUG_CHILD_OUTPUT=1",

		// Only the custom mutator understands the FS metadata layout;
		// anything else just burns cycles.
		"AFL_CUSTOM_MUTATOR_LIBRARY=" + MutatorLib,
		"AFL_CUSTOM_MUTATOR_ONLY=1",

		// The mutator neither appends nor deletes bytes, and trimming breaks
		// input deserialization.
		"AFL_DISABLE_TRIM=1",

		// Pick up prior session state from the output directory.
		"AFL_AUTORESUME=1",
	}
}

// Args returns the afl-fuzz argv for the role, runner included.
func Args(r Role) []string {
	args := []string{
		Binary,
		"-m", "500",
		"-i", GuestInput,
		"-o", GuestOutput,
	}

	switch r.kind {
	case roleCoordinator:
		args = append(args, "-M", r.Name(), "-p", r.Schedule())
	case roleSecondary:
		args = append(args, "-S", r.Name(), "-p", r.Schedule())
	}

	args = append(args, "--", Runner, "--known-crash-dir", GuestCrashDir)
	return args
}

// CommandLine returns the full shell line for the role: environment prefix
// followed by the argv, ready for a guest prompt.
func CommandLine(r Role) string {
	parts := append(Env(), Args(r)...)
	return strings.Join(parts, " ")
}
