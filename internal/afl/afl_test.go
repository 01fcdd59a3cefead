package afl

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFleetRolesSolo(t *testing.T) {
	for _, n := range []int{0, 1} {
		roles := FleetRoles(n)
		require.Len(t, roles, 1, "n=%d", n)
		assert.Equal(t, "", roles[0].Name())
		assert.Equal(t, "", roles[0].Schedule())
		assert.True(t, roles[0].Mirrored())
	}
}

func TestFleetRolesExactlyOneCoordinator(t *testing.T) {
	for n := 2; n <= 8; n++ {
		roles := FleetRoles(n)
		require.Len(t, roles, n, "n=%d", n)

		coordinators := 0
		for _, r := range roles {
			if r.Name() == CoordinatorName {
				coordinators++
			}
		}
		assert.Equal(t, 1, coordinators, "n=%d", n)
		assert.Equal(t, CoordinatorName, roles[0].Name(), "coordinator must be index 0")
	}
}

func TestFleetRolesSecondaryNumbering(t *testing.T) {
	const n = 6
	roles := FleetRoles(n)

	// secondary_0 .. secondary_{n-2}, consecutive from zero.
	for i := 1; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("secondary_%d", i-1), roles[i].Name())
	}
}

func TestScheduleRotationWrapsAround(t *testing.T) {
	want := []string{"coe", "fast", "explore", "coe", "fast"}
	for i := 0; i <= 4; i++ {
		assert.Equal(t, want[i], Secondary(i).Schedule(), "secondary_%d", i)
	}
	assert.Equal(t, "exploit", Coordinator().Schedule())
}

func TestMirroring(t *testing.T) {
	assert.True(t, Solo().Mirrored())
	assert.True(t, Coordinator().Mirrored())
	assert.False(t, Secondary(0).Mirrored())
}

func TestOutputDir(t *testing.T) {
	assert.Equal(t, "output", Solo().OutputDir())
	assert.Equal(t, "output/master", Coordinator().OutputDir())
	assert.Equal(t, "output/secondary_3", Secondary(3).OutputDir())
}

func TestCommandLineSolo(t *testing.T) {
	want := "AFL_SKIP_BIN_CHECK=1 AFL_DEBUG_CHILD_OUTPUT=1 " +
		"AFL_CUSTOM_MUTATOR_LIBRARY=/btrfs-fuzz/libmutator.so AFL_CUSTOM_MUTATOR_ONLY=1 " +
		"AFL_DISABLE_TRIM=1 AFL_AUTORESUME=1 " +
		"/usr/local/bin/afl-fuzz -m 500 -i /state/input -o /state/output " +
		"-- /btrfs-fuzz/runner --known-crash-dir /state/known_crashes"
	assert.Equal(t, want, CommandLine(Solo()))
}

func TestCommandLineCoordinator(t *testing.T) {
	line := CommandLine(Coordinator())
	assert.Contains(t, line, " -M master -p exploit ")
	assert.True(t, strings.HasSuffix(line, "-- /btrfs-fuzz/runner --known-crash-dir /state/known_crashes"))
}

func TestCommandLineSecondary(t *testing.T) {
	line := CommandLine(Secondary(4))
	assert.Contains(t, line, " -S secondary_4 -p fast ")
	assert.NotContains(t, line, "-M")
}
