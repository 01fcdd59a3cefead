package crash

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danobi/btrfs-fuzz/internal/metrics"
	"github.com/danobi/btrfs-fuzz/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func TestStorePut(t *testing.T) {
	state := t.TempDir()
	store, err := NewStore(state, zap.NewNop())
	require.NoError(t, err)

	src := filepath.Join(state, ".cur_input")
	require.NoError(t, os.WriteFile(src, []byte("mkfs victim"), 0644))

	artifact, err := store.Put(src)
	require.NoError(t, err)

	assert.Equal(t, store.Dir(), filepath.Dir(artifact))
	_, err = uuid.Parse(filepath.Base(artifact))
	assert.NoError(t, err, "artifact names are uuids")

	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Equal(t, []byte("mkfs victim"), data)
}

func TestStorePutNeverOverwrites(t *testing.T) {
	state := t.TempDir()
	store, err := NewStore(state, zap.NewNop())
	require.NoError(t, err)

	src := filepath.Join(state, ".cur_input")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	const n = 1000
	for i := 0; i < n; i++ {
		_, err := store.Put(src)
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, n, "every capture keeps its own artifact")
}

func TestCopyNewRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0644))

	err := copyNew(src, dst)
	require.Error(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), data, "existing artifact left untouched")
}

func TestJournalRoundTrip(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "crashes.db"))
	require.NoError(t, err)
	defer j.Close()

	base := time.Unix(1700000000, 0)
	events := []Event{
		{Kind: KindFatal, Worker: "master", Source: "/state/output/master/.cur_input", Artifact: "/state/known_crashes/a", At: base},
		{Kind: KindRecoverable, Worker: "secondary_0", Source: "/state/output/secondary_0/.cur_input", Artifact: "/state/known_crashes/b", At: base.Add(time.Second)},
		{Kind: KindAFLNative, Worker: "secondary_1", Source: "/state/output/secondary_1/crashes/id:000000", At: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		require.NoError(t, j.Record(ev))
	}

	recent, err := j.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, KindAFLNative, recent[0].Kind)
	assert.Equal(t, "secondary_1", recent[0].Worker)
	assert.Equal(t, KindRecoverable, recent[1].Kind)
	assert.Equal(t, base.Add(time.Second).Unix(), recent[1].At.Unix())

	all, err := j.Recent(10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestJournalRecentEmpty(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "crashes.db"))
	require.NoError(t, err)
	defer j.Close()

	recent, err := j.Recent(5)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestManagerJournalsEvents(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "crashes.db"))
	require.NoError(t, err)
	defer j.Close()

	m := metrics.New()
	lc := fxtest.NewLifecycle(t)
	mgr := NewManager(ManagerParams{
		Lc:      lc,
		Logger:  zap.NewNop(),
		Journal: j,
		Metrics: m,
	})
	lc.RequireStart()

	mgr.Record(Event{Kind: KindFatal, Worker: "solo", Source: "/state/output/.cur_input", Artifact: "/state/known_crashes/a"})
	mgr.Record(Event{Kind: KindRecoverable, Worker: "solo", Source: "/state/output/.cur_input", Artifact: "/state/known_crashes/b"})

	lc.RequireStop()

	recent, err := j.Recent(10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CrashesCaptured.WithLabelValues("fatal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CrashesCaptured.WithLabelValues("recoverable")))
}

func TestManagerRegisterAFLFiles(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "crashes.db"))
	require.NoError(t, err)
	defer j.Close()

	m := metrics.New()
	lc := fxtest.NewLifecycle(t)
	mgr := NewManager(ManagerParams{
		Lc:      lc,
		Logger:  zap.NewNop(),
		Journal: j,
		Metrics: m,
	})
	lc.RequireStart()

	ctx := context.WithValue(context.Background(), telemetry.TracerKey{}, &telemetry.DummyTracer{})
	files := make(chan string, 2)
	mgr.RegisterAFLFiles(ctx, files)
	files <- "/state/output/secondary_2/crashes/id:000001"
	files <- "/state/output/crashes/id:000002"
	close(files)

	lc.RequireStop()

	recent, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	workers := []string{recent[0].Worker, recent[1].Worker}
	assert.ElementsMatch(t, []string{"secondary_2", "solo"}, workers)
	for _, ev := range recent {
		assert.Equal(t, KindAFLNative, ev.Kind)
		assert.Empty(t, ev.Artifact, "afl crashes stay in place")
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AFLCrashesSeen))
}

func TestManagerDropsAfterShutdown(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	mgr := NewManager(ManagerParams{Lc: lc, Logger: zap.NewNop()})
	lc.RequireStart()
	lc.RequireStop()

	// Must not panic on the closed channel.
	mgr.Record(Event{Kind: KindFatal, Worker: "solo", Source: "late"})
}

func TestWorkerForArtifact(t *testing.T) {
	assert.Equal(t, "master", workerForArtifact("/state/output/master/crashes/id:000000"))
	assert.Equal(t, "secondary_4", workerForArtifact("/state/output/secondary_4/crashes/id:000003,sig:06"))
	assert.Equal(t, "solo", workerForArtifact("/state/output/crashes/id:000000"))
}
