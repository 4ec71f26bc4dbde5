package progress

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadBack(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "exec-1", 7, "1h")
	require.NoError(t, err)

	require.NoError(t, w.Write(&Snapshot{
		ExecutionID:       "exec-1",
		TaskKey:           TaskKey(7, "1h"),
		CurrentFilter:     "ml_confidence",
		TimepointIndex:    120,
		PlannedTimepoints: 480,
		GateHistogram:     map[string]int{"sr_existence": 30},
		Trades:            4,
	}))

	snaps := ReadAll(root, "exec-1")
	require.Len(t, snaps, 1)
	assert.Equal(t, "7_1h", snaps[0].TaskKey)
	assert.Equal(t, 120, snaps[0].TimepointIndex)
	assert.Equal(t, 30, snaps[0].GateHistogram["sr_existence"])
	assert.InDelta(t, 25.0, snaps[0].Percent(), 1e-9)
	assert.False(t, snaps[0].UpdatedAt.IsZero())
}

func TestWriteIsMonotonic(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "exec-2", 1, "4h")
	require.NoError(t, err)

	require.NoError(t, w.Write(&Snapshot{TimepointIndex: 200, PlannedTimepoints: 400}))
	// A stale snapshot must not roll progress backwards.
	require.NoError(t, w.Write(&Snapshot{TimepointIndex: 150, PlannedTimepoints: 400}))

	snaps := ReadAll(root, "exec-2")
	require.Len(t, snaps, 1)
	assert.Equal(t, 200, snaps[0].TimepointIndex)
}

func TestDistinctFilesPerTask(t *testing.T) {
	root := t.TempDir()
	w1, err := NewWriter(root, "exec-3", 1, "1h")
	require.NoError(t, err)
	w2, err := NewWriter(root, "exec-3", 2, "1h")
	require.NoError(t, err)

	require.NoError(t, w1.Write(&Snapshot{TaskKey: TaskKey(1, "1h"), TimepointIndex: 10, PlannedTimepoints: 100}))
	require.NoError(t, w2.Write(&Snapshot{TaskKey: TaskKey(2, "1h"), TimepointIndex: 50, PlannedTimepoints: 100}))

	snaps := ReadAll(root, "exec-3")
	assert.Len(t, snaps, 2)
	assert.InDelta(t, 30.0, ExecutionPercent(snaps, 2), 1e-9)
}

func TestReadAllSkipsCorruptFiles(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "exec-4", 1, "1h")
	require.NoError(t, err)
	require.NoError(t, w.Write(&Snapshot{TimepointIndex: 5, PlannedTimepoints: 10}))

	require.NoError(t, os.WriteFile(filepath.Join(root, "exec-4", "junk.json"), []byte("{half"), 0o644))

	snaps := ReadAll(root, "exec-4")
	assert.Len(t, snaps, 1)
}

func TestReadAllMissingExecution(t *testing.T) {
	assert.Empty(t, ReadAll(t.TempDir(), "nope"))
}
