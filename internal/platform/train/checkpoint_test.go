// internal/platform/train/checkpoint_test.go
package train

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/pkg/errors"
)

func TestCheckpointName(t *testing.T) {
	t.Run("Format", func(t *testing.T) {
		name := CheckpointName("PointNav", "2024-01-01_00-00-00", 2, 1000, 42)
		assert.Equal(t,
			"exp_PointNav__time_2024-01-01_00-00-00__stage_02__steps_000000001000__seed_42.pt",
			name)
	})

	t.Run("ParseRoundTrip", func(t *testing.T) {
		name := CheckpointName("PointNav", "2024-01-01_00-00-00", 2, 1000, -7)
		info, err := ParseCheckpointName(name)
		require.NoError(t, err)
		assert.Equal(t, "PointNav", info.Experiment)
		assert.Equal(t, "2024-01-01_00-00-00", info.RunID)
		assert.Equal(t, 2, info.Stage)
		assert.Equal(t, int64(1000), info.Steps)
		assert.Equal(t, int64(-7), info.Seed)
	})

	t.Run("StepFromCheckpoint", func(t *testing.T) {
		steps, err := StepFromCheckpoint(
			"exp_A__time_2024-01-01_00-00-00__stage_00__steps_000000000016__seed_1.pt")
		require.NoError(t, err)
		assert.Equal(t, int64(16), steps)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := ParseCheckpointName("model_final.pt")
		assert.Error(t, err)
	})
}

func TestCheckpointSaveLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("RoundTrip", func(t *testing.T) {
		ckpt := &Checkpoint{
			ModelParams: []float64{0.5, -1.25, 3},
			State: EngineState{
				TotalUpdates:  9,
				PipelineStage: 1,
				StepCount:     128,
				TotalSteps:    4096,
				EpisodeCount:  37,
				Seed:          13,
			},
		}
		path := filepath.Join(dir, "run", CheckpointName("E", "r", 1, 4224, 13))
		require.NoError(t, SaveCheckpoint(path, ckpt))

		loaded, err := LoadCheckpoint(path)
		require.NoError(t, err)
		assert.Equal(t, ckpt.ModelParams, loaded.ModelParams)
		assert.Equal(t, ckpt.State, loaded.State)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadCheckpoint(filepath.Join(dir, "nope.pt"))
		assert.True(t, errors.Is(err, errors.ErrCheckpointNotFound.Code))
	})

	t.Run("Corrupt", func(t *testing.T) {
		path := filepath.Join(dir, "bad.pt")
		require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))
		_, err := LoadCheckpoint(path)
		assert.True(t, errors.Is(err, errors.ErrCheckpointCorrupt.Code))
	})
}

func TestGetCheckpointPath(t *testing.T) {
	out := t.TempDir()
	name := CheckpointName("E", "2024-01-01_00-00-00", 0, 100, 1)

	t.Run("NotFound", func(t *testing.T) {
		_, err := GetCheckpointPath(out, "E", "2024-01-01_00-00-00", name)
		assert.True(t, errors.Is(err, errors.ErrCheckpointNotFound.Code))
	})

	t.Run("ExpectedLocation", func(t *testing.T) {
		expected := filepath.Join(CheckpointDir(out, "E", "2024-01-01_00-00-00"), name)
		require.NoError(t, SaveCheckpoint(expected, &Checkpoint{}))

		path, err := GetCheckpointPath(out, "E", "2024-01-01_00-00-00", name)
		require.NoError(t, err)
		assert.Equal(t, expected, path)
	})

	t.Run("SearchFallback", func(t *testing.T) {
		// referenced under the wrong run ID, found by recursive search
		path, err := GetCheckpointPath(out, "E", "some-other-run", name)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(CheckpointDir(out, "E", "2024-01-01_00-00-00"), name), path)
	})

	t.Run("Ambiguous", func(t *testing.T) {
		dup := filepath.Join(CheckpointDir(out, "E", "2024-02-02_00-00-00"), name)
		require.NoError(t, SaveCheckpoint(dup, &Checkpoint{}))

		_, err := GetCheckpointPath(out, "E", "some-other-run", name)
		assert.True(t, errors.Is(err, errors.ErrCheckpointAmbiguous.Code))
	})
}

func TestGetCheckpointFiles(t *testing.T) {
	dir := t.TempDir()
	runID := "2024-01-01_00-00-00"
	for _, steps := range []int64{100, 200, 300, 400, 500} {
		path := filepath.Join(dir, CheckpointName("E", runID, 0, steps, 1))
		require.NoError(t, SaveCheckpoint(path, &Checkpoint{}))
	}

	t.Run("AllSortedByStep", func(t *testing.T) {
		files, err := GetCheckpointFiles(dir, 0)
		require.NoError(t, err)
		require.Len(t, files, 5)
		first, err := StepFromCheckpoint(filepath.Base(files[0]))
		require.NoError(t, err)
		assert.Equal(t, int64(100), first)
	})

	t.Run("ThinnedKeepsLast", func(t *testing.T) {
		files, err := GetCheckpointFiles(dir, 1)
		require.NoError(t, err)
		var steps []int64
		for _, f := range files {
			s, err := StepFromCheckpoint(filepath.Base(f))
			require.NoError(t, err)
			steps = append(steps, s)
		}
		assert.Equal(t, []int64{100, 300, 500}, steps)
	})

	t.Run("MissingDir", func(t *testing.T) {
		_, err := GetCheckpointFiles(filepath.Join(dir, "absent"), 0)
		assert.True(t, errors.Is(err, errors.ErrCheckpointNotFound.Code))
	})
}

func TestWorkerSeeds(t *testing.T) {
	seed := int64(99)

	t.Run("Deterministic", func(t *testing.T) {
		a := WorkerSeeds(4, &seed)
		b := WorkerSeeds(4, &seed)
		assert.Equal(t, a, b)
		assert.Len(t, a, 4)
	})

	t.Run("Distinct", func(t *testing.T) {
		seeds := WorkerSeeds(8, &seed)
		seen := map[int64]bool{}
		for _, s := range seeds {
			assert.False(t, seen[s])
			seen[s] = true
		}
	})
}

func TestAcquireUniqueStartTimeString(t *testing.T) {
	out := t.TempDir()
	logger := logging.NewNoopLogger()

	first, err := AcquireUniqueStartTimeString(out, logger)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	// a second acquisition must wait out the clock and produce a new identity
	second, err := AcquireUniqueStartTimeString(out, logger)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

//Personal.AI order the ending
