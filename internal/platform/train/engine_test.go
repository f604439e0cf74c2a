// internal/platform/train/engine_test.go
package train

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrle/openrle/internal/platform/policy"
	"github.com/openrle/openrle/internal/platform/tasks"
	"github.com/openrle/openrle/pkg/config"
	"github.com/openrle/openrle/pkg/types"
)

// ============================================================================
// Environment Stubs
// ============================================================================

const stubObsDim = 3

type stubTask struct {
	worker   int
	steps    int
	maxSteps int
}

func (s *stubTask) Step(action int64) (types.StepResult, error) {
	s.steps++
	return types.StepResult{
		Observation: s.GetObservations(),
		Reward:      1,
		Done:        s.steps >= s.maxSteps,
	}, nil
}

func (s *stubTask) GetObservations() types.Observation {
	return types.Observation{
		"state": []float64{float64(s.worker), float64(s.steps), 1},
	}
}

func (s *stubTask) Done() bool { return s.steps >= s.maxSteps }

func (s *stubTask) Metrics() map[string]float64 {
	return map[string]float64{"ep_length": float64(s.steps), "success": 1}
}

func (s *stubTask) ExpertAction() (int64, bool) { return 0, true }

func (s *stubTask) Render(mode string) ([]byte, error) { return []byte{0xff}, nil }

func (s *stubTask) Close() error { return nil }

type stubSampler struct {
	worker      int
	episodes    int
	maxEpisodes int // <= 0 means unbounded
}

func (s *stubSampler) NextTask(force bool) (tasks.Task, error) {
	if s.maxEpisodes > 0 && s.episodes >= s.maxEpisodes {
		return nil, nil
	}
	s.episodes++
	return &stubTask{worker: s.worker, maxSteps: 3}, nil
}

func (s *stubSampler) SetSeed(seed int64) {}

func (s *stubSampler) Reset() error {
	s.episodes = 0
	return nil
}

func (s *stubSampler) Close() error { return nil }

func stubFactory(maxEpisodes int) tasks.SamplerFactory {
	return func(workerIndex int) (tasks.TaskSampler, error) {
		return &stubSampler{worker: workerIndex, maxEpisodes: maxEpisodes}, nil
	}
}

func trainerConfig(t *testing.T) *config.Config {
	t.Helper()
	seed := int64(7)
	return &config.Config{
		Experiment: config.ExperimentConfig{
			Name:      "TrackerDemo",
			OutputDir: t.TempDir(),
			Seed:      &seed,
		},
		Machine: config.MachineConfig{NumProcesses: 2, ValidProcesses: 2},
		Pipeline: config.PipelineConfig{
			MetricAccumulateInterval: 8,
			Optimizer:                config.OptimizerConfig{Kind: "adam", LR: 1e-3},
			Stages:                   []config.StageConfig{stageConfig("main", 16, 4)},
		},
	}
}

func newModel(seed int64) *policy.Linear {
	return policy.NewLinear("state", stubObsDim, 2, rand.New(rand.NewSource(seed)))
}

// ============================================================================
// Engine
// ============================================================================

func TestEngineRun(t *testing.T) {
	cfg := trainerConfig(t)
	model := newModel(1)

	eng, err := NewEngine(cfg, Options{
		Model:          model,
		Registry:       newRegistry(),
		SamplerFactory: stubFactory(0),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background()))

	state := eng.State()
	// 2 rollouts of 4 steps across 2 processes, folded at the stage boundary
	assert.Equal(t, int64(16), state.TotalSteps)
	assert.Zero(t, state.StepCount)
	assert.Zero(t, state.RolloutCount)
	assert.Equal(t, 1, state.PipelineStage)
	assert.Positive(t, state.TotalUpdates)
	assert.Positive(t, state.EpisodeCount)

	dir := CheckpointDir(cfg.Experiment.OutputDir, cfg.Experiment.Name, eng.RunID())
	files, err := GetCheckpointFiles(dir, 0)
	require.NoError(t, err)
	require.Len(t, files, 1)

	info, err := ParseCheckpointName(filepath.Base(files[0]))
	require.NoError(t, err)
	assert.Equal(t, int64(16), info.Steps)
	assert.Equal(t, 0, info.Stage)
	assert.Equal(t, "TrackerDemo", info.Experiment)
	assert.Equal(t, eng.RunID(), info.RunID)

	// the run's config is snapshotted next to its checkpoints
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	var snap config.Config
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "TrackerDemo", snap.Experiment.Name)
	assert.Equal(t, 2, snap.Machine.NumProcesses)
}

func TestEngineResume(t *testing.T) {
	cfg := trainerConfig(t)

	eng, err := NewEngine(cfg, Options{
		Model:          newModel(1),
		Registry:       newRegistry(),
		SamplerFactory: stubFactory(0),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background()))
	trainedParams := append([]float64(nil), eng.model.Params()...)

	dir := CheckpointDir(cfg.Experiment.OutputDir, cfg.Experiment.Name, eng.RunID())
	files, err := GetCheckpointFiles(dir, 0)
	require.NoError(t, err)
	require.Len(t, files, 1)

	// a resumed run folds the restored counters and finalizes without
	// collecting further steps: the stage budget was already met
	resumed, err := NewEngine(cfg, Options{
		Model:          newModel(99),
		Registry:       newRegistry(),
		SamplerFactory: stubFactory(0),
	})
	require.NoError(t, err)
	resumed.SetResumeFrom(files[0])
	require.NoError(t, resumed.Run(context.Background()))

	state := resumed.State()
	assert.Equal(t, int64(16), state.TotalSteps)
	assert.Equal(t, 1, state.PipelineStage)
	assert.Equal(t, trainedParams, resumed.model.Params())
	assert.NotEqual(t, eng.RunID(), resumed.RunID())
}

func TestEngineEarlyStopping(t *testing.T) {
	cfg := trainerConfig(t)
	// every stub episode reports success=1, so the criterion fires on the
	// first metrics window and the stage ends before its rollout budget
	cfg.Pipeline.Stages[0].MaxStageSteps = i64p(4000)
	cfg.Pipeline.MetricAccumulateInterval = 4
	cfg.Pipeline.Stages[0].EarlyStopping = &config.EarlyStoppingConfig{
		Metric:    "success",
		Threshold: 0.9,
		Direction: "above",
	}

	eng, err := NewEngine(cfg, Options{
		Model:          newModel(1),
		Registry:       newRegistry(),
		SamplerFactory: stubFactory(0),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background()))

	state := eng.State()
	assert.Equal(t, 1, state.PipelineStage)
	assert.Less(t, state.TotalSteps, int64(4000))
}

func TestEngineMultiStagePipeline(t *testing.T) {
	cfg := trainerConfig(t)
	cfg.Pipeline.Stages = []config.StageConfig{
		stageConfig("warmup", 8, 4),
		stageConfig("main", 16, 4),
	}

	eng, err := NewEngine(cfg, Options{
		Model:          newModel(1),
		Registry:       newRegistry(),
		SamplerFactory: stubFactory(0),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background()))

	state := eng.State()
	assert.Equal(t, 2, state.PipelineStage)
	assert.Equal(t, int64(24), state.TotalSteps)

	// one checkpoint per stage boundary
	dir := CheckpointDir(cfg.Experiment.OutputDir, cfg.Experiment.Name, eng.RunID())
	files, err := GetCheckpointFiles(dir, 0)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestEngineSamplerExhaustionMidRollout(t *testing.T) {
	cfg := trainerConfig(t)

	// worker 0 has a single 3-step episode and exhausts inside the first
	// 4-step rollout; worker 1 keeps sampling
	factory := func(workerIndex int) (tasks.TaskSampler, error) {
		maxEpisodes := 0
		if workerIndex == 0 {
			maxEpisodes = 1
		}
		return &stubSampler{worker: workerIndex, maxEpisodes: maxEpisodes}, nil
	}

	eng, err := NewEngine(cfg, Options{
		Model:          newModel(1),
		Registry:       newRegistry(),
		SamplerFactory: factory,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background()))

	state := eng.State()
	// rollout 1 collects 3 steps from both workers, then only worker 1's
	// 4th step after the pause narrows the batch; rollout 2 is worker 1
	// alone: 3*2 + 1 + 4 = 11 environment steps
	assert.Equal(t, int64(11), state.TotalSteps)
	assert.Equal(t, 1, state.PipelineStage)
	assert.Equal(t, int64(3), state.EpisodeCount)
	assert.Positive(t, state.TotalUpdates)

	// the narrowed rollout still checkpoints at the true step count
	dir := CheckpointDir(cfg.Experiment.OutputDir, cfg.Experiment.Name, eng.RunID())
	files, err := GetCheckpointFiles(dir, 0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	info, err := ParseCheckpointName(filepath.Base(files[0]))
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Steps)
}

// ============================================================================
// Validator
// ============================================================================

func validatorCheckpoint(t *testing.T, dir string, trainingSteps int64) string {
	t.Helper()
	model := newModel(5)
	path := filepath.Join(dir, CheckpointName("TrackerDemo", "2024-01-01_00-00-00", 0, trainingSteps, 7))
	require.NoError(t, SaveCheckpoint(path, &Checkpoint{
		ModelParams: append([]float64(nil), model.Params()...),
		State:       EngineState{TotalSteps: trainingSteps},
	}))
	return path
}

func TestValidatorEvaluateCheckpoint(t *testing.T) {
	cfg := trainerConfig(t)
	path := validatorCheckpoint(t, t.TempDir(), 100)

	out := make(chan types.Envelope, 4)
	v := NewValidator(cfg, ValidatorOptions{
		Model:          newModel(2),
		SamplerFactory: stubFactory(2),
		Out:            out,
	})
	defer v.closePool()

	require.NoError(t, v.EvaluateCheckpoint(context.Background(), path))

	env := <-out
	assert.Equal(t, types.PackageValidMetrics, env.Kind)
	require.NotNil(t, env.Eval)

	// 2 workers x 2 episodes of 3 steps each
	assert.Len(t, env.Eval.Samples, 4)
	length, ok := env.Eval.Scalars["ep_length"]
	require.True(t, ok)
	assert.InDelta(t, 3.0, length.Value, 1e-12)
	assert.Equal(t, int64(100), length.Steps)
}

func TestValidatorCloseReleasesPool(t *testing.T) {
	cfg := trainerConfig(t)
	path := validatorCheckpoint(t, t.TempDir(), 100)

	out := make(chan types.Envelope, 4)
	v := NewValidator(cfg, ValidatorOptions{
		Model:          newModel(2),
		SamplerFactory: stubFactory(2),
		Out:            out,
	})

	require.NoError(t, v.EvaluateCheckpoint(context.Background(), path))
	<-out

	pool := v.pool
	require.NotNil(t, pool)
	v.Close()
	assert.True(t, pool.IsClosed())
	assert.Nil(t, v.pool)

	// a closed validator rebuilds its pool on the next evaluation
	require.NoError(t, v.EvaluateCheckpoint(context.Background(), path))
	<-out
	v.Close()
}

func TestValidatorRunLoop(t *testing.T) {
	cfg := trainerConfig(t)
	path := validatorCheckpoint(t, t.TempDir(), 50)

	cmds := make(chan EvalRequest, 4)
	out := make(chan types.Envelope, 4)
	v := NewValidator(cfg, ValidatorOptions{
		Model:          newModel(2),
		SamplerFactory: stubFactory(2),
		Commands:       cmds,
		Out:            out,
	})

	done := make(chan error, 1)
	go func() { done <- v.Run(context.Background()) }()

	cmds <- EvalRequest{Command: types.CommandEval, CheckpointPath: path}
	env := <-out
	assert.Equal(t, types.PackageValidMetrics, env.Kind)

	cmds <- EvalRequest{Command: types.CommandQuit}
	assert.NoError(t, <-done)
}

func TestValidatorRunTest(t *testing.T) {
	cfg := trainerConfig(t)
	ckptDir := filepath.Join(t.TempDir(), "2024-01-01_00-00-00")
	validatorCheckpoint(t, ckptDir, 100)
	validatorCheckpoint(t, ckptDir, 200)

	v := NewValidator(cfg, ValidatorOptions{
		Model:          newModel(2),
		SamplerFactory: stubFactory(2),
		Mode:           types.ModeTest,
	})
	defer v.closePool()

	reportPath, err := v.RunTest(context.Background(), ckptDir, 0)
	require.NoError(t, err)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)

	var reports []struct {
		TrainingSteps int64                    `json:"training_steps"`
		Tasks         []map[string]interface{} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(data, &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, int64(100), reports[0].TrainingSteps)
	assert.Equal(t, int64(200), reports[1].TrainingSteps)
	assert.Len(t, reports[0].Tasks, 4)
}

//Personal.AI order the ending
