// internal/platform/train/pipeline_test.go
package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrle/openrle/internal/platform/losses"
	"github.com/openrle/openrle/pkg/config"
	"github.com/openrle/openrle/pkg/errors"
	"github.com/openrle/openrle/pkg/types"
)

func intp(v int) *int       { return &v }
func i64p(v int64) *int64   { return &v }
func fp(v float64) *float64 { return &v }
func bp(v bool) *bool       { return &v }

func stageConfig(name string, maxSteps int64, stepsInRollout int) config.StageConfig {
	return config.StageConfig{
		Name:      name,
		LossNames: []string{"a2c"},
		StageHyperparams: config.StageHyperparams{
			StepsInRollout:    intp(stepsInRollout),
			MaxStageSteps:     i64p(maxSteps),
			UpdateEpochs:      intp(1),
			UpdateMiniBatches: intp(1),
			Gamma:             fp(0.99),
			GAELambda:         fp(0.95),
			MaxGradNorm:       fp(0.5),
			UseGAE:            bp(true),
		},
	}
}

func pipelineConfig(stages ...config.StageConfig) *config.Config {
	return &config.Config{
		Experiment: config.ExperimentConfig{Name: "T", OutputDir: "/tmp/t"},
		Machine:    config.MachineConfig{NumProcesses: 4, ValidProcesses: 1},
		Pipeline: config.PipelineConfig{
			Optimizer: config.OptimizerConfig{Kind: "adam", LR: 1e-3},
			Stages:    stages,
		},
	}
}

func newRegistry() *LossRegistry {
	r := NewLossRegistry()
	r.Register(losses.NewA2C(0.5, 0.01))
	r.RegisterOffPolicy(&losses.BehaviorClone{})
	return r
}

func TestNewStageRuntime(t *testing.T) {
	t.Run("RolloutBudgetTruncates", func(t *testing.T) {
		// 1000 steps / 50 per rollout = 20 rollouts across processes,
		// integer-divided by 4 processes: 5 full rollouts, 1000 steps
		cfg := pipelineConfig(stageConfig("main", 1000, 50))
		rt, err := NewStageRuntime(cfg, 0, newRegistry(), 4, nil)
		require.NoError(t, err)
		assert.Equal(t, 5, rt.NumRollouts)
		assert.Equal(t, int64(1000), rt.BudgetedSteps)
	})

	t.Run("RemainderIsDropped", func(t *testing.T) {
		cfg := pipelineConfig(stageConfig("main", 1099, 50))
		rt, err := NewStageRuntime(cfg, 0, newRegistry(), 4, nil)
		require.NoError(t, err)
		assert.Equal(t, 5, rt.NumRollouts)
		assert.Equal(t, int64(1000), rt.BudgetedSteps)
	})

	t.Run("UnknownLoss", func(t *testing.T) {
		stage := stageConfig("main", 1000, 50)
		stage.LossNames = []string{"nope"}
		cfg := pipelineConfig(stage)
		_, err := NewStageRuntime(cfg, 0, newRegistry(), 4, nil)
		assert.True(t, errors.Is(err, errors.ErrConfigUnknownLoss.Code))
	})

	t.Run("OffPolicyNeedsSource", func(t *testing.T) {
		stage := stageConfig("main", 1000, 50)
		stage.OffPolicy = &config.OffPolicyConfig{
			LossNames: []string{"bc"},
			Updates:   2,
			BatchSize: 8,
		}
		cfg := pipelineConfig(stage)
		_, err := NewStageRuntime(cfg, 0, newRegistry(), 4, nil)
		assert.Error(t, err)
	})
}

func TestDecaySchedule(t *testing.T) {
	d := NewDecaySchedule(&config.DecayConfig{Start: 1.0, End: 0.0, Steps: 100})

	assert.InDelta(t, 1.0, d.At(0), 1e-12)
	assert.InDelta(t, 0.5, d.At(50), 1e-12)
	assert.InDelta(t, 0.0, d.At(100), 1e-12)
	assert.InDelta(t, 0.0, d.At(5000), 1e-12)
}

func TestEarlyStopMet(t *testing.T) {
	stage := stageConfig("main", 1000, 50)
	stage.EarlyStopping = &config.EarlyStoppingConfig{
		Metric:    "success",
		Threshold: 0.9,
		Direction: "above",
	}
	cfg := pipelineConfig(stage)
	rt, err := NewStageRuntime(cfg, 0, newRegistry(), 4, nil)
	require.NoError(t, err)

	t.Run("NoSamplesNeverFires", func(t *testing.T) {
		assert.False(t, rt.EarlyStopMet(NewScalarMeanTracker()))
	})

	t.Run("AboveThreshold", func(t *testing.T) {
		tr := NewScalarMeanTracker()
		tr.AddScalars(map[string]float64{"success": 0.95})
		assert.True(t, rt.EarlyStopMet(tr))
	})

	t.Run("BelowThresholdDoesNotFire", func(t *testing.T) {
		tr := NewScalarMeanTracker()
		tr.AddScalars(map[string]float64{"success": 0.5})
		assert.False(t, rt.EarlyStopMet(tr))
	})

	t.Run("BelowDirection", func(t *testing.T) {
		stage := stageConfig("main", 1000, 50)
		stage.EarlyStopping = &config.EarlyStoppingConfig{
			Metric:    "loss",
			Threshold: 0.1,
			Direction: "below",
		}
		rt, err := NewStageRuntime(pipelineConfig(stage), 0, newRegistry(), 4, nil)
		require.NoError(t, err)

		tr := NewScalarMeanTracker()
		tr.AddScalars(map[string]float64{"loss": 0.05})
		assert.True(t, rt.EarlyStopMet(tr))
	})
}

func TestScalarMeanTracker(t *testing.T) {
	t.Run("MeansAcrossAdds", func(t *testing.T) {
		tr := NewScalarMeanTracker()
		tr.AddScalars(map[string]float64{"reward": 1, "length": 10})
		tr.AddScalars(map[string]float64{"reward": 3})

		means := tr.Means()
		assert.InDelta(t, 2.0, means["reward"], 1e-12)
		assert.InDelta(t, 10.0, means["length"], 1e-12)
	})

	t.Run("PopAndReset", func(t *testing.T) {
		tr := NewScalarMeanTracker()
		tr.AddScalars(map[string]float64{"reward": 4})

		means := tr.PopAndReset()
		assert.InDelta(t, 4.0, means["reward"], 1e-12)
		assert.True(t, tr.Empty())
	})
}

func TestDrainMetrics(t *testing.T) {
	ch := make(chan types.Envelope, 8)
	ch <- types.Envelope{Kind: types.PackageTask, Scalars: map[string]float64{"ep_length": 5}}
	ch <- types.Envelope{Kind: types.PackageUpdate, Scalars: map[string]float64{"total_loss": 0.3}}
	ch <- types.Envelope{Kind: types.PackageValidMetrics, Eval: &types.EvalResult{}}

	tr := NewScalarMeanTracker()
	agg := DrainMetrics(ch, tr)

	assert.Equal(t, 3, agg.Drained)
	require.Len(t, agg.Eval, 1)
	assert.Equal(t, types.PackageValidMetrics, agg.Eval[0].Kind)

	means := tr.Means()
	assert.InDelta(t, 5.0, means["ep_length"], 1e-12)
	assert.InDelta(t, 0.3, means["total_loss"], 1e-12)

	// channel is left open and empty
	select {
	case <-ch:
		t.Fatal("channel should be drained")
	default:
	}
}

//Personal.AI order the ending
