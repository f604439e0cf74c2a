// internal/platform/losses/losses_test.go
package losses

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrle/openrle/internal/platform/policy"
	"github.com/openrle/openrle/internal/platform/rollout"
	"github.com/openrle/openrle/pkg/types"
)

func testBatch(rng *rand.Rand, n int) *rollout.Batch {
	obs := make([][]float64, n)
	actions := make([]int64, n)
	returns := make([]float64, n)
	advantages := make([]float64, n)
	oldLogProbs := make([]float64, n)
	for i := 0; i < n; i++ {
		obs[i] = []float64{rng.NormFloat64(), rng.NormFloat64()}
		actions[i] = int64(rng.Intn(3))
		returns[i] = rng.NormFloat64()
		advantages[i] = rng.NormFloat64()
		oldLogProbs[i] = -math.Log(3) + 0.1*rng.NormFloat64()
	}
	return &rollout.Batch{
		Observations:  types.ObservationBatch{"state": obs},
		InitialMemory: types.Memory{},
		Actions:       actions,
		Returns:       returns,
		Advantages:    advantages,
		OldLogProbs:   oldLogProbs,
		NumSteps:      n,
		NumProcesses:  1,
	}
}

func checkGradient(t *testing.T, loss ActorCriticLoss, model policy.Model, batch *rollout.Batch) {
	t.Helper()
	result, err := loss.Compute(model, batch)
	require.NoError(t, err)
	require.True(t, result.Valid())

	params := model.Params()
	eps := 1e-6
	for i := range params {
		orig := params[i]
		params[i] = orig + eps
		plus, err := loss.Compute(model, batch)
		require.NoError(t, err)
		params[i] = orig - eps
		minus, err := loss.Compute(model, batch)
		require.NoError(t, err)
		params[i] = orig
		assert.InDelta(t, (plus.Value-minus.Value)/(2*eps), result.Grad[i], 1e-4, "param %d", i)
	}
}

func TestA2C(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	model := policy.NewLinear("state", 2, 3, rng)
	batch := testBatch(rng, 8)

	t.Run("GradientMatchesFiniteDifference", func(t *testing.T) {
		checkGradient(t, NewA2C(0.5, 0.01), model, batch)
	})

	t.Run("InfoBreakdown", func(t *testing.T) {
		loss := NewA2C(0.5, 0.01)
		result, err := loss.Compute(model, batch)
		require.NoError(t, err)
		assert.Contains(t, result.Info, "actor")
		assert.Contains(t, result.Info, "value")
		assert.Contains(t, result.Info, "entropy")
		assert.InDelta(t,
			result.Info["actor"]+0.5*result.Info["value"]-0.01*result.Info["entropy"],
			result.Value, 1e-12)
	})
}

func TestPPOClip(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	model := policy.NewLinear("state", 2, 3, rng)

	t.Run("GradientMatchesFiniteDifferenceWhenUnclipped", func(t *testing.T) {
		// old log-probs equal to the current policy keep every ratio at 1,
		// well inside the clip region, where the surrogate is smooth
		batch := testBatch(rng, 8)
		out, _, err := model.Forward(batch.Observations, types.Memory{}, nil, nil)
		require.NoError(t, err)
		batch.OldLogProbs = out.ActionLogProbs(batch.Actions)

		checkGradient(t, NewPPOClip(0.2, 0.5, 0.01), model, batch)
	})

	t.Run("ClippedFractionReported", func(t *testing.T) {
		batch := testBatch(rng, 16)
		// wildly off behavior log-probs force clipping
		for i := range batch.OldLogProbs {
			batch.OldLogProbs[i] = -10
			batch.Advantages[i] = 1
		}
		result, err := NewPPOClip(0.2, 0.5, 0.0).Compute(model, batch)
		require.NoError(t, err)
		assert.Greater(t, result.Info["clipped_frac"], 0.0)
	})
}

func TestBehaviorClone(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	model := policy.NewLinear("state", 2, 3, rng)

	batch := &OffPolicyBatch{
		Observations: types.ObservationBatch{"state": {{0.5, -0.5}, {1.0, 2.0}}},
		Actions:      []int64{0, 2},
	}

	loss := &BehaviorClone{}

	t.Run("GradientMatchesFiniteDifference", func(t *testing.T) {
		result, mem, err := loss.Compute(model, batch, types.Memory{})
		require.NoError(t, err)
		require.True(t, result.Valid())
		require.NotNil(t, mem)

		params := model.Params()
		eps := 1e-6
		for i := range params {
			orig := params[i]
			params[i] = orig + eps
			plus, _, err := loss.Compute(model, batch, types.Memory{})
			require.NoError(t, err)
			params[i] = orig - eps
			minus, _, err := loss.Compute(model, batch, types.Memory{})
			require.NoError(t, err)
			params[i] = orig
			assert.InDelta(t, (plus.Value-minus.Value)/(2*eps), result.Grad[i], 1e-4, "param %d", i)
		}
	})

	t.Run("MemoryAccumulates", func(t *testing.T) {
		_, mem, err := loss.Compute(model, batch, types.Memory{})
		require.NoError(t, err)
		_, mem, err = loss.Compute(model, batch, mem)
		require.NoError(t, err)
		assert.Equal(t, 4.0, mem["bc_count"][0][0])
	})
}

func TestResultValid(t *testing.T) {
	assert.False(t, (&Result{}).Valid())
	assert.False(t, (&Result{Value: math.NaN(), Grad: []float64{1}}).Valid())
	assert.False(t, (&Result{Value: 1, Grad: []float64{math.Inf(1)}}).Valid())
	assert.True(t, (&Result{Value: 1, Grad: []float64{0.5}}).Valid())

	var nilResult *Result
	assert.False(t, nilResult.Valid())
}

//Personal.AI order the ending
