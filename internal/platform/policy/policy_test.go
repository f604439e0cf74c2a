// internal/platform/policy/policy_test.go
package policy

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrle/openrle/pkg/types"
)

func TestOutputDistribution(t *testing.T) {
	out := &Output{
		Logits: [][]float64{{2, 1, 0}, {0, 0, 10}},
		Values: []float64{0.5, -0.5},
	}

	t.Run("LogProbsNormalize", func(t *testing.T) {
		for _, row := range out.Probs() {
			sum := 0.0
			for _, p := range row {
				sum += p
			}
			assert.InDelta(t, 1.0, sum, 1e-12)
		}
	})

	t.Run("Mode", func(t *testing.T) {
		assert.Equal(t, []int64{0, 2}, out.Mode())
	})

	t.Run("SampleRespectsSupport", func(t *testing.T) {
		rng := rand.New(rand.NewSource(3))
		counts := map[int64]int{}
		for i := 0; i < 1000; i++ {
			counts[out.Sample(rng)[1]]++
		}
		// logit 10 vs 0: action 2 dominates
		assert.Greater(t, counts[2], 990)
	})

	t.Run("EntropyBounds", func(t *testing.T) {
		uniform := &Output{Logits: [][]float64{{1, 1, 1}}}
		h := uniform.Entropy()[0]
		assert.InDelta(t, math.Log(3), h, 1e-12)
		assert.Less(t, out.Entropy()[1], h)
	})

	t.Run("ActionLogProbsMatchLogSoftmax", func(t *testing.T) {
		lp := out.LogProbs()
		got := out.ActionLogProbs([]int64{1, 2})
		assert.InDelta(t, lp[0][1], got[0], 1e-12)
		assert.InDelta(t, lp[1][2], got[1], 1e-12)
	})
}

func TestLinearModel(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	model := NewLinear("state", 3, 2, rng)

	obs := types.ObservationBatch{"state": {{0.5, -1.0, 2.0}, {1.0, 0.0, -0.5}}}

	t.Run("ForwardShapes", func(t *testing.T) {
		out, mem, err := model.Forward(obs, types.Memory{}, []int64{0, 0}, []float64{1, 1})
		require.NoError(t, err)
		assert.Len(t, out.Logits, 2)
		assert.Len(t, out.Logits[0], 2)
		assert.Len(t, out.Values, 2)
		assert.Empty(t, mem)
	})

	t.Run("MissingObservationKey", func(t *testing.T) {
		_, _, err := model.Forward(types.ObservationBatch{}, types.Memory{}, nil, nil)
		require.Error(t, err)
	})

	t.Run("BackwardMatchesFiniteDifference", func(t *testing.T) {
		// scalar objective: sum of logits[p][0] plus values, so
		// dLogits = [[1,0],[1,0]], dValues = [1,1]
		objective := func() float64 {
			out, _, err := model.Forward(obs, types.Memory{}, nil, nil)
			require.NoError(t, err)
			total := 0.0
			for p := range out.Values {
				total += out.Logits[p][0] + out.Values[p]
			}
			return total
		}

		grad, err := model.Backward(obs, [][]float64{{1, 0}, {1, 0}}, []float64{1, 1})
		require.NoError(t, err)

		params := model.Params()
		eps := 1e-6
		for i := range params {
			orig := params[i]
			params[i] = orig + eps
			plus := objective()
			params[i] = orig - eps
			minus := objective()
			params[i] = orig
			assert.InDelta(t, (plus-minus)/(2*eps), grad[i], 1e-5, "param %d", i)
		}
	})

	t.Run("SetParamsRoundTrip", func(t *testing.T) {
		saved := append([]float64(nil), model.Params()...)
		other := NewLinear("state", 3, 2, rand.New(rand.NewSource(99)))
		require.NoError(t, other.SetParams(saved))
		assert.Equal(t, saved, other.Params())
		require.Error(t, other.SetParams([]float64{1}))
	})
}

func TestOptimizers(t *testing.T) {
	t.Run("SGDDescends", func(t *testing.T) {
		opt := NewSGD(0.1, 0.9, 0)
		params := []float64{1.0}
		// minimize x^2, grad = 2x
		for i := 0; i < 200; i++ {
			require.NoError(t, opt.Step(params, []float64{2 * params[0]}))
		}
		assert.InDelta(t, 0.0, params[0], 1e-3)
	})

	t.Run("AdamDescends", func(t *testing.T) {
		opt := NewAdam(0.01, 0)
		params := []float64{3.0}
		for i := 0; i < 1000; i++ {
			require.NoError(t, opt.Step(params, []float64{2 * params[0]}))
		}
		assert.InDelta(t, 0.0, params[0], 0.05)
	})

	t.Run("StateRoundTripContinuesIdentically", func(t *testing.T) {
		run := func(restore bool) []float64 {
			opt := NewAdam(0.05, 0.01)
			params := []float64{1.0, -2.0}
			for i := 0; i < 10; i++ {
				require.NoError(t, opt.Step(params, []float64{params[0], params[1]}))
			}
			if restore {
				state := opt.StateDict()
				opt = NewAdam(0.9, 0.5) // deliberately different construction
				require.NoError(t, opt.LoadStateDict(state))
			}
			for i := 0; i < 10; i++ {
				require.NoError(t, opt.Step(params, []float64{params[0], params[1]}))
			}
			return params
		}
		assert.Equal(t, run(false), run(true))
	})

	t.Run("KindMismatch", func(t *testing.T) {
		sgd := NewSGD(0.1, 0, 0)
		require.Error(t, sgd.LoadStateDict(&OptimizerState{Kind: "adam"}))
	})
}

func TestClipGradNorm(t *testing.T) {
	grads := []float64{3, 4}
	norm := ClipGradNorm(grads, 1.0)
	assert.InDelta(t, 5.0, norm, 1e-12)
	assert.InDelta(t, 0.6, grads[0], 1e-9)
	assert.InDelta(t, 0.8, grads[1], 1e-9)

	small := []float64{0.1}
	ClipGradNorm(small, 1.0)
	assert.InDelta(t, 0.1, small[0], 1e-12)
}

func TestLinearDecay(t *testing.T) {
	sched := NewLinearDecay(1.0, 0.1, 100)
	opt := NewSGD(1.0, 0, 0)

	sched.Step(opt, 0)
	assert.InDelta(t, 1.0, opt.LR(), 1e-12)
	sched.Step(opt, 50)
	assert.InDelta(t, 0.55, opt.LR(), 1e-12)
	sched.Step(opt, 100)
	assert.InDelta(t, 0.1, opt.LR(), 1e-12)
	sched.Step(opt, 1000)
	assert.InDelta(t, 0.1, opt.LR(), 1e-12)

	state := sched.StateDict()
	restored := NewLinearDecay(0, 0, 1)
	restored.LoadStateDict(state)
	assert.InDelta(t, sched.Rate(75), restored.Rate(75), 1e-12)
}

//Personal.AI order the ending
