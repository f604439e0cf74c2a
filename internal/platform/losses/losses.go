// internal/platform/losses/losses.go
package losses

import (
	"math"

	"github.com/openrle/openrle/internal/platform/policy"
	"github.com/openrle/openrle/internal/platform/rollout"
	"github.com/openrle/openrle/pkg/types"
)

// ============================================================================
// Loss Contracts
// ============================================================================

// Result is one loss evaluation: the scalar value, the gradient over the
// model's flat parameter vector, and a scalar breakdown for the metrics
// channel. A non-finite Value or empty Grad is the loss-anomaly case the
// engine recovers from by skipping the update.
type Result struct {
	Value float64
	Grad  []float64
	Info  map[string]float64
}

// Valid reports whether the result can drive a gradient step.
func (r *Result) Valid() bool {
	if r == nil || len(r.Grad) == 0 || math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return false
	}
	for _, g := range r.Grad {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return false
		}
	}
	return true
}

// ActorCriticLoss evaluates one named on-policy loss over a rollout
// mini-batch.
type ActorCriticLoss interface {
	Name() string
	Compute(model policy.Model, batch *rollout.Batch) (*Result, error)
}

// ============================================================================
// Off-Policy Contracts
// ============================================================================

// OffPolicyBatch is a fixed-size batch drawn from an off-policy data
// source: stored observations and the actions taken in them.
type OffPolicyBatch struct {
	Observations types.ObservationBatch
	Actions      []int64
}

// OffPolicyIterator yields batches until the underlying data is exhausted.
type OffPolicyIterator interface {
	// Next returns the next batch, or false when exhausted. Iterators are
	// non-restartable; the engine rebuilds one per epoch.
	Next(batchSize int) (*OffPolicyBatch, bool)
}

// OffPolicySource builds fresh iterators over an independently maintained
// data stream.
type OffPolicySource interface {
	NewIterator() OffPolicyIterator
}

// OffPolicyLoss evaluates one named off-policy loss. It receives the
// persistent cross-batch memory and returns its updated value; the engine
// detaches (deep-copies) the memory after every update and clears it when
// the source is rebuilt.
type OffPolicyLoss interface {
	Name() string
	Compute(model policy.Model, batch *OffPolicyBatch, memory types.Memory) (*Result, types.Memory, error)
}

// ============================================================================
// A2C Loss
// ============================================================================

// A2C is the advantage actor-critic loss: policy gradient weighted by
// precomputed advantages, a squared value-error term, and an entropy bonus.
type A2C struct {
	ValueCoef   float64
	EntropyCoef float64
}

// NewA2C builds the loss with the usual coefficients.
func NewA2C(valueCoef, entropyCoef float64) *A2C {
	return &A2C{ValueCoef: valueCoef, EntropyCoef: entropyCoef}
}

func (l *A2C) Name() string { return "a2c" }

func (l *A2C) Compute(model policy.Model, batch *rollout.Batch) (*Result, error) {
	out, _, err := model.Forward(batch.Observations, batch.InitialMemory, batch.PrevActions, batch.Masks)
	if err != nil {
		return nil, err
	}

	n := float64(len(batch.Actions))
	probs := out.Probs()
	logProbs := out.LogProbs()
	entropies := out.Entropy()

	actorLoss := 0.0
	valueLoss := 0.0
	entropy := 0.0
	dLogits := make([][]float64, len(batch.Actions))
	dValues := make([]float64, len(batch.Actions))

	for i, action := range batch.Actions {
		adv := batch.Advantages[i]
		actorLoss -= logProbs[i][action] * adv / n

		diff := out.Values[i] - batch.Returns[i]
		valueLoss += diff * diff / n
		dValues[i] = 2 * l.ValueCoef * diff / n

		entropy += entropies[i] / n

		row := make([]float64, len(probs[i]))
		for a, p := range probs[i] {
			// policy-gradient term
			g := p * adv / n
			if int64(a) == action {
				g -= adv / n
			}
			// entropy-bonus term: d(-H)/dz_a = p_a*(log p_a + H)
			g += l.EntropyCoef * p * (logProbs[i][a] + entropies[i]) / n
			row[a] = g
		}
		dLogits[i] = row
	}

	grad, err := model.Backward(batch.Observations, dLogits, dValues)
	if err != nil {
		return nil, err
	}

	total := actorLoss + l.ValueCoef*valueLoss - l.EntropyCoef*entropy
	return &Result{
		Value: total,
		Grad:  grad,
		Info: map[string]float64{
			"total":   total,
			"actor":   actorLoss,
			"value":   valueLoss,
			"entropy": entropy,
		},
	}, nil
}

// ============================================================================
// PPO Clip Loss
// ============================================================================

// PPOClip is the clipped-surrogate PPO loss with value and entropy terms,
// using the rollout's stored log-probs as the behavior policy.
type PPOClip struct {
	ClipParam   float64
	ValueCoef   float64
	EntropyCoef float64
}

// NewPPOClip builds the loss with clipping radius clipParam.
func NewPPOClip(clipParam, valueCoef, entropyCoef float64) *PPOClip {
	return &PPOClip{ClipParam: clipParam, ValueCoef: valueCoef, EntropyCoef: entropyCoef}
}

func (l *PPOClip) Name() string { return "ppo" }

func (l *PPOClip) Compute(model policy.Model, batch *rollout.Batch) (*Result, error) {
	out, _, err := model.Forward(batch.Observations, batch.InitialMemory, batch.PrevActions, batch.Masks)
	if err != nil {
		return nil, err
	}

	n := float64(len(batch.Actions))
	probs := out.Probs()
	logProbs := out.LogProbs()
	entropies := out.Entropy()

	actorLoss := 0.0
	valueLoss := 0.0
	entropy := 0.0
	clipped := 0.0
	dLogits := make([][]float64, len(batch.Actions))
	dValues := make([]float64, len(batch.Actions))

	for i, action := range batch.Actions {
		adv := batch.Advantages[i]
		ratio := math.Exp(logProbs[i][action] - batch.OldLogProbs[i])
		clippedRatio := math.Max(1-l.ClipParam, math.Min(1+l.ClipParam, ratio))

		surr := ratio * adv
		surrClipped := clippedRatio * adv
		actorLoss -= math.Min(surr, surrClipped) / n

		// gradient flows only through the unclipped branch when it is the
		// active minimum
		gradScale := 0.0
		if surr <= surrClipped {
			gradScale = ratio * adv / n
		} else {
			clipped += 1 / n
		}

		diff := out.Values[i] - batch.Returns[i]
		valueLoss += diff * diff / n
		dValues[i] = 2 * l.ValueCoef * diff / n

		entropy += entropies[i] / n

		row := make([]float64, len(probs[i]))
		for a, p := range probs[i] {
			g := 0.0
			if gradScale != 0 {
				// d(-ratio*adv)/dz_a = -ratio*adv * (1{a} - p_a)
				if int64(a) == action {
					g -= gradScale * (1 - p)
				} else {
					g += gradScale * p
				}
			}
			g += l.EntropyCoef * p * (logProbs[i][a] + entropies[i]) / n
			row[a] = g
		}
		dLogits[i] = row
	}

	grad, err := model.Backward(batch.Observations, dLogits, dValues)
	if err != nil {
		return nil, err
	}

	total := actorLoss + l.ValueCoef*valueLoss - l.EntropyCoef*entropy
	return &Result{
		Value: total,
		Grad:  grad,
		Info: map[string]float64{
			"total":        total,
			"actor":        actorLoss,
			"value":        valueLoss,
			"entropy":      entropy,
			"clipped_frac": clipped,
		},
	}, nil
}

// ============================================================================
// Off-Policy Behavior Cloning
// ============================================================================

// BehaviorClone is the reference off-policy loss: cross-entropy of the
// current policy against stored actions. It keeps a running sample count in
// the persistent memory under "bc_count".
type BehaviorClone struct{}

func (l *BehaviorClone) Name() string { return "bc" }

func (l *BehaviorClone) Compute(model policy.Model, batch *OffPolicyBatch, memory types.Memory) (*Result, types.Memory, error) {
	out, _, err := model.Forward(batch.Observations, types.Memory{}, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	n := float64(len(batch.Actions))
	probs := out.Probs()
	logProbs := out.LogProbs()

	loss := 0.0
	dLogits := make([][]float64, len(batch.Actions))
	dValues := make([]float64, len(batch.Actions))
	for i, action := range batch.Actions {
		loss -= logProbs[i][action] / n
		row := make([]float64, len(probs[i]))
		for a, p := range probs[i] {
			g := p / n
			if int64(a) == action {
				g -= 1 / n
			}
			row[a] = g
		}
		dLogits[i] = row
	}

	grad, err := model.Backward(batch.Observations, dLogits, dValues)
	if err != nil {
		return nil, nil, err
	}

	if memory == nil {
		memory = types.Memory{}
	}
	count := 0.0
	if rows, ok := memory["bc_count"]; ok && len(rows) > 0 && len(rows[0]) > 0 {
		count = rows[0][0]
	}
	memory["bc_count"] = [][]float64{{count + n}}

	return &Result{
		Value: loss,
		Grad:  grad,
		Info:  map[string]float64{"total": loss, "samples_seen": count + n},
	}, memory, nil
}

//Personal.AI order the ending
