// internal/platform/policy/model.go
package policy

import (
	"math"
	"math/rand"

	"github.com/openrle/openrle/pkg/types"
)

// ============================================================================
// Actor-Critic Model Contract
// ============================================================================

// Model is the actor-critic contract the engine trains against. Forward
// produces action logits and value estimates for a process batch; Backward
// maps gradients at the logit/value outputs onto a flat parameter-gradient
// vector so losses stay model-agnostic.
type Model interface {
	// Forward evaluates the batch. masks gate the recurrent state: a zero
	// mask resets the corresponding process's memory before the pass.
	Forward(obs types.ObservationBatch, memory types.Memory, prevActions []int64, masks []float64) (*Output, types.Memory, error)

	// Backward accumulates d(loss)/d(params) for output-level gradients
	// dLogits [P][A] and dValues [P].
	Backward(obs types.ObservationBatch, dLogits [][]float64, dValues []float64) ([]float64, error)

	// InitialMemory returns the zero recurrent state for numProcesses
	// processes; empty for stateless models.
	InitialMemory(numProcesses int) types.Memory

	// NumActions returns the size of the discrete action space.
	NumActions() int

	// Params returns the flat parameter vector. The slice aliases model
	// storage; optimizers update it in place.
	Params() []float64

	// SetParams overwrites the parameter vector, e.g. on checkpoint load.
	SetParams(params []float64) error
}

// ============================================================================
// Forward Output and Categorical Distribution
// ============================================================================

// Output is one forward pass over a process batch: per-process action
// logits and state-value estimates, with a categorical distribution view.
type Output struct {
	Logits [][]float64 // [P][A]
	Values []float64   // [P]
}

// LogProbs returns log-softmax over the logits, [P][A].
func (o *Output) LogProbs() [][]float64 {
	out := make([][]float64, len(o.Logits))
	for p, logits := range o.Logits {
		out[p] = logSoftmax(logits)
	}
	return out
}

// Probs returns softmax over the logits, [P][A].
func (o *Output) Probs() [][]float64 {
	lp := o.LogProbs()
	out := make([][]float64, len(lp))
	for p, row := range lp {
		probs := make([]float64, len(row))
		for a, v := range row {
			probs[a] = math.Exp(v)
		}
		out[p] = probs
	}
	return out
}

// Sample draws one action per process from the categorical distribution.
func (o *Output) Sample(rng *rand.Rand) []int64 {
	probs := o.Probs()
	actions := make([]int64, len(probs))
	for p, row := range probs {
		u := rng.Float64()
		cum := 0.0
		actions[p] = int64(len(row) - 1)
		for a, pr := range row {
			cum += pr
			if u < cum {
				actions[p] = int64(a)
				break
			}
		}
	}
	return actions
}

// Mode returns the argmax action per process (deterministic-agent mode).
func (o *Output) Mode() []int64 {
	actions := make([]int64, len(o.Logits))
	for p, logits := range o.Logits {
		best := 0
		for a, v := range logits {
			if v > logits[best] {
				best = a
			}
		}
		actions[p] = int64(best)
	}
	return actions
}

// ActionLogProbs returns the log-probability of the given action per
// process.
func (o *Output) ActionLogProbs(actions []int64) []float64 {
	lp := o.LogProbs()
	out := make([]float64, len(actions))
	for p, a := range actions {
		out[p] = lp[p][a]
	}
	return out
}

// Entropy returns the distribution entropy per process.
func (o *Output) Entropy() []float64 {
	lp := o.LogProbs()
	out := make([]float64, len(lp))
	for p, row := range lp {
		h := 0.0
		for _, v := range row {
			h -= math.Exp(v) * v
		}
		out[p] = h
	}
	return out
}

func logSoftmax(logits []float64) []float64 {
	max := math.Inf(-1)
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(v - max)
	}
	logZ := max + math.Log(sum)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = v - logZ
	}
	return out
}

//Personal.AI order the ending
