// internal/platform/policy/linear.go
package policy

import (
	"math/rand"

	"github.com/openrle/openrle/pkg/errors"
	"github.com/openrle/openrle/pkg/types"
)

// ============================================================================
// Linear Softmax Actor-Critic
// ============================================================================

// Linear is a stateless softmax actor-critic over a single feature vector
// observation. Parameters are stored flat: actor weights row-major
// [A][D+1] (bias last), then critic weights [D+1]. It is the reference
// model the bundled experiments train and the tests exercise.
type Linear struct {
	obsKey     string
	obsDim     int
	numActions int
	params     []float64
}

// NewLinear builds a linear model for feature key obsKey with obsDim inputs
// and numActions discrete actions, initialized from rng.
func NewLinear(obsKey string, obsDim, numActions int, rng *rand.Rand) *Linear {
	m := &Linear{
		obsKey:     obsKey,
		obsDim:     obsDim,
		numActions: numActions,
		params:     make([]float64, (numActions+1)*(obsDim+1)),
	}
	scale := 0.1
	for i := range m.params {
		m.params[i] = rng.NormFloat64() * scale
	}
	return m
}

func (m *Linear) NumActions() int { return m.numActions }

func (m *Linear) Params() []float64 { return m.params }

func (m *Linear) SetParams(params []float64) error {
	if len(params) != len(m.params) {
		return errors.InternalErrorf(
			"parameter vector length %d, model has %d", len(params), len(m.params))
	}
	copy(m.params, params)
	return nil
}

// InitialMemory returns an empty map: the model is stateless.
func (m *Linear) InitialMemory(numProcesses int) types.Memory { return types.Memory{} }

// actorWeight indexes the actor weight for action a, input d (d==obsDim is
// the bias).
func (m *Linear) actorWeight(a, d int) float64 {
	return m.params[a*(m.obsDim+1)+d]
}

func (m *Linear) criticBase() int { return m.numActions * (m.obsDim + 1) }

// Forward computes logits and values for the batch. prevActions and masks
// are part of the model contract but unused by a stateless linear model.
func (m *Linear) Forward(obs types.ObservationBatch, memory types.Memory, prevActions []int64, masks []float64) (*Output, types.Memory, error) {
	features, ok := obs[m.obsKey]
	if !ok {
		return nil, nil, errors.InternalErrorf("observation key %q missing", m.obsKey)
	}

	out := &Output{
		Logits: make([][]float64, len(features)),
		Values: make([]float64, len(features)),
	}
	cb := m.criticBase()
	for p, x := range features {
		if len(x) != m.obsDim {
			return nil, nil, errors.InternalErrorf(
				"observation dim %d, model expects %d", len(x), m.obsDim)
		}
		logits := make([]float64, m.numActions)
		for a := 0; a < m.numActions; a++ {
			z := m.actorWeight(a, m.obsDim)
			for d, v := range x {
				z += m.actorWeight(a, d) * v
			}
			logits[a] = z
		}
		value := m.params[cb+m.obsDim]
		for d, v := range x {
			value += m.params[cb+d] * v
		}
		out.Logits[p] = logits
		out.Values[p] = value
	}
	return out, types.Memory{}, nil
}

// Backward maps output-level gradients onto the flat parameter vector:
// d(z_pa)/d(W_ad) = x_pd and d(V_p)/d(w_d) = x_pd.
func (m *Linear) Backward(obs types.ObservationBatch, dLogits [][]float64, dValues []float64) ([]float64, error) {
	features, ok := obs[m.obsKey]
	if !ok {
		return nil, errors.InternalErrorf("observation key %q missing", m.obsKey)
	}

	grad := make([]float64, len(m.params))
	cb := m.criticBase()
	for p, x := range features {
		for a, dz := range dLogits[p] {
			base := a * (m.obsDim + 1)
			for d, v := range x {
				grad[base+d] += dz * v
			}
			grad[base+m.obsDim] += dz
		}
		dv := dValues[p]
		for d, v := range x {
			grad[cb+d] += dv * v
		}
		grad[cb+m.obsDim] += dv
	}
	return grad, nil
}

//Personal.AI order the ending
