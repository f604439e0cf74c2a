// Package types provides shared data structures for OpenRLE.
// These types cross package boundaries between the worker pool, rollout
// storage, training engine, and validator.
package types

// ============================================================================
// Observation Types
// ============================================================================

// Observation is a single environment observation: named feature vectors
// for one process. A nil Observation is the sentinel for a paused process.
type Observation map[string][]float64

// ObservationBatch groups observations across the process dimension:
// key -> [P][dim]. Process order is preserved end-to-end.
type ObservationBatch map[string][][]float64

// Memory holds recurrent hidden state: key -> [P][hidden], one key per
// recurrent layer. An empty map denotes a stateless model.
type Memory map[string][][]float64

// Clone deep-copies a memory map. Used to detach persistent off-policy
// memory so loss implementations cannot alias storage across batches.
func (m Memory) Clone() Memory {
	if m == nil {
		return nil
	}
	out := make(Memory, len(m))
	for k, rows := range m {
		cp := make([][]float64, len(rows))
		for i, row := range rows {
			cp[i] = append([]float64(nil), row...)
		}
		out[k] = cp
	}
	return out
}

// Select projects the process dimension of every key onto keep, preserving
// order.
func (m Memory) Select(keep []int) Memory {
	if m == nil {
		return nil
	}
	out := make(Memory, len(m))
	for k, rows := range m {
		sel := make([][]float64, 0, len(keep))
		for _, i := range keep {
			sel = append(sel, rows[i])
		}
		out[k] = sel
	}
	return out
}

// ============================================================================
// Worker Step Results
// ============================================================================

// StepResult is the outcome of stepping one environment.
type StepResult struct {
	// Observation after the step; nil if the process paused
	Observation Observation

	// Reward for the transition
	Reward float64

	// Done marks episode termination
	Done bool

	// Info carries auxiliary task information
	Info map[string]interface{}
}

// ============================================================================
// Metrics Envelope
// ============================================================================

// Envelope is a tagged metrics message delivered out-of-band on the
// metrics-out channel.
type Envelope struct {
	// Kind classifies the payload
	Kind PackageKind

	// Scalars is the scalar payload for task/update/teacher packages
	Scalars map[string]float64

	// Eval is the payload for valid/test metrics packages
	Eval *EvalResult
}

// EvalResult is the payload posted by the validator for one checkpoint.
type EvalResult struct {
	// Scalars maps metric name to (value, steps-at-evaluation)
	Scalars map[string]SteppedScalar `json:"scalars"`

	// Samples holds per-task result records from the evaluation rollout
	Samples []map[string]interface{} `json:"tasks"`

	// Frames holds rendered frames when video rendering is enabled
	Frames [][]byte `json:"-"`
}

// SteppedScalar pairs a metric value with the training step it was
// measured at.
type SteppedScalar struct {
	Value float64 `json:"value"`
	Steps int64   `json:"steps"`
}

//Personal.AI order the ending
