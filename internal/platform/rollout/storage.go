// internal/platform/rollout/storage.go
package rollout

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/openrle/openrle/pkg/errors"
	"github.com/openrle/openrle/pkg/types"
)

// ============================================================================
// Rollout Storage
// ============================================================================

// Storage is a fixed-horizon temporal window over num-processes parallel
// environments. Observations, masks, value predictions, and returns span
// numSteps+1 slots; actions, log-probs, and rewards span numSteps. All arrays
// share the same process-dimension ordering, and masks[t]=0 marks an episode
// boundary that return computation must not bootstrap across.
type Storage struct {
	numSteps     int
	numProcesses int

	// Write cursor, in [0, numSteps]. Insert writes transition t at cursor
	// step and advances it.
	step int

	// Observations: key -> [T+1][P][dim]
	Observations map[string][][][]float64

	// Memory: recurrent hidden state per timestep, key -> [P][hidden].
	// Empty per-slot maps when the model is stateless.
	Memory []types.Memory

	// Actions and PrevActions are discrete per-process actions; PrevActions
	// is offset by one so PrevActions[t] feeds the forward pass at t.
	Actions     [][]int64 // [T][P]
	PrevActions [][]int64 // [T+1][P]

	ActionLogProbs [][]float64 // [T][P]
	ValuePreds     [][]float64 // [T+1][P]
	Rewards        [][]float64 // [T][P]
	Returns        [][]float64 // [T+1][P]
	Masks          [][]float64 // [T+1][P]
}

// New allocates storage for a stage sized by (numSteps, numProcesses).
// Slot 0 is seeded by InsertInitialObservations before any transition.
func New(numSteps, numProcesses int) *Storage {
	s := &Storage{
		numSteps:       numSteps,
		numProcesses:   numProcesses,
		Observations:   make(map[string][][][]float64),
		Memory:         make([]types.Memory, numSteps+1),
		Actions:        zeroInt2D(numSteps, numProcesses),
		PrevActions:    zeroInt2D(numSteps+1, numProcesses),
		ActionLogProbs: zero2D(numSteps, numProcesses),
		ValuePreds:     zero2D(numSteps+1, numProcesses),
		Rewards:        zero2D(numSteps, numProcesses),
		Returns:        zero2D(numSteps+1, numProcesses),
		Masks:          zero2D(numSteps+1, numProcesses),
	}
	for t := range s.Memory {
		s.Memory[t] = types.Memory{}
	}
	return s
}

// NumSteps returns the rollout horizon T.
func (s *Storage) NumSteps() int { return s.numSteps }

// NumProcesses returns the current (possibly reduced) process count.
func (s *Storage) NumProcesses() int { return s.numProcesses }

// Step returns the current write cursor.
func (s *Storage) Step() int { return s.step }

// ============================================================================
// Insertion
// ============================================================================

// InsertInitialObservations seeds slot 0 with the observations the first
// transition will be computed from.
func (s *Storage) InsertInitialObservations(obs types.ObservationBatch) error {
	for key, batch := range obs {
		if len(batch) != s.numProcesses {
			return errors.InternalErrorf(
				"initial observations for %q have %d processes, storage has %d",
				key, len(batch), s.numProcesses)
		}
		if _, ok := s.Observations[key]; !ok {
			s.Observations[key] = make([][][]float64, s.numSteps+1)
		}
		s.Observations[key][0] = copyBatch(batch)
	}
	return nil
}

// InsertInitialMemory seeds slot 0 with the model's initial recurrent state.
func (s *Storage) InsertInitialMemory(mem types.Memory) {
	s.Memory[0] = mem.Clone()
}

// Insert appends one transition at the write cursor and advances it. The
// observation and memory are the post-step state (slot step+1); actions,
// log-probs, value predictions, and rewards belong to slot step; masks are
// the post-step episode-boundary indicators (slot step+1).
func (s *Storage) Insert(
	obs types.ObservationBatch,
	mem types.Memory,
	actions []int64,
	actionLogProbs []float64,
	valuePreds []float64,
	rewards []float64,
	masks []float64,
) error {
	if s.step >= s.numSteps {
		return errors.InternalErrorf("insert past rollout horizon (step %d of %d)", s.step, s.numSteps)
	}
	if len(actions) != s.numProcesses {
		return errors.InternalErrorf(
			"insert with %d actions for %d processes", len(actions), s.numProcesses)
	}

	t := s.step
	for key, batch := range obs {
		if _, ok := s.Observations[key]; !ok {
			s.Observations[key] = make([][][]float64, s.numSteps+1)
		}
		s.Observations[key][t+1] = copyBatch(batch)
	}
	s.Memory[t+1] = mem.Clone()

	copy(s.Actions[t], actions)
	copy(s.PrevActions[t+1], actions)
	copy(s.ActionLogProbs[t], actionLogProbs)
	copy(s.ValuePreds[t], valuePreds)
	copy(s.Rewards[t], rewards)
	copy(s.Masks[t+1], masks)

	s.step = t + 1
	return nil
}

// ============================================================================
// Process-Dimension Reshaping
// ============================================================================

// Reshape projects every array onto the kept process indices, in order.
// Used when environments pause mid-rollout; dropped processes stay dropped
// for the remainder of the rollout. Reshaping to the full identity set is a
// no-op, which makes the operation idempotent.
func (s *Storage) Reshape(keep []int) {
	if len(keep) == s.numProcesses && isIdentity(keep) {
		return
	}

	for key, slots := range s.Observations {
		for t, batch := range slots {
			if batch == nil {
				continue
			}
			s.Observations[key][t] = selectRowsF(batch, keep)
		}
	}
	for t, mem := range s.Memory {
		s.Memory[t] = mem.Select(keep)
	}
	for t := range s.Actions {
		s.Actions[t] = selectInt(s.Actions[t], keep)
		s.ActionLogProbs[t] = selectFloat(s.ActionLogProbs[t], keep)
		s.Rewards[t] = selectFloat(s.Rewards[t], keep)
	}
	for t := range s.ValuePreds {
		s.PrevActions[t] = selectInt(s.PrevActions[t], keep)
		s.ValuePreds[t] = selectFloat(s.ValuePreds[t], keep)
		s.Returns[t] = selectFloat(s.Returns[t], keep)
		s.Masks[t] = selectFloat(s.Masks[t], keep)
	}

	s.numProcesses = len(keep)
}

// ============================================================================
// Return Computation
// ============================================================================

// ComputeReturns walks the horizon backward from the bootstrap value of the
// final state. With GAE, advantages accumulate an exponential trace over
// temporal-difference residuals; without, plain discounted bootstrap. A zero
// mask at t+1 cuts both recurrences so estimates never propagate across an
// episode boundary.
func (s *Storage) ComputeReturns(nextValue []float64, useGAE bool, gamma, gaeLambda float64) {
	horizon := s.step
	copy(s.ValuePreds[horizon], nextValue)

	if useGAE {
		gae := make([]float64, s.numProcesses)
		for t := horizon - 1; t >= 0; t-- {
			for p := 0; p < s.numProcesses; p++ {
				delta := s.Rewards[t][p] +
					gamma*s.ValuePreds[t+1][p]*s.Masks[t+1][p] -
					s.ValuePreds[t][p]
				gae[p] = delta + gamma*gaeLambda*s.Masks[t+1][p]*gae[p]
				s.Returns[t][p] = gae[p] + s.ValuePreds[t][p]
			}
		}
		return
	}

	copy(s.Returns[horizon], nextValue)
	for t := horizon - 1; t >= 0; t-- {
		for p := 0; p < s.numProcesses; p++ {
			s.Returns[t][p] = s.Rewards[t][p] +
				gamma*s.Returns[t+1][p]*s.Masks[t+1][p]
		}
	}
}

// Advantages returns returns-minus-value-predictions over the filled horizon.
func (s *Storage) Advantages() [][]float64 {
	adv := zero2D(s.step, s.numProcesses)
	for t := 0; t < s.step; t++ {
		for p := 0; p < s.numProcesses; p++ {
			adv[t][p] = s.Returns[t][p] - s.ValuePreds[t][p]
		}
	}
	return adv
}

// NormalizedAdvantages standardizes advantages to zero mean and unit
// variance across the whole rollout.
func (s *Storage) NormalizedAdvantages() [][]float64 {
	adv := s.Advantages()
	flat := make([]float64, 0, s.step*s.numProcesses)
	for _, row := range adv {
		flat = append(flat, row...)
	}
	if len(flat) == 0 {
		return adv
	}

	mean, std := stat.MeanStdDev(flat, nil)
	if math.IsNaN(std) || std < 1e-8 {
		std = 1e-8
	}
	for t := range adv {
		for p := range adv[t] {
			adv[t][p] = (adv[t][p] - mean) / std
		}
	}
	return adv
}

// ============================================================================
// Rotation
// ============================================================================

// AfterUpdate rotates the final timestep into slot 0 for the next rollout
// and resets the write cursor. Transition slots keep stale values; they are
// fully overwritten before the next read.
func (s *Storage) AfterUpdate() {
	last := s.step
	for key := range s.Observations {
		if s.Observations[key][last] != nil {
			s.Observations[key][0] = s.Observations[key][last]
			for t := 1; t <= s.numSteps; t++ {
				s.Observations[key][t] = nil
			}
		}
	}
	s.Memory[0] = s.Memory[last]
	copy(s.PrevActions[0], s.PrevActions[last])
	copy(s.Masks[0], s.Masks[last])
	s.step = 0
}

// ============================================================================
// Current-Slot Accessors
// ============================================================================

// CurrentObservations returns the observation batch at the write cursor.
func (s *Storage) CurrentObservations() types.ObservationBatch {
	out := make(types.ObservationBatch, len(s.Observations))
	for key, slots := range s.Observations {
		out[key] = slots[s.step]
	}
	return out
}

// CurrentMemory returns the recurrent state at the write cursor.
func (s *Storage) CurrentMemory() types.Memory { return s.Memory[s.step] }

// CurrentPrevActions returns the previous actions feeding the next forward
// pass.
func (s *Storage) CurrentPrevActions() []int64 { return s.PrevActions[s.step] }

// CurrentMasks returns the episode-boundary masks at the write cursor.
func (s *Storage) CurrentMasks() []float64 { return s.Masks[s.step] }

// ============================================================================
// Helpers
// ============================================================================

func zero2D(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
	}
	return out
}

func zeroInt2D(rows, cols int) [][]int64 {
	out := make([][]int64, rows)
	for i := range out {
		out[i] = make([]int64, cols)
	}
	return out
}

func copyBatch(batch [][]float64) [][]float64 {
	out := make([][]float64, len(batch))
	for i, row := range batch {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

func selectRowsF(rows [][]float64, keep []int) [][]float64 {
	out := make([][]float64, 0, len(keep))
	for _, i := range keep {
		out = append(out, rows[i])
	}
	return out
}

func selectFloat(vals []float64, keep []int) []float64 {
	out := make([]float64, 0, len(keep))
	for _, i := range keep {
		out = append(out, vals[i])
	}
	return out
}

func selectInt(vals []int64, keep []int) []int64 {
	out := make([]int64, 0, len(keep))
	for _, i := range keep {
		out = append(out, vals[i])
	}
	return out
}

func isIdentity(keep []int) bool {
	for i, v := range keep {
		if i != v {
			return false
		}
	}
	return true
}

//Personal.AI order the ending
