// internal/platform/rollout/generator.go
package rollout

import (
	"math/rand"

	"github.com/openrle/openrle/pkg/errors"
	"github.com/openrle/openrle/pkg/types"
)

// ============================================================================
// Mini-Batch Generation
// ============================================================================

// Batch is one mini-batch shard covering the full rollout horizon for a
// contiguous slice of a per-epoch process permutation. Transition arrays are
// flattened time-major (index t*NumProcesses + p) so recurrent losses can
// recover per-process time continuity; InitialMemory holds the recurrent
// state at t=0 for the selected processes only.
type Batch struct {
	Observations  types.ObservationBatch // key -> [T*Pb][dim]
	InitialMemory types.Memory           // key -> [Pb][hidden]

	Actions     []int64
	PrevActions []int64
	ValuePreds  []float64
	Returns     []float64
	Masks       []float64
	OldLogProbs []float64
	Advantages  []float64

	NumSteps     int
	NumProcesses int
}

// Generator yields the shuffled mini-batches of one epoch. The process
// permutation is drawn once at construction and split into contiguous
// shards; the sequence is lazy and non-restartable.
type Generator struct {
	storage    *Storage
	advantages [][]float64
	shards     [][]int
	next       int
}

// RecurrentGenerator permutes the process dimension once and splits it into
// numMiniBatches contiguous shards. The process count must be divisible by
// the shard count so every shard keeps full per-process time continuity.
func (s *Storage) RecurrentGenerator(rng *rand.Rand, advantages [][]float64, numMiniBatches int) (*Generator, error) {
	if numMiniBatches <= 0 || s.numProcesses%numMiniBatches != 0 {
		return nil, errors.ConfigurationErrorf(
			"cannot split %d processes into %d mini-batches", s.numProcesses, numMiniBatches)
	}

	perm := rng.Perm(s.numProcesses)
	shardSize := s.numProcesses / numMiniBatches
	shards := make([][]int, numMiniBatches)
	for i := range shards {
		shards[i] = perm[i*shardSize : (i+1)*shardSize]
	}

	return &Generator{
		storage:    s,
		advantages: advantages,
		shards:     shards,
	}, nil
}

// Next returns the next mini-batch, or false when the epoch is exhausted.
func (g *Generator) Next() (*Batch, bool) {
	if g.next >= len(g.shards) {
		return nil, false
	}
	procs := g.shards[g.next]
	g.next++

	s := g.storage
	horizon := s.step
	batch := &Batch{
		Observations:  make(types.ObservationBatch, len(s.Observations)),
		InitialMemory: s.Memory[0].Select(procs),
		NumSteps:      horizon,
		NumProcesses:  len(procs),
	}

	for key, slots := range s.Observations {
		flat := make([][]float64, 0, horizon*len(procs))
		for t := 0; t < horizon; t++ {
			for _, p := range procs {
				flat = append(flat, slots[t][p])
			}
		}
		batch.Observations[key] = flat
	}

	n := horizon * len(procs)
	batch.Actions = make([]int64, 0, n)
	batch.PrevActions = make([]int64, 0, n)
	batch.ValuePreds = make([]float64, 0, n)
	batch.Returns = make([]float64, 0, n)
	batch.Masks = make([]float64, 0, n)
	batch.OldLogProbs = make([]float64, 0, n)
	batch.Advantages = make([]float64, 0, n)

	for t := 0; t < horizon; t++ {
		for _, p := range procs {
			batch.Actions = append(batch.Actions, s.Actions[t][p])
			batch.PrevActions = append(batch.PrevActions, s.PrevActions[t][p])
			batch.ValuePreds = append(batch.ValuePreds, s.ValuePreds[t][p])
			batch.Returns = append(batch.Returns, s.Returns[t][p])
			batch.Masks = append(batch.Masks, s.Masks[t][p])
			batch.OldLogProbs = append(batch.OldLogProbs, s.ActionLogProbs[t][p])
			batch.Advantages = append(batch.Advantages, g.advantages[t][p])
		}
	}

	return batch, true
}

//Personal.AI order the ending
