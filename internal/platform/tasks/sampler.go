// internal/platform/tasks/sampler.go
package tasks

import (
	"github.com/openrle/openrle/pkg/types"
)

// ============================================================================
// Task and Sampler Contracts
// ============================================================================

// Task is one episode of one environment. The worker pool drives it until
// Done, then asks its sampler for the next task.
type Task interface {
	// Step applies one action and returns the transition outcome.
	Step(action int64) (types.StepResult, error)

	// GetObservations returns the current observation.
	GetObservations() types.Observation

	// Done reports whether the episode has terminated.
	Done() bool

	// Metrics returns episode-level metrics, valid once Done.
	Metrics() map[string]float64

	// ExpertAction returns the expert action for the current state and
	// whether one exists. Used for teacher forcing.
	ExpertAction() (int64, bool)

	// Render returns a rendered frame of the current state.
	Render(mode string) ([]byte, error)

	// Close releases task resources.
	Close() error
}

// TaskSampler produces a (possibly finite) stream of tasks for one worker.
type TaskSampler interface {
	// NextTask returns the next task, or nil when the sampler is exhausted.
	// forceAdvanceScene requests a scene switch regardless of the sampler's
	// own cadence.
	NextTask(forceAdvanceScene bool) (Task, error)

	// SetSeed reseeds the sampler's RNG stream.
	SetSeed(seed int64)

	// Reset rewinds the sampler so NextTask produces tasks again.
	Reset() error

	// Close releases sampler resources.
	Close() error
}

// SamplerFactory builds the per-worker sampler for worker index i.
type SamplerFactory func(workerIndex int) (TaskSampler, error)

//Personal.AI order the ending
