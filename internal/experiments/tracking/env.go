// internal/experiments/tracking/env.go

// Package tracking is the reference experiment: a one-dimensional
// target-tracking environment with a known expert policy, small enough to
// train in seconds yet exercising every part of the engine (recurrent-free
// policy, teacher forcing, scene advancement, finite validation samplers,
// off-policy demonstrations).
package tracking

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"

	"github.com/openrle/openrle/internal/platform/tasks"
	"github.com/openrle/openrle/pkg/types"
)

// ============================================================================
// Environment Constants
// ============================================================================

const (
	// ObsKey is the single observation key exposed to the model.
	ObsKey = "state"

	// ObsDim is [agent position, target position, target velocity].
	ObsDim = 3

	// NumActions is {left, stay, right}.
	NumActions = 3

	agentStep    = 0.1
	captureDist  = 0.05
	captureSteps = 5
	maxEpisodeLn = 40
)

// ============================================================================
// Task
// ============================================================================

// Task is one tracking episode: the agent chases a target drifting along
// [-1, 1] at the scene's velocity, bouncing off the walls. The episode
// succeeds once the agent holds within capture distance for a few
// consecutive steps, and is cut off at the length limit otherwise.
type Task struct {
	id uuid.UUID

	agent     float64
	target    float64
	targetVel float64

	steps    int
	captured int
	done     bool
	success  bool
}

func newTask(rng *rand.Rand, targetSpeed float64) *Task {
	dir := 1.0
	if rng.Float64() < 0.5 {
		dir = -1
	}
	return &Task{
		id:        uuid.New(),
		agent:     rng.Float64()*2 - 1,
		target:    rng.Float64()*2 - 1,
		targetVel: dir * targetSpeed,
	}
}

// ID returns the episode's unique identifier.
func (t *Task) ID() uuid.UUID { return t.id }

func (t *Task) Step(action int64) (types.StepResult, error) {
	if t.done {
		return types.StepResult{}, fmt.Errorf("tracking: step on finished episode %s", t.id)
	}
	t.steps++

	switch action {
	case 0:
		t.agent -= agentStep
	case 2:
		t.agent += agentStep
	}
	t.agent = clamp(t.agent, -1, 1)

	t.target += t.targetVel
	if t.target > 1 || t.target < -1 {
		t.targetVel = -t.targetVel
		t.target = clamp(t.target, -1, 1)
	}

	dist := math.Abs(t.agent - t.target)
	if dist <= captureDist {
		t.captured++
	} else {
		t.captured = 0
	}

	if t.captured >= captureSteps {
		t.done = true
		t.success = true
	} else if t.steps >= maxEpisodeLn {
		t.done = true
	}

	return types.StepResult{
		Observation: t.GetObservations(),
		Reward:      1 - dist/2,
		Done:        t.done,
	}, nil
}

func (t *Task) GetObservations() types.Observation {
	return types.Observation{
		ObsKey: []float64{t.agent, t.target, t.targetVel},
	}
}

func (t *Task) Done() bool { return t.done }

func (t *Task) Metrics() map[string]float64 {
	success := 0.0
	if t.success {
		success = 1
	}
	return map[string]float64{
		"ep_length":  float64(t.steps),
		"success":    success,
		"final_dist": math.Abs(t.agent - t.target),
	}
}

// ExpertAction moves toward the target, holding still inside the capture
// band. An expert always exists in this environment.
func (t *Task) ExpertAction() (int64, bool) {
	return expertFor(t.agent, t.target), true
}

func expertFor(agent, target float64) int64 {
	diff := target - agent
	switch {
	case diff > captureDist:
		return 2
	case diff < -captureDist:
		return 0
	default:
		return 1
	}
}

// Render draws the track as a one-line ASCII strip: 'A' agent, 'T' target,
// '*' both.
func (t *Task) Render(mode string) ([]byte, error) {
	const width = 41
	row := make([]byte, width)
	for i := range row {
		row[i] = '-'
	}
	ai := int((t.agent + 1) / 2 * float64(width-1))
	ti := int((t.target + 1) / 2 * float64(width-1))
	row[ti] = 'T'
	if ai == ti {
		row[ai] = '*'
	} else {
		row[ai] = 'A'
	}
	return row, nil
}

func (t *Task) Close() error {
	t.done = true
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ============================================================================
// Sampler
// ============================================================================

// scene velocities from easy to hard; AdvanceScene moves down this list
var sceneSpeeds = []float64{0.0, 0.02, 0.05, 0.08}

// Sampler yields tracking episodes for one worker. Scenes order target
// speeds from easy to hard; the sampler advances one scene per
// episodesPerScene episodes, or immediately when forced. A positive
// maxEpisodes makes the stream finite for validation and test pools.
type Sampler struct {
	rng   *rand.Rand
	scene int

	episodes         int
	episodesPerScene int
	maxEpisodes      int // <= 0 means unbounded
}

// NewSampler builds a sampler seeded for one worker.
func NewSampler(seed int64, episodesPerScene, maxEpisodes int) *Sampler {
	return &Sampler{
		rng:              rand.New(rand.NewSource(seed)),
		episodesPerScene: episodesPerScene,
		maxEpisodes:      maxEpisodes,
	}
}

func (s *Sampler) NextTask(forceAdvanceScene bool) (tasks.Task, error) {
	if s.maxEpisodes > 0 && s.episodes >= s.maxEpisodes {
		return nil, nil
	}
	if forceAdvanceScene {
		s.advanceScene()
	} else if s.episodesPerScene > 0 && s.episodes > 0 && s.episodes%s.episodesPerScene == 0 {
		s.advanceScene()
	}
	s.episodes++
	return newTask(s.rng, sceneSpeeds[s.scene]), nil
}

func (s *Sampler) advanceScene() {
	if s.scene < len(sceneSpeeds)-1 {
		s.scene++
	}
}

// Scene returns the current scene index.
func (s *Sampler) Scene() int { return s.scene }

func (s *Sampler) SetSeed(seed int64) {
	s.rng = rand.New(rand.NewSource(seed))
}

func (s *Sampler) Reset() error {
	s.episodes = 0
	s.scene = 0
	return nil
}

func (s *Sampler) Close() error { return nil }

// TrainFactory builds unbounded per-worker samplers, offset-seeded so
// workers explore different streams.
func TrainFactory(seed int64, episodesPerScene int) tasks.SamplerFactory {
	return func(workerIndex int) (tasks.TaskSampler, error) {
		return NewSampler(seed+int64(workerIndex), episodesPerScene, 0), nil
	}
}

// EvalFactory builds finite samplers: each worker yields exactly
// episodesPerWorker episodes, then pauses.
func EvalFactory(seed int64, episodesPerWorker int) tasks.SamplerFactory {
	return func(workerIndex int) (tasks.TaskSampler, error) {
		return NewSampler(seed+int64(workerIndex), 0, episodesPerWorker), nil
	}
}

//Personal.AI order the ending
