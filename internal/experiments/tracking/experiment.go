// internal/experiments/tracking/experiment.go
package tracking

import (
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/internal/observability/metrics"
	"github.com/openrle/openrle/internal/observability/trace"
	"github.com/openrle/openrle/internal/platform/losses"
	"github.com/openrle/openrle/internal/platform/policy"
	"github.com/openrle/openrle/internal/platform/train"
	"github.com/openrle/openrle/pkg/config"
	"github.com/openrle/openrle/pkg/types"
)

// ============================================================================
// Off-Policy Demonstrations
// ============================================================================

// DemoSource holds expert demonstrations over uniformly sampled tracking
// states, labeled by the expert policy. Behavior cloning draws fixed-size
// batches from it; exhausting the set ends one off-policy epoch.
type DemoSource struct {
	observations [][]float64
	actions      []int64
}

// NewDemoSource samples size expert-labeled states.
func NewDemoSource(seed int64, size int) *DemoSource {
	rng := rand.New(rand.NewSource(seed))
	d := &DemoSource{
		observations: make([][]float64, size),
		actions:      make([]int64, size),
	}
	for i := 0; i < size; i++ {
		agent := rng.Float64()*2 - 1
		target := rng.Float64()*2 - 1
		vel := (rng.Float64()*2 - 1) * sceneSpeeds[len(sceneSpeeds)-1]
		d.observations[i] = []float64{agent, target, vel}
		d.actions[i] = expertFor(agent, target)
	}
	return d
}

// Size returns the number of stored demonstrations.
func (d *DemoSource) Size() int { return len(d.actions) }

func (d *DemoSource) NewIterator() losses.OffPolicyIterator {
	return &demoIterator{source: d}
}

type demoIterator struct {
	source *DemoSource
	cursor int
}

func (it *demoIterator) Next(batchSize int) (*losses.OffPolicyBatch, bool) {
	if it.cursor >= it.source.Size() {
		return nil, false
	}
	end := it.cursor + batchSize
	if end > it.source.Size() {
		end = it.source.Size()
	}
	batch := &losses.OffPolicyBatch{
		Observations: types.ObservationBatch{ObsKey: it.source.observations[it.cursor:end]},
		Actions:      it.source.actions[it.cursor:end],
	}
	it.cursor = end
	return batch, true
}

// ============================================================================
// Experiment Assembly
// ============================================================================

const (
	trainEpisodesPerScene = 50
	evalEpisodesPerWorker = 4
	demoSetSize           = 2048
)

// Experiment bundles a fully wired training run: the engine, its validator,
// and the channels connecting them. Run the validator in its own goroutine,
// then the engine; closing the engine shuts the validator down through the
// eval queue.
type Experiment struct {
	Engine    *train.Engine
	Validator *train.Validator
	EvalQueue chan train.EvalRequest

	// InstanceID uniquely tags this assembly in logs.
	InstanceID string
}

// Build wires the tracking experiment under the given config.
func Build(cfg *config.Config, logger logging.Logger, collector *metrics.Collector) (*Experiment, error) {
	seed := int64(time.Now().UnixNano())
	if cfg.Experiment.Seed != nil {
		seed = *cfg.Experiment.Seed
	}
	rng := rand.New(rand.NewSource(seed))

	instanceID := uuid.NewString()
	logger = logger.With(logging.String("instance_id", instanceID))

	registry := train.NewLossRegistry()
	registry.Register(losses.NewA2C(0.5, 0.01))
	registry.Register(losses.NewPPOClip(0.2, 0.5, 0.01))
	registry.RegisterOffPolicy(&losses.BehaviorClone{})

	metricsOut := make(chan types.Envelope, 4096)
	evalQueue := make(chan train.EvalRequest, 16)
	tracer := trace.NewTracer(cfg.Trace.Enabled, trace.TracerConfig{
		ServiceName: "openrle",
		SampleRatio: cfg.Trace.SampleRatio,
	})

	engine, err := train.NewEngine(cfg, train.Options{
		Model:          policy.NewLinear(ObsKey, ObsDim, NumActions, rng),
		Registry:       registry,
		OffSource:      NewDemoSource(seed, demoSetSize),
		SamplerFactory: TrainFactory(seed, trainEpisodesPerScene),
		Logger:         logger,
		Collector:      collector,
		Tracer:         tracer,
		MetricsOut:     metricsOut,
		EvalCommands:   evalQueue,
	})
	if err != nil {
		return nil, err
	}

	validator := train.NewValidator(cfg, train.ValidatorOptions{
		Model:          policy.NewLinear(ObsKey, ObsDim, NumActions, rng),
		SamplerFactory: EvalFactory(seed+1000, evalEpisodesPerWorker),
		Logger:         logger,
		Collector:      collector,
		Tracer:         tracer,
		Commands:       evalQueue,
		Out:            metricsOut,
		Mode:           types.ModeValid,
	})

	return &Experiment{
		Engine:     engine,
		Validator:  validator,
		EvalQueue:  evalQueue,
		InstanceID: instanceID,
	}, nil
}

// BuildEvaluator wires a standalone validator for single-checkpoint
// evaluation (valid mode) or a checkpoint sweep (test mode), detached from
// any engine.
func BuildEvaluator(cfg *config.Config, logger logging.Logger, collector *metrics.Collector, mode types.Mode, out chan<- types.Envelope) *train.Validator {
	seed := int64(time.Now().UnixNano())
	if cfg.Experiment.Seed != nil {
		seed = *cfg.Experiment.Seed
	}
	rng := rand.New(rand.NewSource(seed))

	return train.NewValidator(cfg, train.ValidatorOptions{
		Model:          policy.NewLinear(ObsKey, ObsDim, NumActions, rng),
		SamplerFactory: EvalFactory(seed+1000, evalEpisodesPerWorker),
		Logger:         logger.With(logging.String("instance_id", uuid.NewString())),
		Collector:      collector,
		Tracer: trace.NewTracer(cfg.Trace.Enabled, trace.TracerConfig{
			ServiceName: "openrle",
			SampleRatio: cfg.Trace.SampleRatio,
		}),
		Out:  out,
		Mode: mode,
	})
}

//Personal.AI order the ending
