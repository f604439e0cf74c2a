// internal/platform/train/engine.go
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/multierr"

	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/internal/observability/metrics"
	"github.com/openrle/openrle/internal/observability/trace"
	"github.com/openrle/openrle/internal/platform/losses"
	"github.com/openrle/openrle/internal/platform/policy"
	"github.com/openrle/openrle/internal/platform/rollout"
	"github.com/openrle/openrle/internal/platform/tasks"
	"github.com/openrle/openrle/pkg/config"
	"github.com/openrle/openrle/pkg/errors"
	"github.com/openrle/openrle/pkg/types"
	"github.com/openrle/openrle/pkg/utils"
)

// ============================================================================
// Engine State
// ============================================================================

// EngineState is the full set of mutable counters driving resumability.
// It is serialized wholesale into every checkpoint. StepCount is
// stage-local and folds into TotalSteps exactly at stage boundaries;
// LocalStartTimeStr is the lock-guarded run identity and never changes
// after acquisition.
type EngineState struct {
	TotalUpdates               int64  `json:"total_updates"`
	PipelineStage              int    `json:"pipeline_stage"`
	RolloutCount               int    `json:"rollout_count"`
	BackpropCount              int64  `json:"backprop_count"`
	StepCount                  int64  `json:"step_count"`
	TotalSteps                 int64  `json:"total_steps"`
	EpisodeCount               int64  `json:"episode_count"`
	OffPolicyEpochs            int    `json:"off_policy_epochs"`
	LastSave                   int64  `json:"last_save"`
	LastMetricsAccumulateSteps int64  `json:"last_metrics_accumulate_steps"`
	LocalStartTimeStr          string `json:"local_start_time_str"`
	Seed                       int64  `json:"seed"`
}

// EvalRequest is one command queued to the validator.
type EvalRequest struct {
	Command        types.EvalCommand
	CheckpointPath string
}

// ============================================================================
// Engine
// ============================================================================

// Options wires the engine's collaborators.
type Options struct {
	Model     policy.Model
	Registry  *LossRegistry
	OffSource losses.OffPolicySource

	SamplerFactory tasks.SamplerFactory

	Logger    logging.Logger
	Collector *metrics.Collector
	Tracer    trace.Tracer

	// MetricsOut is the shared out-of-band metrics channel; created when
	// nil.
	MetricsOut chan types.Envelope

	// EvalCommands feeds the validator; nil disables validation requests.
	EvalCommands chan<- EvalRequest
}

// Engine exclusively owns the EngineState and one live RolloutStorage per
// stage, and drives the worker pool's lifecycle. The main loop is
// single-goroutine; workers and the validator communicate only through
// channels.
type Engine struct {
	cfg  *config.Config
	mode types.Mode

	logger    logging.Logger
	collector *metrics.Collector
	tracer    trace.Tracer

	model     policy.Model
	optimizer policy.Optimizer
	scheduler *policy.LinearDecay

	registry  *LossRegistry
	offSource losses.OffPolicySource

	pool       *tasks.VectorSampledTasks
	metricsOut chan types.Envelope

	evalCommands chan<- EvalRequest

	tracker *ScalarMeanTracker
	state   EngineState
	rng     *rand.Rand

	offPolicyMemory types.Memory
	offPolicyIter   losses.OffPolicyIterator

	runID         string
	checkpointDir string

	lastAccumulateTime time.Time
	resumeFrom         string
}

// NewEngine builds a training-mode engine, starts its worker pool, and
// seeds the trainer RNG.
func NewEngine(cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	collector := opts.Collector
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}

	metricsOut := opts.MetricsOut
	if metricsOut == nil {
		metricsOut = make(chan types.Envelope, 4096)
	}

	pool, err := tasks.NewVectorSampledTasks(cfg.Machine.NumProcesses, opts.SamplerFactory, tasks.Options{
		MetricsOut: metricsOut,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	seed := int64(time.Now().UnixNano())
	if cfg.Experiment.Seed != nil {
		seed = *cfg.Experiment.Seed
	}

	opt, err := buildOptimizer(cfg.Pipeline.Optimizer)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	var scheduler *policy.LinearDecay
	if s := cfg.Pipeline.Scheduler; s != nil {
		scheduler = policy.NewLinearDecay(cfg.Pipeline.Optimizer.LR, s.EndFactor, s.Steps)
	}

	e := &Engine{
		cfg:          cfg,
		mode:         types.ModeTrain,
		logger:       logger,
		collector:    collector,
		tracer:       tracer,
		model:        opts.Model,
		optimizer:    opt,
		scheduler:    scheduler,
		registry:     opts.Registry,
		offSource:    opts.OffSource,
		pool:         pool,
		metricsOut:   metricsOut,
		evalCommands: opts.EvalCommands,
		tracker:      NewScalarMeanTracker(),
	}
	if err := e.reseed(seed); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return e, nil
}

func buildOptimizer(cfg config.OptimizerConfig) (policy.Optimizer, error) {
	switch cfg.Kind {
	case "sgd":
		return policy.NewSGD(cfg.LR, cfg.Momentum, cfg.WeightDecay), nil
	case "adam", "":
		return policy.NewAdam(cfg.LR, cfg.WeightDecay), nil
	default:
		return nil, errors.ConfigurationErrorf("unknown optimizer kind %q", cfg.Kind)
	}
}

// State returns a copy of the engine counters, for status reporting.
func (e *Engine) State() EngineState { return e.state }

// RunID returns the acquired run identity, empty before Run.
func (e *Engine) RunID() string { return e.runID }

// MetricsOut returns the shared out-of-band metrics channel.
func (e *Engine) MetricsOut() chan types.Envelope { return e.metricsOut }

// SetResumeFrom points the engine at a checkpoint to restore before
// training.
func (e *Engine) SetResumeFrom(path string) { e.resumeFrom = path }

// reseed replaces the trainer RNG and deterministically reseeds every
// worker from the new seed.
func (e *Engine) reseed(seed int64) error {
	e.rng = rand.New(rand.NewSource(seed))
	e.state.Seed = seed
	return e.pool.SetSeeds(WorkerSeeds(e.pool.NumWorkers(), &seed))
}

// ============================================================================
// Checkpointing
// ============================================================================

// saveCheckpoint reseeds the trainer and workers first, so the RNG stream
// of the segment after this save is decoupled from the stream a resumed
// run would replay, then snapshots everything.
func (e *Engine) saveCheckpoint(ctx context.Context) (string, error) {
	_, span := e.tracer.Start(ctx, "engine.checkpoint",
		trace.WithAttributes(trace.Int64Attr("total_steps", e.state.TotalSteps+e.state.StepCount)))
	defer span.End()

	if err := e.reseed(e.rng.Int63()); err != nil {
		return "", err
	}

	ckpt := &Checkpoint{
		ModelParams: append([]float64(nil), e.model.Params()...),
		Optimizer:   e.optimizer.StateDict(),
		State:       e.state,
	}
	if e.scheduler != nil {
		ckpt.Scheduler = e.scheduler.StateDict()
	}

	name := CheckpointName(e.cfg.Experiment.Name, e.runID,
		e.state.PipelineStage, e.state.TotalSteps+e.state.StepCount, e.state.Seed)
	path := fmt.Sprintf("%s/%s", e.checkpointDir, name)
	if err := SaveCheckpoint(path, ckpt); err != nil {
		return "", err
	}

	e.state.LastSave = e.state.StepCount
	e.collector.IncCheckpointSaves()
	e.logger.Info("Checkpoint saved",
		logging.String("path", path),
		logging.Int64("total_steps", e.state.TotalSteps+e.state.StepCount))
	return path, nil
}

// loadCheckpoint restores a snapshot. Training mode restores everything
// and reseeds workers from the saved seed; evaluation modes restore only
// the model and step counters.
func (e *Engine) loadCheckpoint(path string, mode types.Mode) error {
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := e.model.SetParams(ckpt.ModelParams); err != nil {
		return err
	}

	if mode == types.ModeTrain {
		if ckpt.Optimizer != nil {
			if err := e.optimizer.LoadStateDict(ckpt.Optimizer); err != nil {
				return err
			}
		}
		if e.scheduler != nil && ckpt.Scheduler != nil {
			e.scheduler.LoadStateDict(ckpt.Scheduler)
		}
		e.state = ckpt.State
		if err := e.reseed(ckpt.State.Seed); err != nil {
			return err
		}
	} else {
		e.state.TotalSteps = ckpt.State.TotalSteps
		e.state.StepCount = ckpt.State.StepCount
		e.state.PipelineStage = ckpt.State.PipelineStage
	}

	e.logger.Info("Checkpoint loaded",
		logging.String("path", path),
		logging.String("mode", mode.String()),
		logging.Int("pipeline_stage", e.state.PipelineStage))
	return nil
}

// ============================================================================
// Rollout Initialization and Collection
// ============================================================================

// batchObservations stacks per-process observations key-wise, preserving
// process order.
func batchObservations(obs []types.Observation) types.ObservationBatch {
	batch := make(types.ObservationBatch)
	for _, o := range obs {
		for key := range o {
			batch[key] = make([][]float64, 0, len(obs))
		}
	}
	for _, o := range obs {
		for key := range batch {
			batch[key] = append(batch[key], o[key])
		}
	}
	return batch
}

// removePaused drops nil observations from the batch, pausing their
// workers in descending index order, and returns the surviving indices.
func (e *Engine) removePaused(obs []types.Observation) (keep []int, kept []types.Observation) {
	for i, o := range obs {
		if o != nil {
			keep = append(keep, i)
			kept = append(kept, o)
		}
	}
	for i := len(obs) - 1; i >= 0; i-- {
		if obs[i] == nil {
			e.pool.PauseAt(i)
		}
	}
	return keep, kept
}

// initializeRollouts allocates storage for the stage sized by the workers
// still active and seeds slot 0 from their current observations.
func (e *Engine) initializeRollouts(stage *StageRuntime) (*rollout.Storage, error) {
	obs := e.removeAndBatchCurrent()
	storage := rollout.New(stage.Config.StepsInRollout, e.pool.NumActive())
	if err := storage.InsertInitialObservations(obs); err != nil {
		return nil, err
	}
	storage.InsertInitialMemory(e.model.InitialMemory(e.pool.NumActive()))
	return storage, nil
}

func (e *Engine) removeAndBatchCurrent() types.ObservationBatch {
	observations := e.pool.GetObservations()
	_, kept := e.removePaused(observations)
	return batchObservations(kept)
}

// collectRolloutStep samples actions for the current slot, applies teacher
// forcing, steps every active worker, strips newly paused processes from
// the batch, and inserts the transition. Returns the number of processes
// still active.
func (e *Engine) collectRolloutStep(storage *rollout.Storage, stage *StageRuntime) (int, error) {
	out, newMem, err := e.model.Forward(
		storage.CurrentObservations(),
		storage.CurrentMemory(),
		storage.CurrentPrevActions(),
		storage.CurrentMasks(),
	)
	if err != nil {
		return 0, err
	}

	var actions []int64
	if stage.Config.DeterministicAgent {
		actions = out.Mode()
	} else {
		actions = out.Sample(e.rng)
	}

	if stage.TeacherForcing != nil {
		actions = e.applyTeacherForcing(actions, stage)
	}

	logProbs := out.ActionLogProbs(actions)

	results, err := e.pool.Step(actions)
	if err != nil {
		return 0, err
	}
	e.state.StepCount += int64(len(results))
	e.collector.AddSteps(int64(len(results)))

	rewards := make([]float64, len(results))
	masks := make([]float64, len(results))
	observations := make([]types.Observation, len(results))
	dones := 0
	for i, r := range results {
		rewards[i] = r.Reward
		masks[i] = 1
		if r.Done {
			masks[i] = 0
			dones++
		}
		observations[i] = r.Observation
	}
	e.state.EpisodeCount += int64(dones)
	e.collector.AddEpisodes(int64(dones))

	keep, kept := e.removePaused(observations)
	if len(keep) == 0 {
		return 0, nil
	}
	if len(keep) < len(results) {
		storage.Reshape(keep)
	}

	err = storage.Insert(
		batchObservations(kept),
		newMem.Select(keep),
		selectI64(actions, keep),
		selectF64(logProbs, keep),
		selectF64(out.Values, keep),
		selectF64(rewards, keep),
		selectF64(masks, keep),
	)
	if err != nil {
		return 0, err
	}
	return len(keep), nil
}

// applyTeacherForcing substitutes expert actions per element via a
// Bernoulli draw at the decayed forcing probability, gated by expert
// availability, and reports the enforced ratio out-of-band.
func (e *Engine) applyTeacherForcing(actions []int64, stage *StageRuntime) []int64 {
	expert, exists := e.pool.ExpertActions()
	prob := stage.TeacherForcing.At(e.state.StepCount)

	enforced := 0
	for i := range actions {
		if exists[i] && e.rng.Float64() < prob {
			actions[i] = expert[i]
			enforced++
		}
	}

	e.emit(types.Envelope{
		Kind: types.PackageTeacher,
		Scalars: map[string]float64{
			"teacher/enforced_ratio": float64(enforced) / float64(len(actions)),
			"teacher/forcing_prob":   prob,
		},
	})
	return actions
}

// emit posts an envelope without ever blocking the main loop.
func (e *Engine) emit(env types.Envelope) {
	select {
	case e.metricsOut <- env:
	default:
	}
}

// ============================================================================
// Updates
// ============================================================================

// update bootstraps the final state, computes returns, and runs the
// stage's epochs of shuffled mini-batch updates. A loss producing an
// invalid result skips that update with a warning; training continues.
func (e *Engine) update(storage *rollout.Storage, stage *StageRuntime) error {
	out, _, err := e.model.Forward(
		storage.CurrentObservations(),
		storage.CurrentMemory(),
		storage.CurrentPrevActions(),
		storage.CurrentMasks(),
	)
	if err != nil {
		return err
	}
	storage.ComputeReturns(out.Values, stage.Config.UseGAE, stage.Config.Gamma, stage.Config.GAELambda)
	advantages := storage.NormalizedAdvantages()

	miniBatches := stage.Config.UpdateMiniBatches
	if miniBatches > storage.NumProcesses() {
		miniBatches = storage.NumProcesses()
	}
	for storage.NumProcesses()%miniBatches != 0 {
		miniBatches--
	}

	for epoch := 0; epoch < stage.Config.UpdateEpochs; epoch++ {
		gen, err := storage.RecurrentGenerator(e.rng, advantages, miniBatches)
		if err != nil {
			return err
		}
		for {
			batch, ok := gen.Next()
			if !ok {
				break
			}
			if err := e.updateMiniBatch(batch, stage); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) updateMiniBatch(batch *rollout.Batch, stage *StageRuntime) error {
	scalars := map[string]float64{}
	var grad []float64
	total := 0.0

	for i, loss := range stage.Losses {
		result, err := loss.Compute(e.model, batch)
		if err != nil {
			return err
		}
		if !result.Valid() {
			value := 0.0
			if result != nil {
				value = result.Value
			}
			e.logger.Warn("Loss produced an invalid result; skipping update",
				logging.String("loss", loss.Name()),
				logging.Float64("value", value))
			e.collector.IncSkippedUpdates()
			return nil
		}

		w := stage.LossWeights[i]
		total += w * result.Value
		grad = accumulate(grad, result.Grad, w)
		for k, v := range result.Info {
			scalars[loss.Name()+"/"+k] = v
		}
	}

	if grad == nil {
		return nil
	}
	gradNorm := policy.ClipGradNorm(grad, stage.Config.MaxGradNorm)
	if err := e.optimizer.Step(e.model.Params(), grad); err != nil {
		return err
	}
	e.state.BackpropCount++
	e.state.TotalUpdates++
	e.collector.IncBackprops()

	scalars["total_loss"] = total
	scalars["lr"] = e.optimizer.LR()
	scalars["grad_norm"] = gradNorm
	e.collector.SetLearningRate(e.optimizer.LR())
	for name, v := range scalars {
		e.collector.ObserveLoss(name, v)
	}
	e.emit(types.Envelope{Kind: types.PackageUpdate, Scalars: scalars})
	return nil
}

// offPolicyUpdate runs the stage's interleaved off-policy block: fixed-size
// batches through the persistent memory, which is detached after every
// update and cleared whenever the data source is rebuilt.
func (e *Engine) offPolicyUpdate(stage *StageRuntime) error {
	op := stage.Config.OffPolicy
	for u := 0; u < op.Updates; u++ {
		if e.offPolicyIter == nil {
			e.offPolicyIter = stage.OffPolicySource.NewIterator()
			e.offPolicyMemory = types.Memory{}
		}
		batch, ok := e.offPolicyIter.Next(op.BatchSize)
		if !ok {
			e.offPolicyIter = stage.OffPolicySource.NewIterator()
			e.offPolicyMemory = types.Memory{}
			e.state.OffPolicyEpochs++
			batch, ok = e.offPolicyIter.Next(op.BatchSize)
			if !ok {
				return errors.InternalError("off-policy source yielded no data after rebuild")
			}
		}

		scalars := map[string]float64{}
		var grad []float64
		total := 0.0
		memory := e.offPolicyMemory
		skip := false

		for i, loss := range stage.OffPolicyLosses {
			result, newMemory, err := loss.Compute(e.model, batch, memory)
			if err != nil {
				return err
			}
			if !result.Valid() {
				e.logger.Warn("Off-policy loss produced an invalid result; skipping update",
					logging.String("loss", loss.Name()))
				e.collector.IncSkippedUpdates()
				skip = true
				break
			}
			memory = newMemory
			w := stage.OffPolicyWeights[i]
			total += w * result.Value
			grad = accumulate(grad, result.Grad, w)
			for k, v := range result.Info {
				scalars["offpolicy/"+loss.Name()+"/"+k] = v
			}
		}
		if skip || grad == nil {
			continue
		}

		policy.ClipGradNorm(grad, stage.Config.MaxGradNorm)
		if err := e.optimizer.Step(e.model.Params(), grad); err != nil {
			return err
		}
		e.state.BackpropCount++
		e.state.TotalUpdates++
		e.collector.IncBackprops()

		// detach: deep-copy so losses cannot alias buffers across batches
		e.offPolicyMemory = memory.Clone()

		scalars["offpolicy/total_loss"] = total
		scalars["offpolicy/epochs"] = float64(e.state.OffPolicyEpochs)
		e.emit(types.Envelope{Kind: types.PackageUpdate, Scalars: scalars})
	}
	return nil
}

func accumulate(dst, src []float64, weight float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(src))
	}
	for i, v := range src {
		dst[i] += weight * v
	}
	return dst
}

func selectF64(vals []float64, keep []int) []float64 {
	out := make([]float64, 0, len(keep))
	for _, i := range keep {
		out = append(out, vals[i])
	}
	return out
}

func selectI64(vals []int64, keep []int) []int64 {
	out := make([]int64, 0, len(keep))
	for _, i := range keep {
		out = append(out, vals[i])
	}
	return out
}

// ============================================================================
// Metrics Accumulation
// ============================================================================

// accumulateMetrics drains the out-of-band channel into the tracker on its
// step-window cadence, evaluates early stopping against the accumulated
// means, and flushes a log line with throughput for the window.
func (e *Engine) accumulateMetrics(stage *StageRuntime, force bool) (earlyStop bool) {
	interval := e.cfg.Pipeline.MetricAccumulateInterval
	if !force && (interval <= 0 || e.state.StepCount-e.state.LastMetricsAccumulateSteps < interval) {
		return false
	}

	agg := DrainMetrics(e.metricsOut, e.tracker)
	for _, env := range agg.Eval {
		e.logEvalResult(env)
	}
	if dropped := e.pool.DroppedMetrics(); dropped > 0 {
		e.logger.Warn("Task metrics discarded on full channel",
			logging.Int64("dropped_total", dropped))
	}

	earlyStop = stage.EarlyStopMet(e.tracker)

	now := time.Now()
	fps := 0.0
	if !e.lastAccumulateTime.IsZero() {
		window := now.Sub(e.lastAccumulateTime).Seconds()
		if window > 0 {
			fps = float64(e.state.StepCount-e.state.LastMetricsAccumulateSteps) / window
		}
	}
	e.lastAccumulateTime = now
	e.collector.SetStepsPerSecond(fps)

	if !e.tracker.Empty() {
		means := e.tracker.PopAndReset()
		e.logger.Info("Training metrics",
			logging.String("stage", stage.Config.Name),
			logging.Int64("total_steps", e.state.TotalSteps+e.state.StepCount),
			logging.Float64("fps", fps),
			logging.String("means", FormatMeans(means)))
	}
	e.state.LastMetricsAccumulateSteps = e.state.StepCount

	if earlyStop {
		e.logger.Info("Early-stopping criterion met",
			logging.String("stage", stage.Config.Name),
			logging.String("metric", stage.Config.EarlyStopping.Metric))
	}
	return earlyStop
}

func (e *Engine) logEvalResult(env types.Envelope) {
	if env.Eval == nil {
		return
	}
	for name, s := range env.Eval.Scalars {
		e.collector.ObserveEvalMetric(string(env.Kind), name, s.Value)
	}
	e.logger.Info("Evaluation metrics received",
		logging.String("kind", string(env.Kind)),
		logging.Int("metrics", len(env.Eval.Scalars)))
}

// requestEval queues a fire-and-forget eval command; a full queue drops
// the request, the validator simply evaluates the next one.
func (e *Engine) requestEval(path string) {
	if e.evalCommands == nil {
		return
	}
	select {
	case e.evalCommands <- EvalRequest{Command: types.CommandEval, CheckpointPath: path}:
	default:
		e.logger.Warn("Validator queue full, eval request dropped",
			logging.String("checkpoint", path))
	}
}

// saveConfigSnapshot copies the run's full configuration next to its
// checkpoints, so a finished or crashed run stays reproducible from the
// checkpoint directory alone.
func (e *Engine) saveConfigSnapshot() error {
	data, err := json.MarshalIndent(e.cfg, "", "  ")
	if err != nil {
		return errors.InternalError("marshal config snapshot").WithCause(err)
	}
	path := fmt.Sprintf("%s/config.json", e.checkpointDir)
	if err := utils.AtomicWriteFile(path, data, 0o644); err != nil {
		return errors.InternalError("write config snapshot").WithCause(err)
	}
	e.logger.Info("Config snapshot saved", logging.String("path", path))
	return nil
}

// ============================================================================
// Stage and Run Loops
// ============================================================================

// runStage executes one pipeline stage to its rollout budget or its
// early-stopping criterion.
func (e *Engine) runStage(ctx context.Context, stage *StageRuntime) error {
	ctx, span := e.tracer.Start(ctx, "engine.stage",
		trace.WithAttributes(trace.StringAttr("stage", stage.Config.Name)))
	defer span.End()

	e.collector.SetPipelineStage(stage.Index)
	e.logger.Info("Entering pipeline stage",
		logging.Int("index", stage.Index),
		logging.String("name", stage.Config.Name),
		logging.Int("num_rollouts", stage.NumRollouts),
		logging.Int64("budgeted_steps", stage.BudgetedSteps))

	e.offPolicyIter = nil
	e.offPolicyMemory = types.Memory{}

	storage, err := e.initializeRollouts(stage)
	if err != nil {
		return err
	}

	for e.state.RolloutCount < stage.NumRollouts {
		if err := ctx.Err(); err != nil {
			return err
		}

		active := storage.NumProcesses()
		for step := 0; step < stage.Config.StepsInRollout && active > 0; step++ {
			active, err = e.collectRolloutStep(storage, stage)
			if err != nil {
				return err
			}
		}

		if active == 0 {
			// every sampler exhausted mid-rollout: recycle the pool
			e.pool.ResumeAll()
			if err := e.pool.ResetAll(); err != nil {
				return err
			}
			storage, err = e.initializeRollouts(stage)
			if err != nil {
				return err
			}
			continue
		}

		_, updateSpan := e.tracer.Start(ctx, "engine.update")
		err = e.update(storage, stage)
		updateSpan.End()
		if err != nil {
			return err
		}
		if e.scheduler != nil {
			e.scheduler.Step(e.optimizer, e.state.TotalSteps+e.state.StepCount)
		}
		storage.AfterUpdate()

		if stage.Config.OffPolicy != nil {
			if err := e.offPolicyUpdate(stage); err != nil {
				return err
			}
		}

		e.state.RolloutCount++
		e.collector.IncRollouts()

		if e.accumulateMetrics(stage, false) {
			break
		}

		if si := e.cfg.Pipeline.SaveInterval; si > 0 && e.state.StepCount-e.state.LastSave >= si {
			path, err := e.saveCheckpoint(ctx)
			if err != nil {
				return err
			}
			e.requestEval(path)
		}

		if p := stage.Config.AdvanceSceneRolloutPeriod; p > 0 && e.state.RolloutCount%p == 0 {
			e.pool.ResumeAll()
			e.pool.NextTask(true)
			storage, err = e.initializeRollouts(stage)
			if err != nil {
				return err
			}
		}
	}

	e.accumulateMetrics(stage, true)
	path, err := e.saveCheckpoint(ctx)
	if err != nil {
		return err
	}
	e.requestEval(path)
	return nil
}

// Run drives the pipeline from the restored (or initial) stage to the end.
// On any error it still tears down every resource before returning.
func (e *Engine) Run(ctx context.Context) (err error) {
	defer func() {
		if report := e.Close(); report != nil {
			e.logger.Error("Teardown completed with failures", logging.Error(report))
		}
		if err != nil {
			e.logger.Error("Training run failed", logging.Error(err))
		}
	}()

	if e.resumeFrom != "" {
		if err = e.loadCheckpoint(e.resumeFrom, types.ModeTrain); err != nil {
			return err
		}
	}

	// a resumed run still gets a fresh, unique identity
	e.runID, err = AcquireUniqueStartTimeString(e.cfg.Experiment.OutputDir, e.logger)
	if err != nil {
		return err
	}
	e.state.LocalStartTimeStr = e.runID
	e.checkpointDir = CheckpointDir(e.cfg.Experiment.OutputDir, e.cfg.Experiment.Name, e.runID)
	if err = e.saveConfigSnapshot(); err != nil {
		return err
	}

	ctx = logging.WithRunID(ctx, e.runID)
	ctx = logging.WithExperiment(ctx, e.cfg.Experiment.Name)
	e.logger.Info("Starting training run",
		logging.String("run_id", e.runID),
		logging.String("experiment", e.cfg.Experiment.Name),
		logging.Int64("seed", e.state.Seed))

	numStages := len(e.cfg.Pipeline.Stages)
	for e.state.PipelineStage < numStages {
		stage, serr := NewStageRuntime(e.cfg, e.state.PipelineStage, e.registry, e.cfg.Machine.NumProcesses, e.offSource)
		if serr != nil {
			return serr
		}
		if err = e.runStage(ctx, stage); err != nil {
			return err
		}

		// fold stage-local counters exactly at the boundary
		e.state.TotalSteps += e.state.StepCount
		e.state.StepCount = 0
		e.state.RolloutCount = 0
		e.state.BackpropCount = 0
		e.state.LastSave = 0
		e.state.LastMetricsAccumulateSteps = 0
		e.state.PipelineStage++
	}

	e.logger.Info("Training run complete",
		logging.Int64("total_steps", e.state.TotalSteps),
		logging.Int64("total_updates", e.state.TotalUpdates))
	return nil
}

// ============================================================================
// Teardown
// ============================================================================

// Close tears down every resource best-effort: each close is attempted
// independently, failures are aggregated into the returned report and
// logged by the caller, never re-raised.
func (e *Engine) Close() error {
	var report error

	if e.evalCommands != nil {
		func() {
			defer func() { recover() }() // channel may already be closed by owner
			select {
			case e.evalCommands <- EvalRequest{Command: types.CommandExit}:
			default:
			}
		}()
		e.evalCommands = nil
	}

	if e.pool != nil && !e.pool.IsClosed() {
		if err := e.pool.Close(); err != nil {
			report = multierr.Append(report, errors.TeardownError("worker pool", err))
		}
	}

	if err := e.tracer.Shutdown(context.Background()); err != nil {
		report = multierr.Append(report, errors.TeardownError("tracer", err))
	}

	if err := e.logger.Sync(); err != nil {
		report = multierr.Append(report, errors.TeardownError("log sink", err))
	}
	return report
}

//Personal.AI order the ending
