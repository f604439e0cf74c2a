// internal/platform/train/validator.go
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/internal/observability/metrics"
	"github.com/openrle/openrle/internal/observability/trace"
	"github.com/openrle/openrle/internal/platform/policy"
	"github.com/openrle/openrle/internal/platform/tasks"
	"github.com/openrle/openrle/pkg/config"
	"github.com/openrle/openrle/pkg/types"
	"github.com/openrle/openrle/pkg/utils"
)

// ============================================================================
// Validator
// ============================================================================

// ValidatorOptions wires the validator's collaborators. The Model must be
// a separate instance from the trainer's: the validator overwrites its
// parameters from checkpoints.
type ValidatorOptions struct {
	Model          policy.Model
	SamplerFactory tasks.SamplerFactory

	Logger    logging.Logger
	Collector *metrics.Collector
	Tracer    trace.Tracer

	// Commands is the engine-fed request queue.
	Commands <-chan EvalRequest

	// Out receives one valid_metrics (or test_metrics) envelope per
	// evaluated checkpoint.
	Out chan<- types.Envelope

	// Mode selects the envelope kind: valid or test.
	Mode types.Mode
}

// maxEvalFrames caps the rendered frames attached to one evaluation so a
// long sweep cannot hold unbounded video in memory.
const maxEvalFrames = 500

// Validator evaluates checkpoints on a private worker pool. It runs the
// restored policy deterministically over every task its samplers yield,
// accumulates the tasks' metrics, and posts one aggregated envelope per
// checkpoint. The pool is persistent across evaluations and recycled with
// a resume/reset between them.
type Validator struct {
	cfg  *config.Config
	mode types.Mode

	model   policy.Model
	factory tasks.SamplerFactory

	logger    logging.Logger
	collector *metrics.Collector
	tracer    trace.Tracer

	commands <-chan EvalRequest
	out      chan<- types.Envelope

	pool        *tasks.VectorSampledTasks
	taskMetrics chan types.Envelope
	tracker     *ScalarMeanTracker
}

// NewValidator builds a validator; the pool is created lazily on the
// first evaluation.
func NewValidator(cfg *config.Config, opts ValidatorOptions) *Validator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	collector := opts.Collector
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	mode := opts.Mode
	if mode == "" {
		mode = types.ModeValid
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}
	return &Validator{
		cfg:         cfg,
		mode:        mode,
		model:       opts.Model,
		factory:     opts.SamplerFactory,
		logger:      logger,
		collector:   collector,
		tracer:      tracer,
		commands:    opts.Commands,
		out:         opts.Out,
		taskMetrics: make(chan types.Envelope, 4096),
		tracker:     NewScalarMeanTracker(),
	}
}

// Run serves the command queue until a shutdown command or context
// cancellation. Evaluation failures are logged and do not stop the loop;
// the next queued checkpoint still gets evaluated.
func (v *Validator) Run(ctx context.Context) error {
	defer v.closePool()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-v.commands:
			if !ok || req.Command.IsShutdown() {
				v.logger.Info("Validator shutting down")
				return nil
			}
			if req.Command != types.CommandEval {
				v.logger.Warn("Validator received unknown command",
					logging.String("command", string(req.Command)))
				continue
			}
			if err := v.EvaluateCheckpoint(ctx, req.CheckpointPath); err != nil {
				v.logger.Error("Checkpoint evaluation failed",
					logging.String("checkpoint", req.CheckpointPath),
					logging.Error(err))
			}
		}
	}
}

// Close releases the evaluation pool. Callers driving the validator
// directly (single evaluations, test sweeps) own this; the Run loop closes
// the pool itself on exit. A later evaluation rebuilds the pool lazily.
func (v *Validator) Close() {
	v.closePool()
}

func (v *Validator) closePool() {
	if v.pool != nil && !v.pool.IsClosed() {
		if err := v.pool.Close(); err != nil {
			v.logger.Error("Validator pool teardown failed", logging.Error(err))
		}
	}
	v.pool = nil
}

func (v *Validator) ensurePool() error {
	if v.pool != nil {
		return nil
	}
	pool, err := tasks.NewVectorSampledTasks(v.cfg.Machine.ValidProcesses, v.factory, tasks.Options{
		MetricsOut: v.taskMetrics,
		Logger:     v.logger,
	})
	if err != nil {
		return err
	}
	v.pool = pool
	return nil
}

// ============================================================================
// Evaluation
// ============================================================================

// EvaluateCheckpoint restores the checkpoint's model weights, runs every
// task the validation samplers yield, and posts the aggregated result.
func (v *Validator) EvaluateCheckpoint(ctx context.Context, path string) error {
	ctx, span := v.tracer.Start(ctx, "validator.evaluate",
		trace.WithAttributes(trace.StringAttr("checkpoint", filepath.Base(path))))
	defer span.End()

	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := v.model.SetParams(ckpt.ModelParams); err != nil {
		return err
	}
	trainingSteps := ckpt.State.TotalSteps + ckpt.State.StepCount

	v.logger.Info("Evaluating checkpoint",
		logging.String("checkpoint", filepath.Base(path)),
		logging.Int64("training_steps", trainingSteps))

	result, err := v.rolloutAllTasks(ctx, trainingSteps)
	if err != nil {
		return err
	}

	kind := types.PackageValidMetrics
	if v.mode == types.ModeTest {
		kind = types.PackageTestMetrics
	}
	for name, s := range result.Scalars {
		v.collector.ObserveEvalMetric(v.mode.String(), name, s.Value)
	}
	if v.out != nil {
		select {
		case v.out <- types.Envelope{Kind: kind, Eval: result}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// rolloutAllTasks runs the model deterministically until every validation
// sampler is exhausted, then recycles the pool for the next evaluation.
func (v *Validator) rolloutAllTasks(ctx context.Context, trainingSteps int64) (*types.EvalResult, error) {
	if err := v.ensurePool(); err != nil {
		return nil, err
	}
	v.pool.ResumeAll()
	if err := v.pool.ResetAll(); err != nil {
		return nil, err
	}

	observations := v.pool.GetObservations()
	keep, kept := pausePaused(v.pool, observations)
	if len(keep) == 0 {
		return nil, nil
	}

	memory := v.model.InitialMemory(len(keep))
	prevActions := make([]int64, len(keep))
	masks := ones(len(keep))

	var frames [][]byte
	var samples []map[string]interface{}

	for v.pool.NumActive() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, newMemory, err := v.model.Forward(batchObservations(kept), memory, prevActions, masks)
		if err != nil {
			return nil, err
		}
		actions := out.Mode()

		if v.cfg.Machine.RenderVideo && len(frames) < maxEvalFrames {
			frames = append(frames, v.pool.Render("rgb_array")...)
		}

		results, err := v.pool.Step(actions)
		if err != nil {
			return nil, err
		}

		observations = make([]types.Observation, len(results))
		masks = make([]float64, len(results))
		for i, r := range results {
			observations[i] = r.Observation
			masks[i] = 1
			if r.Done {
				masks[i] = 0
			}
		}
		prevActions = actions
		memory = newMemory

		keep, kept = pausePaused(v.pool, observations)
		if len(keep) < len(results) {
			memory = memory.Select(keep)
			prevActions = selectI64(prevActions, keep)
			masks = selectF64(masks, keep)
		}

		samples = append(samples, v.drainTaskMetrics()...)
	}
	samples = append(samples, v.drainTaskMetrics()...)

	scalars := make(map[string]types.SteppedScalar)
	for name, mean := range v.tracker.PopAndReset() {
		scalars[name] = types.SteppedScalar{Value: mean, Steps: trainingSteps}
	}
	v.logger.Info("Evaluation complete",
		logging.Int64("training_steps", trainingSteps),
		logging.Int("tasks", len(samples)),
		logging.String("means", FormatMeans(flattenStepped(scalars))))

	return &types.EvalResult{Scalars: scalars, Samples: samples, Frames: frames}, nil
}

// drainTaskMetrics moves queued per-task envelopes into the tracker and
// returns one sample record per finished task.
func (v *Validator) drainTaskMetrics() []map[string]interface{} {
	var samples []map[string]interface{}
	for {
		select {
		case env := <-v.taskMetrics:
			if env.Kind != types.PackageTask {
				continue
			}
			v.tracker.AddScalars(env.Scalars)
			record := make(map[string]interface{}, len(env.Scalars))
			for k, val := range env.Scalars {
				record[k] = val
			}
			samples = append(samples, record)
		default:
			return samples
		}
	}
}

// pausePaused pauses workers whose observation is nil, descending so
// earlier indices stay valid, and returns the survivors.
func pausePaused(pool *tasks.VectorSampledTasks, obs []types.Observation) (keep []int, kept []types.Observation) {
	for i, o := range obs {
		if o != nil {
			keep = append(keep, i)
			kept = append(kept, o)
		}
	}
	for i := len(obs) - 1; i >= 0; i-- {
		if obs[i] == nil {
			pool.PauseAt(i)
		}
	}
	return keep, kept
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func flattenStepped(scalars map[string]types.SteppedScalar) map[string]float64 {
	out := make(map[string]float64, len(scalars))
	for k, s := range scalars {
		out[k] = s.Value
	}
	return out
}

// ============================================================================
// Test Mode
// ============================================================================

// testReport is the on-disk shape of a test-mode metrics file.
type testReport struct {
	TrainingSteps int64                          `json:"training_steps"`
	Scalars       map[string]types.SteppedScalar `json:"scalars"`
	Tasks         []map[string]interface{}       `json:"tasks"`
}

// RunTest evaluates every checkpoint of a finished run in step order and
// incrementally writes the aggregate report, so a crash mid-sweep loses
// at most the checkpoint in flight. skip thins the checkpoint list; the
// final checkpoint is always evaluated.
func (v *Validator) RunTest(ctx context.Context, checkpointDir string, skip int) (string, error) {
	files, err := GetCheckpointFiles(checkpointDir, skip)
	if err != nil {
		return "", err
	}

	metricsDir := filepath.Join(v.cfg.Experiment.OutputDir, "metrics",
		v.cfg.Experiment.Name, filepath.Base(checkpointDir))
	if err := utils.EnsureDir(metricsDir); err != nil {
		return "", err
	}
	reportPath := filepath.Join(metricsDir,
		fmt.Sprintf("metrics__test_%s.json", time.Now().Format(runIDLayout)))

	var reports []testReport
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return reportPath, err
		}

		ckpt, err := LoadCheckpoint(file)
		if err != nil {
			return reportPath, err
		}
		if err := v.model.SetParams(ckpt.ModelParams); err != nil {
			return reportPath, err
		}
		trainingSteps := ckpt.State.TotalSteps + ckpt.State.StepCount

		result, err := v.rolloutAllTasks(ctx, trainingSteps)
		if err != nil {
			return reportPath, err
		}
		if result == nil {
			continue
		}

		reports = append(reports, testReport{
			TrainingSteps: trainingSteps,
			Scalars:       result.Scalars,
			Tasks:         result.Samples,
		})

		data, err := json.MarshalIndent(reports, "", "  ")
		if err != nil {
			return reportPath, err
		}
		if err := utils.AtomicWriteFile(reportPath, data, 0644); err != nil {
			return reportPath, err
		}
	}

	v.logger.Info("Test sweep complete",
		logging.Int("checkpoints", len(reports)),
		logging.String("report", reportPath))
	return reportPath, nil
}

//Personal.AI order the ending
