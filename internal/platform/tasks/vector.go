// internal/platform/tasks/vector.go
package tasks

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/pkg/errors"
	"github.com/openrle/openrle/pkg/types"
)

// ============================================================================
// Worker Commands
// ============================================================================

type commandKind int

const (
	cmdStep commandKind = iota
	cmdObservations
	cmdExpert
	cmdNextTask
	cmdReset
	cmdSetSeed
	cmdRender
	cmdClose
)

type command struct {
	kind   commandKind
	action int64
	force  bool
	seed   int64
	mode   string
	reply  chan response
}

type response struct {
	step     types.StepResult
	obs      types.Observation
	frame    []byte
	expert   int64
	expertOK bool
	err      error
}

// ============================================================================
// Worker
// ============================================================================

type worker struct {
	index   int
	sampler TaskSampler
	task    Task
	cmds    chan command
	metrics chan<- types.Envelope
	dropped *atomic.Int64
	done    chan struct{}
}

func (w *worker) run() {
	defer close(w.done)
	for cmd := range w.cmds {
		switch cmd.kind {
		case cmdStep:
			cmd.reply <- w.step(cmd.action)
		case cmdObservations:
			cmd.reply <- response{obs: w.observations()}
		case cmdExpert:
			resp := response{}
			if w.task != nil {
				resp.expert, resp.expertOK = w.task.ExpertAction()
			}
			cmd.reply <- resp
		case cmdNextTask:
			cmd.reply <- response{obs: w.advance(cmd.force), err: nil}
		case cmdReset:
			cmd.reply <- w.reset()
		case cmdSetSeed:
			w.sampler.SetSeed(cmd.seed)
			cmd.reply <- response{}
		case cmdRender:
			cmd.reply <- w.render(cmd.mode)
		case cmdClose:
			cmd.reply <- response{err: w.close()}
			return
		}
	}
}

// step applies one action. A finished episode emits its metrics out-of-band
// and rolls into the sampler's next task; a nil observation in the result is
// the paused sentinel the coordinator strips from the active batch.
func (w *worker) step(action int64) response {
	if w.task == nil {
		return response{step: types.StepResult{Observation: nil}}
	}
	result, err := w.task.Step(action)
	if err != nil {
		return response{err: err}
	}
	if result.Done {
		if m := w.task.Metrics(); len(m) > 0 {
			w.emitMetrics(types.Envelope{Kind: types.PackageTask, Scalars: m})
		}
		result.Observation = w.advance(false)
	}
	return response{step: result}
}

// emitMetrics must never block: a worker parked on a full metrics channel
// would stall the step barrier and with it the whole coordinator loop. A
// full channel drops the envelope and counts it instead.
func (w *worker) emitMetrics(env types.Envelope) {
	select {
	case w.metrics <- env:
	default:
		w.dropped.Add(1)
	}
}

func (w *worker) observations() types.Observation {
	if w.task == nil {
		return nil
	}
	return w.task.GetObservations()
}

// advance closes the current task and moves to the sampler's next one,
// returning its first observation, or nil when the sampler is exhausted.
func (w *worker) advance(force bool) types.Observation {
	if w.task != nil {
		_ = w.task.Close()
	}
	next, err := w.sampler.NextTask(force)
	if err != nil || next == nil {
		w.task = nil
		return nil
	}
	w.task = next
	return next.GetObservations()
}

func (w *worker) reset() response {
	if w.task != nil {
		_ = w.task.Close()
		w.task = nil
	}
	if err := w.sampler.Reset(); err != nil {
		return response{err: err}
	}
	return response{obs: w.advance(false)}
}

func (w *worker) render(mode string) response {
	if w.task == nil {
		return response{}
	}
	frame, err := w.task.Render(mode)
	return response{frame: frame, err: err}
}

func (w *worker) close() error {
	var err error
	if w.task != nil {
		err = multierr.Append(err, w.task.Close())
		w.task = nil
	}
	err = multierr.Append(err, w.sampler.Close())
	return err
}

// ============================================================================
// Vectorized Task Pool
// ============================================================================

// Options configures a VectorSampledTasks pool.
type Options struct {
	// MetricsOut is the shared out-of-band metrics channel. When nil a
	// buffered channel is created and owned by the pool.
	MetricsOut chan types.Envelope

	// Logger for pool lifecycle events.
	Logger logging.Logger
}

// VectorSampledTasks drives a fixed pool of environment goroutines, one
// task sampler each, behind a synchronous per-step barrier. The process
// dimension of every batched call follows the active-worker order, and
// workers are removed (never reordered) on pause.
type VectorSampledTasks struct {
	workers []*worker
	active  []int

	metricsOut chan types.Envelope
	dropped    atomic.Int64
	logger     logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewVectorSampledTasks builds samplers and initial tasks for numWorkers
// workers and starts their goroutines.
func NewVectorSampledTasks(numWorkers int, factory SamplerFactory, opts Options) (*VectorSampledTasks, error) {
	if numWorkers <= 0 {
		return nil, errors.NewFromCode(errors.ErrConfigInvalidProcessCount).
			WithDetails("num_workers", numWorkers)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	metricsOut := opts.MetricsOut
	if metricsOut == nil {
		metricsOut = make(chan types.Envelope, 1024)
	}

	v := &VectorSampledTasks{
		workers:    make([]*worker, numWorkers),
		active:     make([]int, numWorkers),
		metricsOut: metricsOut,
		logger:     logger,
	}

	var g errgroup.Group
	for i := 0; i < numWorkers; i++ {
		i := i
		g.Go(func() error {
			sampler, err := factory(i)
			if err != nil {
				return err
			}
			task, err := sampler.NextTask(false)
			if err != nil {
				_ = sampler.Close()
				return err
			}
			v.workers[i] = &worker{
				index:   i,
				sampler: sampler,
				task:    task,
				cmds:    make(chan command),
				metrics: metricsOut,
				dropped: &v.dropped,
				done:    make(chan struct{}),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range v.workers {
			if w != nil {
				_ = w.close()
			}
		}
		return nil, errors.InfrastructureError("task workers", err)
	}

	for i := range v.workers {
		v.active[i] = i
		go v.workers[i].run()
	}

	logger.Info("Task worker pool started", logging.Int("num_workers", numWorkers))
	return v, nil
}

// NumActive returns the number of unpaused workers.
func (v *VectorSampledTasks) NumActive() int { return len(v.active) }

// NumWorkers returns the total pool size.
func (v *VectorSampledTasks) NumWorkers() int { return len(v.workers) }

// MetricsOutQueue returns the shared out-of-band metrics channel.
func (v *VectorSampledTasks) MetricsOutQueue() chan types.Envelope { return v.metricsOut }

// DroppedMetrics returns the number of metric envelopes discarded because
// the metrics channel was full at emission time.
func (v *VectorSampledTasks) DroppedMetrics() int64 { return v.dropped.Load() }

// IsClosed reports whether Close has run.
func (v *VectorSampledTasks) IsClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// dispatch sends one command to each listed worker, then collects replies in
// order. The collection is the synchronous barrier: no partial progress
// across workers within one call.
func (v *VectorSampledTasks) dispatch(workerIDs []int, build func(i int) command) []response {
	replies := make([]chan response, len(workerIDs))
	for i, id := range workerIDs {
		cmd := build(i)
		cmd.reply = make(chan response, 1)
		replies[i] = cmd.reply
		v.workers[id].cmds <- cmd
	}
	out := make([]response, len(workerIDs))
	for i, ch := range replies {
		out[i] = <-ch
	}
	return out
}

// Step steps every active worker with its action and blocks until all
// respond.
func (v *VectorSampledTasks) Step(actions []int64) ([]types.StepResult, error) {
	if v.IsClosed() {
		return nil, errors.NewFromCode(errors.ErrTasksClosed)
	}
	if len(actions) != len(v.active) {
		return nil, errors.NewFromCode(errors.ErrTasksActionCount).
			WithDetails("actions", len(actions)).
			WithDetails("active", len(v.active))
	}

	resps := v.dispatch(v.active, func(i int) command {
		return command{kind: cmdStep, action: actions[i]}
	})

	results := make([]types.StepResult, len(resps))
	for i, r := range resps {
		if r.err != nil {
			return nil, r.err
		}
		results[i] = r.step
	}
	return results, nil
}

// GetObservations returns current observations for active workers; nil
// entries mark workers whose samplers are exhausted.
func (v *VectorSampledTasks) GetObservations() []types.Observation {
	resps := v.dispatch(v.active, func(int) command {
		return command{kind: cmdObservations}
	})
	obs := make([]types.Observation, len(resps))
	for i, r := range resps {
		obs[i] = r.obs
	}
	return obs
}

// ExpertActions returns, for each active worker, the expert action and
// whether one exists for the current state.
func (v *VectorSampledTasks) ExpertActions() ([]int64, []bool) {
	resps := v.dispatch(v.active, func(int) command {
		return command{kind: cmdExpert}
	})
	acts := make([]int64, len(resps))
	exists := make([]bool, len(resps))
	for i, r := range resps {
		acts[i] = r.expert
		exists[i] = r.expertOK
	}
	return acts, exists
}

// PauseAt removes the active worker at index i from the batch. The worker
// goroutine stays alive and rejoins on ResumeAll. Callers removing several
// indices must do so in descending order.
func (v *VectorSampledTasks) PauseAt(i int) {
	if i < 0 || i >= len(v.active) {
		return
	}
	v.active = append(v.active[:i], v.active[i+1:]...)
}

// ResumeAll restores every worker to the active batch.
func (v *VectorSampledTasks) ResumeAll() {
	v.active = v.active[:0]
	for i := range v.workers {
		v.active = append(v.active, i)
	}
}

// ResetAll rewinds every sampler and restores the full active batch.
func (v *VectorSampledTasks) ResetAll() error {
	v.ResumeAll()
	resps := v.dispatch(v.active, func(int) command {
		return command{kind: cmdReset}
	})
	for _, r := range resps {
		if r.err != nil {
			return r.err
		}
	}
	return nil
}

// NextTask advances every active worker to its sampler's next task and
// returns the new observations.
func (v *VectorSampledTasks) NextTask(forceAdvanceScene bool) []types.Observation {
	resps := v.dispatch(v.active, func(int) command {
		return command{kind: cmdNextTask, force: forceAdvanceScene}
	})
	obs := make([]types.Observation, len(resps))
	for i, r := range resps {
		obs[i] = r.obs
	}
	return obs
}

// SetSeeds reseeds every worker's sampler, one seed per worker.
func (v *VectorSampledTasks) SetSeeds(seeds []int64) error {
	if len(seeds) != len(v.workers) {
		return errors.InternalErrorf("%d seeds for %d workers", len(seeds), len(v.workers))
	}
	all := make([]int, len(v.workers))
	for i := range all {
		all[i] = i
	}
	v.dispatch(all, func(i int) command {
		return command{kind: cmdSetSeed, seed: seeds[i]}
	})
	return nil
}

// Render returns one rendered frame per active worker.
func (v *VectorSampledTasks) Render(mode string) [][]byte {
	resps := v.dispatch(v.active, func(int) command {
		return command{kind: cmdRender, mode: mode}
	})
	frames := make([][]byte, 0, len(resps))
	for _, r := range resps {
		if r.err == nil && r.frame != nil {
			frames = append(frames, r.frame)
		}
	}
	return frames
}

// Close shuts down every worker goroutine and aggregates their close
// errors. Idempotent.
func (v *VectorSampledTasks) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	all := make([]int, len(v.workers))
	for i := range all {
		all[i] = i
	}
	resps := v.dispatch(all, func(int) command {
		return command{kind: cmdClose}
	})

	var err error
	for i, r := range resps {
		if r.err != nil {
			err = multierr.Append(err, errors.TeardownError("task worker", r.err).
				WithDetails("worker", i))
		}
		close(v.workers[i].cmds)
		<-v.workers[i].done
	}

	v.logger.Info("Task worker pool closed", logging.Int("num_workers", len(v.workers)))
	return err
}

//Personal.AI order the ending
