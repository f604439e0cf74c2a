// internal/platform/train/pipeline.go
package train

import (
	"github.com/openrle/openrle/internal/platform/losses"
	"github.com/openrle/openrle/pkg/config"
	"github.com/openrle/openrle/pkg/errors"
)

// ============================================================================
// Loss Registry
// ============================================================================

// LossRegistry maps the loss names stages reference onto implementations.
// Experiments register their losses once at setup.
type LossRegistry struct {
	onPolicy  map[string]losses.ActorCriticLoss
	offPolicy map[string]losses.OffPolicyLoss
}

// NewLossRegistry builds an empty registry.
func NewLossRegistry() *LossRegistry {
	return &LossRegistry{
		onPolicy:  make(map[string]losses.ActorCriticLoss),
		offPolicy: make(map[string]losses.OffPolicyLoss),
	}
}

// Register adds an on-policy loss under its own name.
func (r *LossRegistry) Register(loss losses.ActorCriticLoss) {
	r.onPolicy[loss.Name()] = loss
}

// RegisterOffPolicy adds an off-policy loss under its own name.
func (r *LossRegistry) RegisterOffPolicy(loss losses.OffPolicyLoss) {
	r.offPolicy[loss.Name()] = loss
}

func (r *LossRegistry) resolve(names []string) ([]losses.ActorCriticLoss, error) {
	out := make([]losses.ActorCriticLoss, len(names))
	for i, name := range names {
		loss, ok := r.onPolicy[name]
		if !ok {
			return nil, errors.NewFromCode(errors.ErrConfigUnknownLoss).
				WithDetails("loss", name)
		}
		out[i] = loss
	}
	return out, nil
}

func (r *LossRegistry) resolveOffPolicy(names []string) ([]losses.OffPolicyLoss, error) {
	out := make([]losses.OffPolicyLoss, len(names))
	for i, name := range names {
		loss, ok := r.offPolicy[name]
		if !ok {
			return nil, errors.NewFromCode(errors.ErrConfigUnknownLoss).
				WithDetails("loss", name)
		}
		out[i] = loss
	}
	return out, nil
}

// ============================================================================
// Decay Schedule
// ============================================================================

// DecaySchedule linearly anneals a probability from Start to End over
// Steps, clamping afterwards. Used for teacher forcing.
type DecaySchedule struct {
	start float64
	end   float64
	steps int64
}

// NewDecaySchedule builds a schedule from its config.
func NewDecaySchedule(cfg *config.DecayConfig) *DecaySchedule {
	return &DecaySchedule{start: cfg.Start, end: cfg.End, steps: cfg.Steps}
}

// At returns the probability at stage-local step.
func (d *DecaySchedule) At(step int64) float64 {
	if step >= d.steps {
		return d.end
	}
	frac := float64(step) / float64(d.steps)
	return d.start + frac*(d.end-d.start)
}

// ============================================================================
// Stage Runtime
// ============================================================================

// StageRuntime is a fully-resolved pipeline stage bound to loss
// implementations, with the stage's rollout budget computed for the current
// process count. Immutable once entered.
type StageRuntime struct {
	Index  int
	Config *config.ResolvedStage

	Losses      []losses.ActorCriticLoss
	LossWeights []float64

	OffPolicyLosses  []losses.OffPolicyLoss
	OffPolicyWeights []float64
	OffPolicySource  losses.OffPolicySource

	TeacherForcing *DecaySchedule

	// NumRollouts is the stage budget in rollouts. The division truncates:
	// any remainder of MaxStageSteps not filling a whole rollout across all
	// processes is dropped, and BudgetedSteps records what will actually
	// run.
	NumRollouts   int
	BudgetedSteps int64
}

// NewStageRuntime resolves stage index i of the pipeline against the
// registry and process count.
func NewStageRuntime(cfg *config.Config, index int, registry *LossRegistry, numProcesses int, offSource losses.OffPolicySource) (*StageRuntime, error) {
	resolved, err := config.ResolveStage(cfg.Pipeline.Stages[index], cfg.Pipeline.Defaults, cfg.Machine.Defaults)
	if err != nil {
		return nil, err
	}

	rt := &StageRuntime{
		Index:       index,
		Config:      resolved,
		LossWeights: resolved.LossWeights,
	}

	rt.Losses, err = registry.resolve(resolved.LossNames)
	if err != nil {
		return nil, err
	}

	if resolved.OffPolicy != nil {
		rt.OffPolicyLosses, err = registry.resolveOffPolicy(resolved.OffPolicy.LossNames)
		if err != nil {
			return nil, err
		}
		rt.OffPolicyWeights = resolved.OffPolicy.LossWeights
		rt.OffPolicySource = offSource
		if offSource == nil {
			return nil, errors.ConfigurationErrorf(
				"stage %s configures an off-policy component but no source is registered", resolved.Name)
		}
	}

	if resolved.TeacherForcing != nil {
		rt.TeacherForcing = NewDecaySchedule(resolved.TeacherForcing)
	}

	rt.NumRollouts = int(resolved.MaxStageSteps/int64(resolved.StepsInRollout)) / numProcesses
	rt.BudgetedSteps = int64(rt.NumRollouts) * int64(numProcesses) * int64(resolved.StepsInRollout)

	return rt, nil
}

// EarlyStopMet evaluates the stage's early-stopping criterion against the
// tracker's current means. Stages without a criterion never stop early,
// and a metric with no samples yet never fires.
func (rt *StageRuntime) EarlyStopMet(tracker *ScalarMeanTracker) bool {
	es := rt.Config.EarlyStopping
	if es == nil {
		return false
	}
	mean, ok := tracker.Mean(es.Metric)
	if !ok {
		return false
	}
	if es.Direction == "below" {
		return mean <= es.Threshold
	}
	return mean >= es.Threshold
}

//Personal.AI order the ending
