// internal/platform/policy/optim.go
package policy

import (
	"math"

	"github.com/openrle/openrle/pkg/errors"
)

// ============================================================================
// Optimizer Contract
// ============================================================================

// Optimizer applies one gradient step to a flat parameter vector.
// Implementations are serializable so checkpoints can restore exact
// optimizer state.
type Optimizer interface {
	// Step updates params in place from grads.
	Step(params, grads []float64) error

	// LR returns the current learning rate.
	LR() float64

	// SetLR overrides the learning rate (driven by the scheduler).
	SetLR(lr float64)

	// StateDict snapshots the optimizer state for checkpointing.
	StateDict() *OptimizerState

	// LoadStateDict restores a snapshot.
	LoadStateDict(state *OptimizerState) error
}

// OptimizerState is the serializable optimizer snapshot.
type OptimizerState struct {
	Kind    string               `json:"kind"`
	LR      float64              `json:"lr"`
	Steps   int64                `json:"steps"`
	Buffers map[string][]float64 `json:"buffers,omitempty"`
}

// ============================================================================
// SGD
// ============================================================================

// SGD is stochastic gradient descent with optional momentum and weight
// decay.
type SGD struct {
	lr          float64
	momentum    float64
	weightDecay float64
	steps       int64
	velocity    []float64
}

// NewSGD builds an SGD optimizer.
func NewSGD(lr, momentum, weightDecay float64) *SGD {
	return &SGD{lr: lr, momentum: momentum, weightDecay: weightDecay}
}

func (o *SGD) LR() float64 { return o.lr }

func (o *SGD) SetLR(lr float64) { o.lr = lr }

func (o *SGD) Step(params, grads []float64) error {
	if len(params) != len(grads) {
		return errors.InternalErrorf("sgd: %d params, %d grads", len(params), len(grads))
	}
	if o.velocity == nil {
		o.velocity = make([]float64, len(params))
	}
	for i := range params {
		g := grads[i] + o.weightDecay*params[i]
		if o.momentum != 0 {
			o.velocity[i] = o.momentum*o.velocity[i] + g
			g = o.velocity[i]
		}
		params[i] -= o.lr * g
	}
	o.steps++
	return nil
}

func (o *SGD) StateDict() *OptimizerState {
	state := &OptimizerState{Kind: "sgd", LR: o.lr, Steps: o.steps, Buffers: map[string][]float64{}}
	if o.velocity != nil {
		state.Buffers["velocity"] = append([]float64(nil), o.velocity...)
	}
	return state
}

func (o *SGD) LoadStateDict(state *OptimizerState) error {
	if state.Kind != "sgd" {
		return errors.InternalErrorf("cannot load %q state into sgd optimizer", state.Kind)
	}
	o.lr = state.LR
	o.steps = state.Steps
	if v, ok := state.Buffers["velocity"]; ok {
		o.velocity = append([]float64(nil), v...)
	}
	return nil
}

// ============================================================================
// Adam
// ============================================================================

// Adam is the Adam optimizer with bias correction.
type Adam struct {
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	steps       int64
	m           []float64
	v           []float64
}

// NewAdam builds an Adam optimizer with standard betas.
func NewAdam(lr, weightDecay float64) *Adam {
	return &Adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8, weightDecay: weightDecay}
}

func (o *Adam) LR() float64 { return o.lr }

func (o *Adam) SetLR(lr float64) { o.lr = lr }

func (o *Adam) Step(params, grads []float64) error {
	if len(params) != len(grads) {
		return errors.InternalErrorf("adam: %d params, %d grads", len(params), len(grads))
	}
	if o.m == nil {
		o.m = make([]float64, len(params))
		o.v = make([]float64, len(params))
	}
	o.steps++
	bc1 := 1 - math.Pow(o.beta1, float64(o.steps))
	bc2 := 1 - math.Pow(o.beta2, float64(o.steps))
	for i := range params {
		g := grads[i] + o.weightDecay*params[i]
		o.m[i] = o.beta1*o.m[i] + (1-o.beta1)*g
		o.v[i] = o.beta2*o.v[i] + (1-o.beta2)*g*g
		mHat := o.m[i] / bc1
		vHat := o.v[i] / bc2
		params[i] -= o.lr * mHat / (math.Sqrt(vHat) + o.eps)
	}
	return nil
}

func (o *Adam) StateDict() *OptimizerState {
	state := &OptimizerState{Kind: "adam", LR: o.lr, Steps: o.steps, Buffers: map[string][]float64{}}
	if o.m != nil {
		state.Buffers["m"] = append([]float64(nil), o.m...)
		state.Buffers["v"] = append([]float64(nil), o.v...)
	}
	return state
}

func (o *Adam) LoadStateDict(state *OptimizerState) error {
	if state.Kind != "adam" {
		return errors.InternalErrorf("cannot load %q state into adam optimizer", state.Kind)
	}
	o.lr = state.LR
	o.steps = state.Steps
	if m, ok := state.Buffers["m"]; ok {
		o.m = append([]float64(nil), m...)
		o.v = append([]float64(nil), state.Buffers["v"]...)
	}
	return nil
}

// ============================================================================
// Gradient Clipping
// ============================================================================

// ClipGradNorm rescales grads in place so their L2 norm does not exceed
// maxNorm, returning the pre-clip norm.
func ClipGradNorm(grads []float64, maxNorm float64) float64 {
	sum := 0.0
	for _, g := range grads {
		sum += g * g
	}
	norm := math.Sqrt(sum)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-12)
		for i := range grads {
			grads[i] *= scale
		}
	}
	return norm
}

// ============================================================================
// Learning-Rate Scheduler
// ============================================================================

// LinearDecay scales the optimizer's learning rate linearly from the base
// rate down to base*endFactor over totalSteps global steps, keyed by the
// engine's cumulative step count so resumption continues the schedule
// exactly.
type LinearDecay struct {
	baseLR     float64
	endFactor  float64
	totalSteps int64
	lastStep   int64
}

// NewLinearDecay builds a scheduler over the optimizer's base rate.
func NewLinearDecay(baseLR, endFactor float64, totalSteps int64) *LinearDecay {
	return &LinearDecay{baseLR: baseLR, endFactor: endFactor, totalSteps: totalSteps}
}

// Step advances the schedule to globalStep and applies the rate to opt.
func (s *LinearDecay) Step(opt Optimizer, globalStep int64) {
	s.lastStep = globalStep
	opt.SetLR(s.Rate(globalStep))
}

// Rate returns the learning rate at globalStep.
func (s *LinearDecay) Rate(globalStep int64) float64 {
	if globalStep >= s.totalSteps {
		return s.baseLR * s.endFactor
	}
	frac := float64(globalStep) / float64(s.totalSteps)
	return s.baseLR * (1 + frac*(s.endFactor-1))
}

// StateDict snapshots the scheduler for checkpointing.
func (s *LinearDecay) StateDict() *SchedulerState {
	return &SchedulerState{
		BaseLR:     s.baseLR,
		EndFactor:  s.endFactor,
		TotalSteps: s.totalSteps,
		LastStep:   s.lastStep,
	}
}

// LoadStateDict restores a snapshot.
func (s *LinearDecay) LoadStateDict(state *SchedulerState) {
	s.baseLR = state.BaseLR
	s.endFactor = state.EndFactor
	s.totalSteps = state.TotalSteps
	s.lastStep = state.LastStep
}

// SchedulerState is the serializable scheduler snapshot.
type SchedulerState struct {
	BaseLR     float64 `json:"base_lr"`
	EndFactor  float64 `json:"end_factor"`
	TotalSteps int64   `json:"total_steps"`
	LastStep   int64   `json:"last_step"`
}

//Personal.AI order the ending
