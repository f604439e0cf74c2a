// Package config provides centralized configuration management for OpenRLE.
// It defines configuration structures for all components and supports
// validation, default values, and a precedence-ordered stage resolver.
package config

import (
	"time"

	"github.com/openrle/openrle/pkg/errors"
)

// ============================================================================
// Main Configuration Structure
// ============================================================================

// Config represents the complete engine configuration
type Config struct {
	// Experiment identity and output locations
	Experiment ExperimentConfig `mapstructure:"experiment" yaml:"experiment" json:"experiment"`

	// Machine configuration (process counts, devices)
	Machine MachineConfig `mapstructure:"machine" yaml:"machine" json:"machine"`

	// Training pipeline configuration
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline" json:"pipeline"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`

	// Monitor HTTP endpoint configuration
	Monitor MonitorConfig `mapstructure:"monitor" yaml:"monitor" json:"monitor"`

	// Tracing configuration
	Trace TraceConfig `mapstructure:"trace" yaml:"trace" json:"trace"`
}

// ============================================================================
// Experiment Configuration
// ============================================================================

// ExperimentConfig identifies the experiment and where its artifacts go
type ExperimentConfig struct {
	// Experiment name; used in checkpoint and metrics paths
	Name string `mapstructure:"name" yaml:"name" json:"name" validate:"required"`

	// Root directory for checkpoints, metrics, and lock files
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir" json:"output_dir" validate:"required"`

	// Extra tag appended to log paths (optional)
	ExtraTag string `mapstructure:"extra_tag" yaml:"extra_tag" json:"extra_tag"`

	// Seed for deterministic behavior (nil = nondeterministic)
	Seed *int64 `mapstructure:"seed" yaml:"seed" json:"seed"`
}

// ============================================================================
// Machine Configuration
// ============================================================================

// MachineConfig describes the worker layout per mode
type MachineConfig struct {
	// Number of parallel training environments
	NumProcesses int `mapstructure:"num_processes" yaml:"num_processes" json:"num_processes" validate:"gt=0"`

	// Number of parallel validation environments; 0 disables validation
	ValidProcesses int `mapstructure:"valid_processes" yaml:"valid_processes" json:"valid_processes" validate:"gte=0"`

	// Render frames during evaluation and attach them to eval payloads
	RenderVideo bool `mapstructure:"render_video" yaml:"render_video" json:"render_video"`

	// Lowest-precedence stage hyperparameter fallbacks
	Defaults StageHyperparams `mapstructure:"defaults" yaml:"defaults" json:"defaults"`
}

// ============================================================================
// Pipeline Configuration
// ============================================================================

// PipelineConfig defines the staged training curriculum
type PipelineConfig struct {
	// Steps between checkpoint saves; 0 disables periodic saving
	SaveInterval int64 `mapstructure:"save_interval" yaml:"save_interval" json:"save_interval" validate:"gte=0"`

	// Steps between metrics accumulation/log flushes
	MetricAccumulateInterval int64 `mapstructure:"metric_accumulate_interval" yaml:"metric_accumulate_interval" json:"metric_accumulate_interval" validate:"gte=0"`

	// Mid-precedence stage hyperparameter defaults
	Defaults StageHyperparams `mapstructure:"defaults" yaml:"defaults" json:"defaults"`

	// Ordered stage configurations
	Stages []StageConfig `mapstructure:"stages" yaml:"stages" json:"stages" validate:"min=1,dive"`

	// Optimizer configuration
	Optimizer OptimizerConfig `mapstructure:"optimizer" yaml:"optimizer" json:"optimizer"`

	// Learning-rate scheduler configuration (optional)
	Scheduler *SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler" json:"scheduler"`
}

// StageHyperparams holds the layered stage hyperparameters. Every field is
// optional at each individual layer; the resolver requires core fields to be
// present at some layer and fails setup otherwise.
type StageHyperparams struct {
	StepsInRollout    *int     `mapstructure:"steps_in_rollout" yaml:"steps_in_rollout" json:"steps_in_rollout"`
	MaxStageSteps     *int64   `mapstructure:"max_stage_steps" yaml:"max_stage_steps" json:"max_stage_steps"`
	UpdateEpochs      *int     `mapstructure:"update_epochs" yaml:"update_epochs" json:"update_epochs"`
	UpdateMiniBatches *int     `mapstructure:"update_mini_batches" yaml:"update_mini_batches" json:"update_mini_batches"`
	Gamma             *float64 `mapstructure:"gamma" yaml:"gamma" json:"gamma"`
	UseGAE            *bool    `mapstructure:"use_gae" yaml:"use_gae" json:"use_gae"`
	GAELambda         *float64 `mapstructure:"gae_lambda" yaml:"gae_lambda" json:"gae_lambda"`
	MaxGradNorm       *float64 `mapstructure:"max_grad_norm" yaml:"max_grad_norm" json:"max_grad_norm"`

	// Optional at all layers
	AdvanceSceneRolloutPeriod *int  `mapstructure:"advance_scene_rollout_period" yaml:"advance_scene_rollout_period" json:"advance_scene_rollout_period"`
	DeterministicAgent        *bool `mapstructure:"deterministic_agent" yaml:"deterministic_agent" json:"deterministic_agent"`
}

// StageConfig is one named, ordered pipeline stage
type StageConfig struct {
	// Stage name for logs
	Name string `mapstructure:"name" yaml:"name" json:"name" validate:"required"`

	// Loss names referencing the experiment's named losses
	LossNames []string `mapstructure:"loss_names" yaml:"loss_names" json:"loss_names" validate:"min=1"`

	// Loss weights; defaults to 1.0 per loss when omitted
	LossWeights []float64 `mapstructure:"loss_weights" yaml:"loss_weights" json:"loss_weights"`

	// Highest-precedence hyperparameter layer
	StageHyperparams `mapstructure:",squash" yaml:",inline" json:",inline"`

	// Early-stopping criterion (optional)
	EarlyStopping *EarlyStoppingConfig `mapstructure:"early_stopping" yaml:"early_stopping" json:"early_stopping"`

	// Teacher-forcing decay schedule (optional)
	TeacherForcing *DecayConfig `mapstructure:"teacher_forcing" yaml:"teacher_forcing" json:"teacher_forcing"`

	// Off-policy pipeline component (optional)
	OffPolicy *OffPolicyConfig `mapstructure:"off_policy" yaml:"off_policy" json:"off_policy"`
}

// EarlyStoppingConfig configures a metric-threshold stopping criterion
type EarlyStoppingConfig struct {
	// Metric name observed in the training scalar tracker
	Metric string `mapstructure:"metric" yaml:"metric" json:"metric" validate:"required"`

	// Threshold the metric mean must reach
	Threshold float64 `mapstructure:"threshold" yaml:"threshold" json:"threshold"`

	// Direction: "above" stops once mean >= threshold, "below" once <=
	Direction string `mapstructure:"direction" yaml:"direction" json:"direction" validate:"oneof=above below"`
}

// DecayConfig is a linear decay schedule from Start to End over Steps
type DecayConfig struct {
	Start float64 `mapstructure:"start" yaml:"start" json:"start" validate:"probability"`
	End   float64 `mapstructure:"end" yaml:"end" json:"end" validate:"probability"`
	Steps int64   `mapstructure:"steps" yaml:"steps" json:"steps" validate:"gt=0"`
}

// OffPolicyConfig configures the interleaved off-policy update block
type OffPolicyConfig struct {
	// Loss names referencing the experiment's named off-policy losses
	LossNames []string `mapstructure:"loss_names" yaml:"loss_names" json:"loss_names" validate:"min=1"`

	// Loss weights; defaults to 1.0 per loss when omitted
	LossWeights []float64 `mapstructure:"loss_weights" yaml:"loss_weights" json:"loss_weights"`

	// Updates per rollout
	Updates int `mapstructure:"updates" yaml:"updates" json:"updates" validate:"gt=0"`

	// Batch size drawn from the off-policy data source
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size" validate:"gt=0"`
}

// OptimizerConfig selects and parameterizes the optimizer
type OptimizerConfig struct {
	// Kind: "sgd" or "adam"
	Kind string `mapstructure:"kind" yaml:"kind" json:"kind" validate:"oneof=sgd adam"`

	// Base learning rate
	LR float64 `mapstructure:"lr" yaml:"lr" json:"lr" validate:"gt=0"`

	// Momentum (sgd only)
	Momentum float64 `mapstructure:"momentum" yaml:"momentum" json:"momentum" validate:"gte=0"`

	// Weight decay
	WeightDecay float64 `mapstructure:"weight_decay" yaml:"weight_decay" json:"weight_decay" validate:"gte=0"`
}

// SchedulerConfig configures the linear-decay LR scheduler
type SchedulerConfig struct {
	// Final LR multiplier reached after Steps global steps
	EndFactor float64 `mapstructure:"end_factor" yaml:"end_factor" json:"end_factor" validate:"gte=0"`

	// Global steps over which the multiplier decays from 1 to EndFactor
	Steps int64 `mapstructure:"steps" yaml:"steps" json:"steps" validate:"gt=0"`
}

// ============================================================================
// Logging / Monitor / Trace Configuration
// ============================================================================

// LoggingConfig mirrors the logging package settings
type LoggingConfig struct {
	Level    string `mapstructure:"level" yaml:"level" json:"level"`
	Format   string `mapstructure:"format" yaml:"format" json:"format"`
	Output   string `mapstructure:"output" yaml:"output" json:"output"`
	FilePath string `mapstructure:"file_path" yaml:"file_path" json:"file_path"`
}

// MonitorConfig configures the optional HTTP monitor endpoint
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Host    string `mapstructure:"host" yaml:"host" json:"host"`
	Port    int    `mapstructure:"port" yaml:"port" json:"port"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TraceConfig configures tracing
type TraceConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio" json:"sample_ratio"`
}

// ============================================================================
// Stage Resolution
// ============================================================================

// ResolvedStage is a fully-resolved, immutable stage configuration. All core
// hyperparameters are concrete; optional components stay nil when absent at
// every layer.
type ResolvedStage struct {
	Name        string
	LossNames   []string
	LossWeights []float64

	StepsInRollout    int
	MaxStageSteps     int64
	UpdateEpochs      int
	UpdateMiniBatches int
	Gamma             float64
	UseGAE            bool
	GAELambda         float64
	MaxGradNorm       float64

	AdvanceSceneRolloutPeriod int // 0 = disabled
	DeterministicAgent        bool

	EarlyStopping  *EarlyStoppingConfig
	TeacherForcing *DecayConfig
	OffPolicy      *OffPolicyConfig
}

// ResolveStage merges the three hyperparameter layers in precedence order
// (stage, then pipeline defaults, then machine defaults). A core field
// missing at every layer is a fatal configuration error.
func ResolveStage(stage StageConfig, pipeline, machine StageHyperparams) (*ResolvedStage, error) {
	rs := &ResolvedStage{
		Name:           stage.Name,
		LossNames:      stage.LossNames,
		EarlyStopping:  stage.EarlyStopping,
		TeacherForcing: stage.TeacherForcing,
		OffPolicy:      stage.OffPolicy,
	}

	rs.LossWeights = stage.LossWeights
	if rs.LossWeights == nil {
		rs.LossWeights = make([]float64, len(stage.LossNames))
		for i := range rs.LossWeights {
			rs.LossWeights[i] = 1.0
		}
	}
	if len(rs.LossWeights) != len(rs.LossNames) {
		return nil, errors.ConfigurationErrorf(
			"stage %s: %d loss weights for %d losses", stage.Name, len(rs.LossWeights), len(rs.LossNames))
	}

	var err error
	if rs.StepsInRollout, err = resolveInt(stage.Name, "steps_in_rollout",
		stage.StepsInRollout, pipeline.StepsInRollout, machine.StepsInRollout); err != nil {
		return nil, err
	}
	if rs.MaxStageSteps, err = resolveInt64(stage.Name, "max_stage_steps",
		stage.MaxStageSteps, pipeline.MaxStageSteps, machine.MaxStageSteps); err != nil {
		return nil, err
	}
	if rs.UpdateEpochs, err = resolveInt(stage.Name, "update_epochs",
		stage.UpdateEpochs, pipeline.UpdateEpochs, machine.UpdateEpochs); err != nil {
		return nil, err
	}
	if rs.UpdateMiniBatches, err = resolveInt(stage.Name, "update_mini_batches",
		stage.UpdateMiniBatches, pipeline.UpdateMiniBatches, machine.UpdateMiniBatches); err != nil {
		return nil, err
	}
	if rs.Gamma, err = resolveFloat(stage.Name, "gamma",
		stage.Gamma, pipeline.Gamma, machine.Gamma); err != nil {
		return nil, err
	}
	if rs.GAELambda, err = resolveFloat(stage.Name, "gae_lambda",
		stage.GAELambda, pipeline.GAELambda, machine.GAELambda); err != nil {
		return nil, err
	}
	if rs.MaxGradNorm, err = resolveFloat(stage.Name, "max_grad_norm",
		stage.MaxGradNorm, pipeline.MaxGradNorm, machine.MaxGradNorm); err != nil {
		return nil, err
	}

	useGAE := firstBool(stage.UseGAE, pipeline.UseGAE, machine.UseGAE)
	if useGAE == nil {
		return nil, missingStageValue(stage.Name, "use_gae")
	}
	rs.UseGAE = *useGAE

	// Optional at all layers
	if p := firstInt(stage.AdvanceSceneRolloutPeriod, pipeline.AdvanceSceneRolloutPeriod, machine.AdvanceSceneRolloutPeriod); p != nil {
		rs.AdvanceSceneRolloutPeriod = *p
	}
	if d := firstBool(stage.DeterministicAgent, pipeline.DeterministicAgent, machine.DeterministicAgent); d != nil {
		rs.DeterministicAgent = *d
	}

	if stage.OffPolicy != nil {
		op := *stage.OffPolicy
		if op.LossWeights == nil {
			op.LossWeights = make([]float64, len(op.LossNames))
			for i := range op.LossWeights {
				op.LossWeights[i] = 1.0
			}
		}
		if len(op.LossWeights) != len(op.LossNames) {
			return nil, errors.ConfigurationErrorf(
				"stage %s: %d off-policy loss weights for %d losses",
				stage.Name, len(op.LossWeights), len(op.LossNames))
		}
		rs.OffPolicy = &op
	}

	return rs, nil
}

func missingStageValue(stage, field string) error {
	return errors.NewFromCode(errors.ErrConfigMissingStageValue).
		WithDetails("stage", stage).
		WithDetails("field", field)
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt64(vals ...*int64) *int64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstBool(vals ...*bool) *bool {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func resolveInt(stage, field string, vals ...*int) (int, error) {
	if v := firstInt(vals...); v != nil {
		return *v, nil
	}
	return 0, missingStageValue(stage, field)
}

func resolveInt64(stage, field string, vals ...*int64) (int64, error) {
	if v := firstInt64(vals...); v != nil {
		return *v, nil
	}
	return 0, missingStageValue(stage, field)
}

func resolveFloat(stage, field string, vals ...*float64) (float64, error) {
	if v := firstFloat(vals...); v != nil {
		return *v, nil
	}
	return 0, missingStageValue(stage, field)
}

// ============================================================================
// Defaults and Validation
// ============================================================================

// ApplyDefaults fills unset ambient settings with sensible defaults
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Monitor.Host == "" {
		c.Monitor.Host = "127.0.0.1"
	}
	if c.Monitor.Port == 0 {
		c.Monitor.Port = 8290
	}
	if c.Monitor.ShutdownTimeout == 0 {
		c.Monitor.ShutdownTimeout = 5 * time.Second
	}
	if c.Trace.SampleRatio == 0 {
		c.Trace.SampleRatio = 1.0
	}
	if c.Pipeline.Optimizer.Kind == "" {
		c.Pipeline.Optimizer.Kind = "adam"
	}
	if c.Pipeline.Optimizer.LR == 0 {
		c.Pipeline.Optimizer.LR = 1e-3
	}
}

// Validate checks structural invariants that the tag-based validator
// cannot express.
func (c *Config) Validate() error {
	if c.Machine.NumProcesses <= 0 {
		return errors.NewFromCode(errors.ErrConfigInvalidProcessCount).
			WithDetails("num_processes", c.Machine.NumProcesses)
	}
	if len(c.Pipeline.Stages) == 0 {
		return errors.ConfigurationError("pipeline must define at least one stage")
	}

	// Resolving every stage up front surfaces missing hyperparameters at
	// setup time rather than mid-run.
	for _, stage := range c.Pipeline.Stages {
		if _, err := ResolveStage(stage, c.Pipeline.Defaults, c.Machine.Defaults); err != nil {
			return err
		}
	}
	return nil
}

//Personal.AI order the ending
