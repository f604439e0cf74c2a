// Package types provides enumeration type definitions for OpenRLE.
// All enums implement String(), Valid(), and FromString() methods
// for type-safe conversions and validation across the engine.
package types

import (
	"fmt"
	"strings"
)

// ============================================================================
// Engine Mode Enumerations
// ============================================================================

// Mode represents the engine execution mode
type Mode string

const (
	// ModeTrain runs the staged training pipeline
	ModeTrain Mode = "train"

	// ModeValid runs checkpoint validation
	ModeValid Mode = "valid"

	// ModeTest runs checkpoint testing over a finished run
	ModeTest Mode = "test"
)

// String returns the string representation
func (m Mode) String() string {
	return string(m)
}

// Valid checks if the mode is valid
func (m Mode) Valid() bool {
	switch m {
	case ModeTrain, ModeValid, ModeTest:
		return true
	default:
		return false
	}
}

// ModeFromString converts a string to a Mode
func ModeFromString(s string) (Mode, error) {
	m := Mode(strings.ToLower(s))
	if !m.Valid() {
		return "", fmt.Errorf("invalid mode: %s (must be one of train, valid, test)", s)
	}
	return m, nil
}

// ============================================================================
// Metrics Envelope Kinds
// ============================================================================

// PackageKind tags an out-of-band metrics message so the aggregator can
// classify it.
type PackageKind string

const (
	// PackageUpdate carries a loss breakdown from one gradient update
	PackageUpdate PackageKind = "update_package"

	// PackageTeacher carries teacher-forcing telemetry for one step
	PackageTeacher PackageKind = "teacher_package"

	// PackageValidMetrics carries aggregated validation results
	PackageValidMetrics PackageKind = "valid_metrics"

	// PackageTestMetrics carries aggregated test results
	PackageTestMetrics PackageKind = "test_metrics"

	// PackageTask carries a plain per-task scalar mapping (untagged in the
	// wire format; kind is attached on receipt)
	PackageTask PackageKind = "task_metrics"
)

// Valid checks if the package kind is known
func (k PackageKind) Valid() bool {
	switch k {
	case PackageUpdate, PackageTeacher, PackageValidMetrics, PackageTestMetrics, PackageTask:
		return true
	default:
		return false
	}
}

// ============================================================================
// Validator Commands
// ============================================================================

// EvalCommand is a command consumed by the validator process
type EvalCommand string

const (
	// CommandEval requests evaluation of a checkpoint path
	CommandEval EvalCommand = "eval"

	// CommandQuit asks the validator to shut down
	CommandQuit EvalCommand = "quit"

	// CommandExit asks the validator to shut down
	CommandExit EvalCommand = "exit"

	// CommandClose asks the validator to shut down
	CommandClose EvalCommand = "close"
)

// IsShutdown reports whether the command terminates the validator
func (c EvalCommand) IsShutdown() bool {
	switch c {
	case CommandQuit, CommandExit, CommandClose:
		return true
	default:
		return false
	}
}

//Personal.AI order the ending
