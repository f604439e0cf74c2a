// internal/platform/train/checkpoint.go
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/internal/platform/policy"
	"github.com/openrle/openrle/pkg/errors"
	"github.com/openrle/openrle/pkg/utils"
)

// ============================================================================
// Checkpoint Snapshot
// ============================================================================

// Checkpoint is a point-in-time snapshot sufficient for exact resumption:
// model parameters, optimizer and scheduler state, and the full engine
// state including the saved seed.
type Checkpoint struct {
	ModelParams []float64               `json:"model_params"`
	Optimizer   *policy.OptimizerState  `json:"optimizer,omitempty"`
	Scheduler   *policy.SchedulerState  `json:"scheduler,omitempty"`
	State       EngineState             `json:"engine_state"`
}

// SaveCheckpoint writes the snapshot atomically.
func SaveCheckpoint(path string, ckpt *Checkpoint) error {
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return errors.InfrastructureError("checkpoint directory", err)
	}
	data, err := json.Marshal(ckpt)
	if err != nil {
		return errors.InfrastructureError("checkpoint encoding", err)
	}
	if err := utils.AtomicWriteFile(path, data, 0o644); err != nil {
		return errors.InfrastructureError("checkpoint write", err)
	}
	return nil
}

// LoadCheckpoint reads and decodes a snapshot.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCheckpointNotFound).
			WithDetails("path", path)
	}
	ckpt := &Checkpoint{}
	if err := json.Unmarshal(data, ckpt); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCheckpointCorrupt).
			WithDetails("path", path)
	}
	return ckpt, nil
}

// ============================================================================
// Checkpoint Naming
// ============================================================================

// runIDLayout is the second-granularity run identity format.
const runIDLayout = "2006-01-02_15-04-05"

var checkpointNameRe = regexp.MustCompile(
	`^exp_(.+)__time_(.+)__stage_(\d+)__steps_(\d+)__seed_(-?\d+)\.pt$`)

// CheckpointName renders the canonical checkpoint file name.
func CheckpointName(experiment, runID string, stage int, totalSteps, seed int64) string {
	return fmt.Sprintf("exp_%s__time_%s__stage_%02d__steps_%012d__seed_%d.pt",
		experiment, runID, stage, totalSteps, seed)
}

// CheckpointDir returns the per-run checkpoint directory.
func CheckpointDir(outputDir, experiment, runID string) string {
	return filepath.Join(outputDir, "checkpoints", experiment, runID)
}

// CheckpointInfo is the metadata parsed back out of a checkpoint name.
type CheckpointInfo struct {
	Experiment string
	RunID      string
	Stage      int
	Steps      int64
	Seed       int64
}

// ParseCheckpointName decodes the canonical name, base name or full path.
func ParseCheckpointName(name string) (*CheckpointInfo, error) {
	m := checkpointNameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return nil, errors.NewFromCode(errors.ErrCheckpointNotFound).
			WithDetails("name", name).
			WithDetails("reason", "not a canonical checkpoint name")
	}
	stage, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, errors.InternalErrorf("checkpoint stage %q: %v", m[3], err)
	}
	steps, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return nil, errors.InternalErrorf("checkpoint steps %q: %v", m[4], err)
	}
	seed, err := strconv.ParseInt(m[5], 10, 64)
	if err != nil {
		return nil, errors.InternalErrorf("checkpoint seed %q: %v", m[5], err)
	}
	return &CheckpointInfo{
		Experiment: m[1],
		RunID:      m[2],
		Stage:      stage,
		Steps:      steps,
		Seed:       seed,
	}, nil
}

// StepFromCheckpoint returns the global step count encoded in the name.
func StepFromCheckpoint(name string) (int64, error) {
	info, err := ParseCheckpointName(name)
	if err != nil {
		return 0, err
	}
	return info.Steps, nil
}

// ============================================================================
// Checkpoint Discovery
// ============================================================================

// GetCheckpointPath resolves a checkpoint reference to a concrete file:
// first the expected per-run location, then a recursive search under the
// checkpoints tree. Zero matches and multiple matches are both fatal.
func GetCheckpointPath(outputDir, experiment, runID, name string) (string, error) {
	base := filepath.Base(name)
	expected := filepath.Join(CheckpointDir(outputDir, experiment, runID), base)
	if utils.Exists(expected) {
		return expected, nil
	}

	root := filepath.Join(outputDir, "checkpoints")
	var matches []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == base {
			matches = append(matches, path)
		}
		return nil
	})

	switch len(matches) {
	case 0:
		return "", errors.NewFromCode(errors.ErrCheckpointNotFound).
			WithDetails("name", base).
			WithDetails("searched", root)
	case 1:
		return matches[0], nil
	default:
		return "", errors.NewFromCode(errors.ErrCheckpointAmbiguous).
			WithDetails("name", base).
			WithDetails("matches", matches)
	}
}

// GetCheckpointFiles lists a run's checkpoints sorted by name (and thus by
// step), thinned to every (skip+1)th file. The final checkpoint is always
// retained.
func GetCheckpointFiles(checkpointDir string, skip int) ([]string, error) {
	entries, err := os.ReadDir(checkpointDir)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCheckpointNotFound).
			WithDetails("dir", checkpointDir)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "exp_") && strings.HasSuffix(e.Name(), ".pt") {
			files = append(files, filepath.Join(checkpointDir, e.Name()))
		}
	}
	sort.Strings(files)

	if skip <= 0 || len(files) == 0 {
		return files, nil
	}
	thinned := make([]string, 0, len(files)/(skip+1)+1)
	for i := 0; i < len(files); i += skip + 1 {
		thinned = append(thinned, files[i])
	}
	if thinned[len(thinned)-1] != files[len(files)-1] {
		thinned = append(thinned, files[len(files)-1])
	}
	return thinned, nil
}

// ============================================================================
// Deterministic Seeding
// ============================================================================

// WorkerSeeds derives n per-worker seeds from initialSeed through a local
// RNG so the derivation never disturbs any other random stream. A nil
// initialSeed draws from the clock.
func WorkerSeeds(n int, initialSeed *int64) []int64 {
	var src rand.Source
	if initialSeed != nil {
		src = rand.NewSource(*initialSeed)
	} else {
		src = rand.NewSource(time.Now().UnixNano())
	}
	rng := rand.New(src)
	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}
	return seeds
}

// ============================================================================
// Run Identity
// ============================================================================

const (
	startTimeLockFile = ".start_time_string.lock"
	lastStartTimeFile = ".last_start_time_string"
	startTimeLockWait = 60 * time.Second
)

// AcquireUniqueStartTimeString computes the run's second-granularity
// identity under an exclusive file lock, waiting until the candidate
// differs from the previously recorded one so two concurrently launched
// runs cannot collide. Lock acquisition is bounded at 60 seconds; a
// timeout is fatal.
func AcquireUniqueStartTimeString(outputDir string, logger logging.Logger) (string, error) {
	if err := utils.EnsureDir(outputDir); err != nil {
		return "", errors.InfrastructureError("output directory", err)
	}

	lock := flock.New(filepath.Join(outputDir, startTimeLockFile))
	ctx, cancel := context.WithTimeout(context.Background(), startTimeLockWait)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil || !locked {
		logger.Error("Could not acquire the run start-time lock; if no other run is "+
			"starting, delete the lock file and retry",
			logging.String("lock_file", lock.Path()),
			logging.Error(err))
		return "", errors.NewFromCode(errors.ErrRunIdentityLockTimeout).
			WithDetails("lock_file", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	lastPath := filepath.Join(outputDir, lastStartTimeFile)
	last := ""
	if data, err := os.ReadFile(lastPath); err == nil {
		last = strings.TrimSpace(string(data))
	}

	candidate := time.Now().Format(runIDLayout)
	for candidate == last {
		time.Sleep(250 * time.Millisecond)
		candidate = time.Now().Format(runIDLayout)
	}

	if err := utils.AtomicWriteFile(lastPath, []byte(candidate), 0o644); err != nil {
		return "", errors.InfrastructureError("run identity file", err)
	}
	return candidate, nil
}

//Personal.AI order the ending
