// internal/platform/train/tracker.go
package train

import (
	"sort"
	"strconv"
	"strings"

	"github.com/openrle/openrle/pkg/types"
)

// ============================================================================
// Scalar Mean Tracker
// ============================================================================

// ScalarMeanTracker accumulates running means per scalar name. It owns only
// its accumulators and resets them on every pop.
type ScalarMeanTracker struct {
	sums   map[string]float64
	counts map[string]int64
}

// NewScalarMeanTracker builds an empty tracker.
func NewScalarMeanTracker() *ScalarMeanTracker {
	return &ScalarMeanTracker{
		sums:   make(map[string]float64),
		counts: make(map[string]int64),
	}
}

// AddScalars folds one scalar mapping into the running means.
func (t *ScalarMeanTracker) AddScalars(scalars map[string]float64) {
	for k, v := range scalars {
		t.sums[k] += v
		t.counts[k]++
	}
}

// Means returns the current means without resetting.
func (t *ScalarMeanTracker) Means() map[string]float64 {
	out := make(map[string]float64, len(t.sums))
	for k, sum := range t.sums {
		out[k] = sum / float64(t.counts[k])
	}
	return out
}

// Mean returns the running mean for one name and whether any samples exist.
func (t *ScalarMeanTracker) Mean(name string) (float64, bool) {
	count, ok := t.counts[name]
	if !ok || count == 0 {
		return 0, false
	}
	return t.sums[name] / float64(count), true
}

// PopAndReset returns the means and clears the accumulators.
func (t *ScalarMeanTracker) PopAndReset() map[string]float64 {
	out := t.Means()
	t.sums = make(map[string]float64)
	t.counts = make(map[string]int64)
	return out
}

// Empty reports whether any scalars have been accumulated.
func (t *ScalarMeanTracker) Empty() bool { return len(t.counts) == 0 }

// FormatMeans renders means as a stable "k1 v1  k2 v2" log summary.
func FormatMeans(means map[string]float64) string {
	keys := make([]string, 0, len(means))
	for k := range means {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(trimFloat(means[k]))
	}
	return b.String()
}

func trimFloat(v float64) string {
	s := strings.TrimRight(strings.TrimRight(strconv.FormatFloat(v, 'f', 4, 64), "0"), ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// ============================================================================
// Envelope Aggregation
// ============================================================================

// Aggregation is the outcome of one metrics-channel drain window.
type Aggregation struct {
	// Train holds task/update/teacher scalar means
	Train *ScalarMeanTracker

	// Eval holds valid/test payloads received out-of-band
	Eval []types.Envelope

	// Drained counts envelopes consumed in this window
	Drained int
}

// DrainMetrics consumes every immediately available envelope from the
// channel without blocking, classifying by kind. Update-package scalars
// flagged off-policy arrive already prefixed by the sender; teacher and
// task scalars fold in as-is; valid/test payloads pass through untouched
// for the eval consumer.
func DrainMetrics(ch <-chan types.Envelope, into *ScalarMeanTracker) Aggregation {
	agg := Aggregation{Train: into}
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return agg
			}
			agg.Drained++
			switch env.Kind {
			case types.PackageValidMetrics, types.PackageTestMetrics:
				agg.Eval = append(agg.Eval, env)
			default:
				into.AddScalars(env.Scalars)
			}
		default:
			return agg
		}
	}
}

//Personal.AI order the ending
