// internal/api/http/monitor_test.go
package http

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/internal/observability/metrics"
	"github.com/openrle/openrle/internal/platform/train"
	"github.com/openrle/openrle/pkg/config"
)

type fakeSource struct {
	state train.EngineState
	runID string
}

func (f *fakeSource) State() train.EngineState { return f.state }

func (f *fakeSource) RunID() string { return f.runID }

func newTestMonitor() *Monitor {
	cfg := &config.Config{
		Experiment: config.ExperimentConfig{Name: "Demo"},
		Monitor:    config.MonitorConfig{Host: "127.0.0.1", Port: 0},
	}
	source := &fakeSource{
		state: train.EngineState{TotalSteps: 42, PipelineStage: 1},
		runID: "2024-01-01_00-00-00",
	}
	return NewMonitor(cfg, source, metrics.NewNoopCollector(), logging.NewNoopLogger())
}

func TestMonitorEndpoints(t *testing.T) {
	m := newTestMonitor()

	t.Run("Healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
		assert.Equal(t, 200, rec.Code)
	})

	t.Run("Status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/status", nil))
		require.Equal(t, 200, rec.Code)

		var body struct {
			Experiment string            `json:"experiment"`
			RunID      string            `json:"run_id"`
			State      train.EngineState `json:"state"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Demo", body.Experiment)
		assert.Equal(t, "2024-01-01_00-00-00", body.RunID)
		assert.Equal(t, int64(42), body.State.TotalSteps)
		assert.Equal(t, 1, body.State.PipelineStage)
	})

	t.Run("PrometheusMetrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		assert.Equal(t, 200, rec.Code)
		assert.Contains(t, rec.Body.String(), "openrle_env_steps_total")
	})
}

//Personal.AI order the ending
