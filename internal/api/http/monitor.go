// internal/api/http/monitor.go

// Package http exposes the optional training monitor endpoint: liveness,
// an engine-state snapshot, and Prometheus metrics.
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"

	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/internal/observability/metrics"
	"github.com/openrle/openrle/internal/platform/train"
	"github.com/openrle/openrle/pkg/config"
)

// StatusSource is the engine-state view the monitor publishes. Satisfied
// by *train.Engine.
type StatusSource interface {
	State() train.EngineState
	RunID() string
}

// Monitor is a small HTTP server alongside a training run. It serves
// /healthz, /v1/status, and /metrics, and binds loopback by default.
type Monitor struct {
	cfg    *config.Config
	logger logging.Logger
	server *http.Server
}

// NewMonitor builds the monitor over the engine's status and the run's
// metrics registry.
func NewMonitor(cfg *config.Config, source StatusSource, collector *metrics.Collector, logger logging.Logger) *Monitor {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), cors.Default())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1")
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"experiment": cfg.Experiment.Name,
				"run_id":     source.RunID(),
				"state":      source.State(),
			})
		})
	}

	engine.GET("/metrics", gin.WrapH(collector.Handler()))
	pprof.Register(engine)

	addr := fmt.Sprintf("%s:%d", cfg.Monitor.Host, cfg.Monitor.Port)
	return &Monitor{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{Addr: addr, Handler: engine},
	}
}

// Handler returns the monitor's HTTP handler, for tests.
func (m *Monitor) Handler() http.Handler { return m.server.Handler }

// Start serves until Shutdown. It returns nil on a clean shutdown.
func (m *Monitor) Start() error {
	m.logger.Info("Monitor listening", logging.String("address", m.server.Addr))
	if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.cfg.Monitor.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Monitor.ShutdownTimeout)
		defer cancel()
	}
	return m.server.Shutdown(ctx)
}

//Personal.AI order the ending
