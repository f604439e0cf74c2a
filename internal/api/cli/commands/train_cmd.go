// internal/api/cli/commands/train_cmd.go
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apihttp "github.com/openrle/openrle/internal/api/http"
	"github.com/openrle/openrle/internal/experiments/tracking"
	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/internal/observability/metrics"
	"github.com/openrle/openrle/internal/platform/train"
	"github.com/openrle/openrle/pkg/config"
	"github.com/openrle/openrle/pkg/utils"
)

// validatorDrainWait bounds how long train waits for the validator to
// finish its in-flight evaluation after the engine stops.
const validatorDrainWait = 30 * time.Second

// TrainCommand runs the staged training pipeline.
func TrainCommand(getConfig func() *config.Config, getLogger func() logging.Logger) *cobra.Command {
	var resumeFrom string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the staged training pipeline",
		Long: "Train the experiment's policy through its configured pipeline " +
			"stages, checkpointing on the save interval and evaluating each " +
			"checkpoint on the validator pool.",
		Example: `  # Fresh run
  openrle train --config configs/tracking.yaml

  # Resume a crashed run from its last checkpoint
  openrle train --config configs/tracking.yaml --resume exp_Tracking__time_2024-01-01_00-00-00__stage_00__steps_000000100000__seed_7.pt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			logger := getLogger()

			collector := metrics.NewCollector(metrics.CollectorConfig{
				EnableGoMetrics:      true,
				EnableProcessMetrics: true,
			})

			exp, err := tracking.Build(cfg, logger, collector)
			if err != nil {
				return err
			}

			if resumeFrom != "" {
				path, err := resolveCheckpoint(cfg, resumeFrom)
				if err != nil {
					return err
				}
				exp.Engine.SetResumeFrom(path)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Monitor.Enabled {
				monitor := apihttp.NewMonitor(cfg, exp.Engine, collector, logger)
				go func() {
					if err := monitor.Start(); err != nil {
						logger.Error("Monitor server failed", logging.Error(err))
					}
				}()
				defer func() { _ = monitor.Shutdown(context.Background()) }()
			}

			validatorDone := make(chan struct{})
			go func() {
				defer close(validatorDone)
				if err := exp.Validator.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("Validator stopped with error", logging.Error(err))
				}
			}()

			runErr := exp.Engine.Run(ctx)

			select {
			case <-validatorDone:
			case <-time.After(validatorDrainWait):
				logger.Warn("Validator did not drain in time, exiting anyway")
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&resumeFrom, "resume", "", "checkpoint path or file name to resume from")
	return cmd
}

// resolveCheckpoint accepts either a concrete path or a bare checkpoint
// file name searched under the experiment's checkpoint tree.
func resolveCheckpoint(cfg *config.Config, ref string) (string, error) {
	if utils.Exists(ref) {
		return ref, nil
	}
	return train.GetCheckpointPath(cfg.Experiment.OutputDir, cfg.Experiment.Name, "", ref)
}

//Personal.AI order the ending
