// internal/api/cli/commands/test_cmd.go
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openrle/openrle/internal/experiments/tracking"
	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/internal/observability/metrics"
	"github.com/openrle/openrle/internal/platform/train"
	"github.com/openrle/openrle/pkg/config"
	"github.com/openrle/openrle/pkg/types"
)

// TestCommand sweeps every checkpoint of a finished run, writing the
// cumulative metrics report as it goes.
func TestCommand(getConfig func() *config.Config, getLogger func() logging.Logger) *cobra.Command {
	var (
		runID string
		skip  int
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Evaluate every checkpoint of a finished run",
		Example: `  # Evaluate every checkpoint of a run
  openrle test --config configs/tracking.yaml --run-id 2024-01-01_00-00-00

  # Evaluate every third checkpoint
  openrle test --config configs/tracking.yaml --run-id 2024-01-01_00-00-00 --skip 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			logger := getLogger()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dir := train.CheckpointDir(cfg.Experiment.OutputDir, cfg.Experiment.Name, runID)
			v := tracking.BuildEvaluator(cfg, logger, metrics.NewNoopCollector(), types.ModeTest, nil)
			defer v.Close()

			reportPath, err := v.RunTest(ctx, dir, skip)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "metrics report written to %s\n", reportPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run identity (start-time string) to evaluate")
	cmd.Flags().IntVar(&skip, "skip", 0, "evaluate every (skip+1)th checkpoint")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

//Personal.AI order the ending
