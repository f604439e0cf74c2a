// internal/api/cli/commands/valid_cmd.go
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openrle/openrle/internal/experiments/tracking"
	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/internal/observability/metrics"
	"github.com/openrle/openrle/pkg/config"
	"github.com/openrle/openrle/pkg/types"
)

// ValidCommand evaluates one checkpoint on the validation task set.
func ValidCommand(getConfig func() *config.Config, getLogger func() logging.Logger) *cobra.Command {
	var checkpoint string

	cmd := &cobra.Command{
		Use:   "valid",
		Short: "Evaluate a single checkpoint",
		Example: `  openrle valid --config configs/tracking.yaml \
    --checkpoint out/checkpoints/Tracking/2024-01-01_00-00-00/exp_Tracking__time_2024-01-01_00-00-00__stage_00__steps_000000100000__seed_7.pt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			logger := getLogger()

			path, err := resolveCheckpoint(cfg, checkpoint)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := make(chan types.Envelope, 1)
			v := tracking.BuildEvaluator(cfg, logger, metrics.NewNoopCollector(), types.ModeValid, out)
			defer v.Close()
			if err := v.EvaluateCheckpoint(ctx, path); err != nil {
				return err
			}

			env := <-out
			return printEvalResult(cmd, env.Eval)
		},
	}

	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint path or file name")
	_ = cmd.MarkFlagRequired("checkpoint")
	return cmd
}

func printEvalResult(cmd *cobra.Command, result *types.EvalResult) error {
	if result == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no validation tasks were evaluated")
		return nil
	}

	names := make([]string, 0, len(result.Scalars))
	for name := range result.Scalars {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tVALUE\tSTEPS")
	for _, name := range names {
		s := result.Scalars[name]
		fmt.Fprintf(w, "%s\t%.4f\t%d\n", name, s.Value, s.Steps)
	}
	fmt.Fprintf(w, "tasks\t%d\t\n", len(result.Samples))
	return w.Flush()
}

//Personal.AI order the ending
