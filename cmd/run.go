package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one discovery pass and exit",
		Long: `Authenticates if needed, discovers the newest notices, and processes
every one that has not already been sent or ignored. The run report is
written to stdout as JSON.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a App) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := a.Runner().Run(ctx)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			a.Logger().Info("run finished",
				zap.String("run_id", report.RunID),
				zap.Int("discovered", report.Discovered),
				zap.Int("dispatched", report.Dispatched),
			)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}),
	}
}
