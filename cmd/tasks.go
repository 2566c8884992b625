package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

func newTasksCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recorded tasks, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a App) error {
			filter := bulletin.TaskFilter{Status: bulletin.TaskStatus(status), Limit: limit}
			if status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			tasks, err := a.Store().List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tRETRIES\tUPDATED\tTITLE\tURL")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					t.Status, t.RetryCount, t.UpdatedAt.Local().Format(time.DateTime), t.Title, t.URL)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "only show tasks with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to show (0 for all)")
	return cmd
}
