package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/example/eventcore/internal/projection"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print projection checkpoints and their lag behind the event store",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		ctx := cmd.Context()
		head, err := a.events.HeadPosition(ctx, a.db)
		if err != nil {
			return err
		}
		checkpoints, err := projection.NewCheckpointStore(a.dialect).List(ctx, a.db)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "PROJECTION\tTENANT\tPOSITION\tLAG\tUPDATED\n")
		for _, cp := range checkpoints {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				cp.ProjectionName, cp.TenantID, cp.Position, max(head-cp.Position, 0),
				cp.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(w, "head\t\t%d\t\t\n", head)
		return w.Flush()
	}),
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
