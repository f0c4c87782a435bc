package main

import (
	"fmt"

	"github.com/example/eventcore/internal/metrics"
	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [projection...]",
	Short: "Reset projections and replay them from the first event",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		ctx := cmd.Context()
		projections, err := a.selectProjections(args)
		if err != nil {
			return err
		}
		locker, closeLocker, err := a.locker(ctx)
		if err != nil {
			return err
		}
		defer closeLocker()

		runner := a.runner(locker, metrics.Nop{})
		for _, p := range projections {
			res, err := runner.Rebuild(ctx, p)
			if err != nil {
				return fmt.Errorf("rebuild %s: %w", p.Name(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: applied %d of %d events, checkpoint %d\n",
				p.Name(), res.Applied, res.Read, res.To)
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}
