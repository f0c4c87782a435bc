package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply event store, aggregate state and read model migrations",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		if err := a.migrate(cmd.Context()); err != nil {
			return err
		}
		a.log.Info().Msg("migrations applied")
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
