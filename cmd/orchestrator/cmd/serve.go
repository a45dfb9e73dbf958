package cmd

import (
	"appbench-orchestrator/services/orchestrator"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher, pipeline driver, queue workers and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(orchestrator.Server)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
