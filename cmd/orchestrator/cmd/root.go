package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"appbench-orchestrator/pkg/config"
	"appbench-orchestrator/services/orchestrator"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var rootCmd = &cobra.Command{
	Use:           "orchestrator",
	Short:         "Runs and operates the app analysis orchestrator.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute(ctx context.Context) error {
	rootCmd.PersistentFlags().StringVarP(&config.File, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.AddCommand(
		newServeCmd(),
		newTriggerCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newReaggregateCmd(),
		newPipelineCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// withService starts the command-mode application, runs fn and stops it.
func withService(ctx context.Context, fn func(ctx context.Context, svc *orchestrator.Service) error) error {
	var svc *orchestrator.Service
	app := fx.New(orchestrator.Command, fx.Populate(&svc))
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx, svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
