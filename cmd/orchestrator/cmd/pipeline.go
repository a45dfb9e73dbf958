package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"appbench-orchestrator/services/orchestrator"
	"appbench-orchestrator/services/pipeline"

	"github.com/spf13/cobra"
)

func newPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Create and control generation/analysis pipelines",
	}
	cmd.AddCommand(newPipelineCreateCmd(), newPipelineStartCmd(), newPipelineCancelCmd(), newPipelineStatusCmd())
	return cmd
}

func newPipelineCreateCmd() *cobra.Command {
	var file, name string
	var start bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pipeline from a JSON config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var cfg pipeline.Config
			if err := json.Unmarshal(body, &cfg); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				p, err := svc.CreatePipeline(ctx, name, cfg)
				if err != nil {
					return err
				}
				if start {
					if err := svc.StartPipeline(ctx, p.PipelineID); err != nil {
						return err
					}
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "pipeline config (JSON)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&start, "start", false, "start the pipeline right away")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newPipelineStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start ID",
		Short: "Start a pending pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				return svc.StartPipeline(ctx, args[0])
			})
		},
	}
}

func newPipelineCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pipeline and every analysis task it created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				return svc.CancelPipeline(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "reason stored on the pipeline")
	return cmd
}

func newPipelineStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show a pipeline with its decoded progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				p, err := svc.Pipeline(ctx, args[0])
				if err != nil {
					return err
				}
				prog, err := p.DecodeProgress()
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"pipeline": p, "progress": prog})
			})
		},
	}
}
