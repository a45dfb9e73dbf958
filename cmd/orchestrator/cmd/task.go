package cmd

import (
	"context"
	"fmt"
	"strings"

	"appbench-orchestrator/pkg/db/pagination"
	"appbench-orchestrator/services/orchestrator"

	"github.com/spf13/cobra"
)

func newTriggerCmd() *cobra.Command {
	var req orchestrator.TriggerRequest
	var tools []string
	var async bool

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Create an analysis task for one generated app",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseTools(tools)
			if err != nil {
				return err
			}
			req.Tools = parsed
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				if async {
					return svc.SubmitAnalysis(ctx, req)
				}
				t, created, err := svc.TriggerAnalysis(ctx, req)
				if err != nil {
					return err
				}
				if !created {
					fmt.Fprintf(cmd.ErrOrStderr(), "task already exists for batch %q\n", req.BatchID)
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&req.Model, "model", "", "model that generated the app")
	cmd.Flags().IntVar(&req.AppNumber, "app", 0, "app number")
	cmd.Flags().StringSliceVar(&req.Services, "service", nil, "analyzer service (repeatable, default all)")
	cmd.Flags().StringSliceVar(&tools, "tool", nil, "tool selection as service=tool (repeatable)")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "low, normal, high or urgent")
	cmd.Flags().StringVar(&req.BatchID, "batch", "", "batch id used to de-duplicate triggers")
	cmd.Flags().BoolVar(&async, "async", false, "queue the trigger for the worker instead of creating the task now")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

// parseTools turns service=tool pairs into a per-service tool list.
func parseTools(pairs []string) (map[string][]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string][]string{}
	for _, p := range pairs {
		service, tool, ok := strings.Cut(p, "=")
		if !ok || service == "" || tool == "" {
			return nil, fmt.Errorf("invalid --tool %q, want service=tool", p)
		}
		out[service] = append(out[service], tool)
	}
	return out, nil
}

func newStatusCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a main task and its subtasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				view, err := svc.Task(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}
	cmd.Flags().StringVar(&id, "task", "", "main task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var id, reason string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a main task and abort its running analyzer calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				return svc.CancelTask(ctx, id, reason)
			})
		},
	}
	cmd.Flags().StringVar(&id, "task", "", "main task id")
	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "reason stored on the task")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newReaggregateCmd() *cobra.Command {
	var id string
	var async bool
	cmd := &cobra.Command{
		Use:   "reaggregate",
		Short: "Recompute the unified result of a finished task from stored subtask payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				if async {
					return svc.RequestReaggregate(ctx, id)
				}
				doc, err := svc.Reaggregate(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(doc.Results.Summary)
			})
		},
	}
	cmd.Flags().StringVar(&id, "task", "", "main task id")
	cmd.Flags().BoolVar(&async, "async", false, "queue the re-aggregation for the worker")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		status, batch string
		page          pagination.Pagination
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List main tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *orchestrator.Service) error {
				tasks, info, err := svc.ListTasks(ctx, status, batch, page)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"tasks": tasks, "page_info": info})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status")
	cmd.Flags().StringVar(&batch, "batch", "", "only tasks of this batch or pipeline")
	cmd.Flags().IntVar(&page.Limit, "limit", pagination.DefaultLimit, "page size")
	cmd.Flags().StringVar(&page.Cursor, "cursor", "", "next_cursor from a previous page")
	return cmd
}
