// File: cmd/run.go
package cmd

import (
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/executor"
	"github.com/xkilldash9x/taskpilot/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newRunCmd() *cobra.Command {
	var (
		startURL  string
		goal      string
		contextID string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task in a fresh tab and print its outcome",
		Example: `  taskpilot run --url https://duckduckgo.com --goal "search for coffee"
  TASKPILOT_API_KEY=... taskpilot run --goal "open the pricing page" --url https://example.com --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			components, err := newFactory().Create(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			if startURL != "" {
				page, err := components.Pages.Acquire(contextID)
				if err != nil {
					return fmt.Errorf("failed to open a tab: %w", err)
				}
				res := page.Dispatch(ctx, executor.Operation{Name: executor.OpNavigate, Text: startURL})
				if !res.Success {
					return fmt.Errorf("failed to open %s: %s", startURL, res.Message)
				}
				page.EnsureReady(ctx)
			}

			orch := components.Orchestrator
			started := orch.StartTask(ctx, contextID, goal)
			if !started.Accepted {
				return fmt.Errorf("task rejected: %s", started.Reason)
			}
			logger.Info("Task started.", zap.String("task_id", started.TaskID), zap.String("goal", goal))

			select {
			case <-orch.Done(contextID):
			case <-ctx.Done():
				orch.StopTask(contextID)
				<-orch.Done(contextID)
			}

			task, _ := orch.Task(contextID)
			if err := printTask(cmd.OutOrStdout(), task, asJSON); err != nil {
				return err
			}
			if task.Status != schemas.TaskStatusComplete {
				return fmt.Errorf("task %s: %s", strings.ToLower(string(task.Status)), task.FailureReason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&startURL, "url", "", "page to open before the task starts")
	cmd.Flags().StringVar(&goal, "goal", "", "what the task should achieve")
	cmd.Flags().StringVar(&contextID, "context", "cli", "page context id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the task record as JSON")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func printTask(w io.Writer, task schemas.Task, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	}

	fmt.Fprintf(w, "Task %s: %s\n", task.ID, task.Status)
	fmt.Fprintf(w, "Goal: %s\n", task.Goal)
	for _, step := range task.History {
		line := fmt.Sprintf("  %2d. %-40s %s", step.Index+1, step.Action.Signature(), step.Outcome)
		if step.Outcome != schemas.OutcomeSuccess && step.Message != "" {
			line += " (" + step.Message + ")"
		}
		fmt.Fprintln(w, line)
	}
	switch {
	case task.Summary != "":
		fmt.Fprintf(w, "Summary: %s\n", task.Summary)
	case task.FailureReason != "":
		fmt.Fprintf(w, "Reason: %s\n", task.FailureReason)
	}
	return nil
}
