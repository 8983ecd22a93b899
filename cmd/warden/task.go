package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/history"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Start and control task runs",
	}
	cmd.AddCommand(
		newTaskStartCmd(),
		newTaskPauseCmd(),
		newTaskResumeCmd(),
		newTaskStopCmd(),
		newTaskHistoryCmd(),
	)
	return cmd
}

func newTaskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <task text>",
		Short: "Start a task run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			task := strings.Join(args, " ")
			if err := newClient(cfg).post("/api/v1/task/start", map[string]string{"task": task}, nil); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("Task started"))
			fmt.Println(dimStyle.Render("   warden status to follow progress"))
			return nil
		},
	}
}

func newTaskPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the running task (advisory; the backend finishes its current operation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := newClient(cfg).post("/api/v1/task/pause", map[string]string{}, nil); err != nil {
				return err
			}
			fmt.Println("Task paused")
			return nil
		},
	}
}

func newTaskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := newClient(cfg).post("/api/v1/task/resume", map[string]string{}, nil); err != nil {
				return err
			}
			fmt.Println("Task resumed")
			return nil
		},
	}
}

func newTaskStopCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the current task; late backend results are discarded",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := newClient(cfg).post("/api/v1/task/stop", map[string]string{"reason": reason}, nil); err != nil {
				return err
			}
			fmt.Println("Task stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Stop reason recorded in the audit trail")
	return cmd
}

func newTaskHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var body struct {
				Runs []*history.Run `json:"runs"`
			}
			if err := newClient(cfg).get(fmt.Sprintf("/api/v1/runs?limit=%d", limit), &body); err != nil {
				return err
			}
			if len(body.Runs) == 0 {
				fmt.Println(dimStyle.Render("No runs recorded"))
				return nil
			}
			fmt.Println(titleStyle.Render("Recent runs"))
			for _, r := range body.Runs {
				line := fmt.Sprintf("  %s  %-8s  %s",
					r.StartedAt.Local().Format("2006-01-02 15:04"), r.Phase, r.TaskText)
				switch r.Phase {
				case "done":
					fmt.Println(okStyle.Render(line))
				case "failed":
					fmt.Println(warnStyle.Render(line))
				default:
					fmt.Println(line)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "How many runs to show")
	return cmd
}
