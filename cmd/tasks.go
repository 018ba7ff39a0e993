package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentfoundry/proactor/internal/bus"
	"github.com/agentfoundry/proactor/internal/graph"
	"github.com/agentfoundry/proactor/internal/taskqueue"
)

func enqueueTaskCmd() *cobra.Command {
	var (
		name      string
		dependsOn []string
		metaPairs []string
		allowDup  bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue-task <instruction>",
		Short: "Add a task to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			meta, err := parseMetadata(metaPairs)
			if err != nil {
				return err
			}
			if name != "" {
				if meta == nil {
					meta = map[string]any{}
				}
				meta[taskqueue.MetaScheduledTaskName] = name
			}
			queue := taskqueue.New(store, bus.New())
			task, err := queue.AddTask(cmd.Context(), args[0], meta, dependsOn, allowDup)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", task.ID, task.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "scheduled task name for de-duplication")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "task ids this task depends on")
	cmd.Flags().StringArrayVar(&metaPairs, "metadata", nil, "metadata entries as key=value (repeatable)")
	cmd.Flags().BoolVar(&allowDup, "allow-duplicates", false, "bypass scheduled-name de-duplication")
	return cmd
}

func listTasksCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list-tasks",
		Short: "List queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := taskqueue.New(store, bus.New()).ListTasks(cmd.Context(), status)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("no tasks")
				return nil
			}
			for _, t := range tasks {
				line := fmt.Sprintf("%s  %-12s  %s", t.ID, t.Status, firstInstructionLine(t.Instruction))
				if t.Error != "" {
					line += "  (error: " + t.Error + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, in_progress, completed, failed)")
	return cmd
}

func cancelTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-task <task-id>",
		Short: "Mark a pending or in-progress task as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			queue := taskqueue.New(store, bus.New())
			ok, err := queue.UpdateTaskStatus(cmd.Context(), args[0], graph.TaskFailed, "", "cancelled by operator")
			if err != nil {
				return err
			}
			if !ok {
				return &graph.ValidationError{Reason: fmt.Sprintf("task %s is already terminal", args[0])}
			}
			fmt.Println("cancelled", args[0])
			return nil
		},
	}
}

func sweepTasksCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep-tasks",
		Short: "Delete completed tasks past the retention window",
		Long:  "Removes completed tasks older than the retention window. Failed tasks are always retained for inspection.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			swept, err := taskqueue.New(store, bus.New()).SweepCompleted(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("swept %d completed task(s)\n", swept)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "retention window for completed tasks")
	return cmd
}

func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, &graph.ValidationError{Reason: fmt.Sprintf("metadata entry %q is not key=value", p)}
		}
		meta[k] = v
	}
	return meta, nil
}

func firstInstructionLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80] + "…"
	}
	return s
}
