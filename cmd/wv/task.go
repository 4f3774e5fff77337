package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"waveline/internal/domain"
	"waveline/internal/engine"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskReparentCmd())
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskArchiveCmd())
	task.AddCommand(taskRestoreCmd())
	task.AddCommand(taskTreeCmd())
	task.AddCommand(taskDepCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var desc, parent, typ, priority string
	var deps, labels []string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTask(ctx, engine.TaskCreateOptions{
					Title:       strings.Join(args, " "),
					Description: desc,
					ParentID:    parent,
					Type:        domain.TaskType(typ),
					Priority:    domain.Priority(priority),
					DependsOn:   deps,
					Labels:      labels,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Created %s: %s\n", t.ID, t.Title)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id")
	cmd.Flags().StringVar(&typ, "type", "", "epic, task or subtask (inferred from the parent when empty)")
	cmd.Flags().StringVar(&priority, "priority", "", "critical, high, medium or low")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "dependency task ids")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "labels")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, parent, typ, label string
	var archived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, engine.TaskFilter{
					Status:          domain.Status(status),
					ParentID:        parent,
					Type:            domain.TaskType(typ),
					Label:           label,
					IncludeArchived: archived,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTaskTable(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&parent, "parent", "", "parent filter")
	cmd.Flags().StringVar(&typ, "type", "", "type filter")
	cmd.Flags().StringVar(&label, "label", "", "label filter")
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task, live or archived",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, desc, priority, status string
	var labels []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{ID: args[0], ActorID: actorID()}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("priority") {
				p := domain.Priority(priority)
				opts.Priority = &p
			}
			if cmd.Flags().Changed("status") {
				s := domain.Status(status)
				opts.Status = &s
			}
			if cmd.Flags().Changed("label") {
				opts.Labels = &labels
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&status, "status", "", "pending, active, blocked or cancelled (use 'task done' to complete)")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "replace labels")
	return cmd
}

func taskReparentCmd() *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "reparent <id>",
		Short: "Move a task and its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReparentTask(ctx, args[0], parent, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "new parent id (empty moves to the root)")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteTask(ctx, args[0], actorID(), force)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Completed %s: %s\n", res.Task.ID, res.Task.Title)
				for _, u := range res.Unblocked {
					fmt.Printf("  unblocked %s: %s\n", u.ID, u.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "complete even with open dependencies or children")
	return cmd
}

func taskArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a done or cancelled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ArchiveTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore an archived task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RestoreTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree [root-id]",
		Short: "Show the task hierarchy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var root string
			if len(args) == 1 {
				root = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				nodes, err := e.GetTree(ctx, root)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				for i, n := range nodes {
					printTaskTree(n, "", i == len(nodes)-1)
				}
				return nil
			})
		},
	}
}

func taskDepCmd() *cobra.Command {
	dep := &cobra.Command{Use: "dep", Short: "Manage dependencies"}
	dep.AddCommand(&cobra.Command{
		Use:   "add <id> <depends-on>",
		Short: "Make a task wait for another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddDependency(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	})
	dep.AddCommand(&cobra.Command{
		Use:   "rm <id> <depends-on>",
		Short: "Remove a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RemoveDependency(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	})
	return dep
}

func wavesCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "waves",
		Short: "Group open tasks into dispatch waves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan, err := e.GetWavePlan(ctx, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plan)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Wave", "Tasks"})
				for _, w := range plan.Waves {
					tw.AppendRow(table.Row{w.Index, strings.Join(w.TaskIDs, ", ")})
				}
				tw.Render()
				if len(plan.Unresolvable) > 0 {
					fmt.Printf("Unresolvable: %s\n", strings.Join(plan.Unresolvable, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "only tasks below this id")
	return cmd
}

func readyCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List pending tasks whose dependencies are resolved",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.GetReadyToDispatch(ctx, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTaskTable(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "only tasks below this id")
	return cmd
}

func parallelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parallel <id> <id>...",
		Short: "Check that tasks can run at the same time",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CheckParallelSafe(ctx, args)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Safe {
					fmt.Println("safe")
					return nil
				}
				for _, c := range res.Conflicts {
					fmt.Printf("conflict: %s depends on %s\n", c.TaskID, c.DependsOn)
				}
				return nil
			})
		},
	}
}

func printTaskTable(tasks []domain.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Type", "Parent", "Depends On"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.Type, t.ParentID, strings.Join(t.DependsOn, ",")})
	}
	tw.Render()
}

func printTaskTree(n engine.TreeNode, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s %s [%s]\n", prefix, connector, n.Task.ID, n.Task.Title, n.Task.Status)
	for i, c := range n.Children {
		printTaskTree(c, newPrefix, i == len(n.Children)-1)
	}
}
