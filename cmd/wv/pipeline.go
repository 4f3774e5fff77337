package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"waveline/internal/engine"
	"waveline/internal/lifecycle"
)

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{Use: "pipeline", Short: "Drive epic lifecycles"}
	p.AddCommand(pipelineInitCmd())
	p.AddCommand(pipelineStatusCmd())
	p.AddCommand(pipelineListCmd())
	p.AddCommand(pipelineOverdueCmd())
	for _, a := range []lifecycle.Action{
		lifecycle.ActionStart,
		lifecycle.ActionComplete,
		lifecycle.ActionSkip,
		lifecycle.ActionFail,
		lifecycle.ActionReset,
		lifecycle.ActionBlock,
	} {
		p.AddCommand(stageActionCmd(a))
	}
	return p
}

func pipelineInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <root-id>",
		Short: "Start tracking the lifecycle of an epic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.InitPipeline(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func pipelineStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <root-id>",
		Short: "Show stage states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.GetLifecycleStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				startable := map[lifecycle.Stage]bool{}
				for _, s := range st.Startable {
					startable[s] = true
				}
				fmt.Printf("Pipeline %s (version %d)\n", st.RootID, st.Version)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Status", "Startable", "Reason"})
				for _, v := range st.Stages {
					reason := v.State.BlockedReason
					if reason == "" {
						reason = v.State.FailedReason
					}
					if reason == "" {
						reason = v.State.SkippedReason
					}
					tw.AppendRow(table.Row{v.DisplayName, v.State.Status, startable[v.Stage], reason})
				}
				tw.Render()
				if st.Closed {
					fmt.Println("Pipeline closed.")
				}
				return nil
			})
		},
	}
}

func pipelineListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPipelines(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Root", "Version", "Current", "Closed"})
				for _, p := range items {
					current := "-"
					if p.Current != nil {
						current = p.Current.String()
					}
					tw.AppendRow(table.Row{p.RootID, p.Version, current, p.Closed})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pipelineOverdueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List in-progress stages past their timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.OverdueStages(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Root", "Stage", "Started", "Overdue By"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.RootID, o.Stage, o.StartedAt.Format(time.RFC3339), o.Overdue.Round(time.Minute)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func stageActionCmd(action lifecycle.Action) *cobra.Command {
	var reason, notes string
	var expected int
	cmd := &cobra.Command{
		Use:   string(action) + " <root-id> <stage>",
		Short: fmt.Sprintf("Apply %q to a stage", action),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := lifecycle.ParseStage(args[1])
			if err != nil {
				return err
			}
			req := engine.StageRequest{
				RootID:  args[0],
				Stage:   stage,
				Reason:  reason,
				Notes:   notes,
				ActorID: actorID(),
			}
			if cmd.Flags().Changed("expected-version") {
				req.ExpectedVersion = &expected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplyStageAction(ctx, action, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s %s -> %s (version %d)\n", res.Record.RootID, res.Entry.Stage, res.Entry.From, res.Entry.To, res.Record.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required for block)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().IntVar(&expected, "expected-version", 0, "fail unless the pipeline is at this version")
	return cmd
}
