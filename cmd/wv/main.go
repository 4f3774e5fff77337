package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"waveline/internal/app"
	"waveline/internal/config"
	"waveline/internal/engine"
	"waveline/internal/exitcode"
	"waveline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "wv",
	Short: "Waveline CLI",
	Long: `Waveline plans work as a task hierarchy with dependencies and moves epics
through a stage-gated lifecycle.
- Workspace: the .waveline directory holding tasks.json, archive.json, lifecycle.json and the events.db change log.
- Tasks: epics, tasks and subtasks; statuses go pending -> active -> done (blocked and cancelled are side exits).
- Dependencies: a task waits for the tasks it depends on; cycles are rejected.
- Waves: groups of open tasks that can run at the same time, in order ('wv waves').
- Lifecycle: research, consensus, architecture, spec, decompose, implement, verify, test, release; each stage waits for its prerequisites ('wv pipeline').
- Change log: every accepted mutation, view with 'wv log tail'.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(reportError(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("WAVELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides waveline.yml")
	rootCmd.PersistentFlags().Bool("no-change-log", false, "do not record events in events.db")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("no-change-log", rootCmd.PersistentFlags().Lookup("no-change-log"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(wavesCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(parallelCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(authCmd())
}

// reportError prints err and returns its exit code. With --json the error
// goes to stdout as the same envelope the HTTP API uses.
func reportError(err error) int {
	code, _ := exitcode.Classify(err)
	if viper.GetBool("json") {
		_ = printJSON(map[string]any{"error": map[string]any{
			"code":      exitcode.Name(err),
			"message":   err.Error(),
			"exit_code": int(code),
			"details":   exitcode.Details(err),
		}})
		return int(code)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return int(code)
}

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:   viper.GetString("workspace"),
		LogLevel:    viper.GetString("log-level"),
		NoChangeLog: viper.GetBool("no-change-log"),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create waveline.yml and an empty workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			_, statErr := os.Stat(path)
			switch {
			case statErr == nil && !force:
				fmt.Fprintf(os.Stderr, "keeping existing %s\n", path)
			case statErr == nil || errors.Is(statErr, os.ErrNotExist):
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
			default:
				return statErr
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Init(ctx, actorID()); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"workspace": workspace, "config": path})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing waveline.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			if _, err := cfg.BuildPipeline(); err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"file": file, "valid": true})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (default: <workspace>/waveline.yml)")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the change log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if e.Repo.DB == nil {
					return fmt.Errorf("%w: change log is disabled", engine.ErrInvalidInput)
				}
				events, err := e.Repo.LatestEvents(ctx, n, 0, repo.EventFilter{
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, strings.TrimSpace(evt.EntityKind + " " + evt.EntityID), evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter (task, pipeline, workspace)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
