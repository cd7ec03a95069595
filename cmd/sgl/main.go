package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/director"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
	"stageline/internal/server"
	"stageline/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "sgl",
	Short: "Stageline CLI",
	Long: `Stageline coordinates a team of specialized agents through a delivery
pipeline. Runs march PM -> DEV -> QA -> SEC -> DOCS -> TESTING ->
READY_FOR_DEPLOY -> COMPLETE; a failed security, docs or testing report drops
the run into a retry gate instead of losing progress. Tasks carry claim
counters: a parent task completes only when every child claim validates.
The director daemon polls for actionable work, dispatches agent subprocesses
and feeds their reports back through the state machine.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id or name")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(directorCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var name, desc, repoPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.InitProject(ctx, name, desc, repoPath, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&repoPath, "repo", "", "repository path")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Repo", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.RepoPath, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e *engine.Engine, p domain.Project) error {
				return printJSONOrTable(p)
			})
		},
	}
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default stageline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

// --- status ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Project status overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e *engine.Engine, p domain.Project) error {
				s, err := e.ProjectStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("project %s (%s)\n", p.Name, p.ID)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "State", "Count"})
				for _, st := range stage.Sequence() {
					if c, ok := s.Runs[string(st)]; ok {
						tw.AppendRow(table.Row{"run", string(st), c})
					}
				}
				for state, c := range s.Runs {
					if _, err := stage.Parse(state); err != nil || !stage.IsFailed(stage.RunState(state)) {
						continue
					}
					tw.AppendRow(table.Row{"run", state, c})
				}
				for status, c := range s.Tasks {
					tw.AppendRow(table.Row{"task", status, c})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- runs ---

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Manage delivery runs"}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runReportCmd())
	run.AddCommand(runAdvanceCmd())
	run.AddCommand(runRetryCmd())
	run.AddCommand(runApproveCmd())
	run.AddCommand(runHistoryCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run at PM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e *engine.Engine, p domain.Project) error {
				run, err := e.CreateRun(ctx, p.ID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "run name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e *engine.Engine, p domain.Project) error {
				items, err := e.Repo.ListRuns(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Name, r.State, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runReportCmd() *cobra.Command {
	var role, status, summary, details string
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Submit an agent report for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detailsMap, err := parseDetails(details)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep, err := e.SubmitRunReport(ctx, args[0], engine.ReportInput{
					Role:    role,
					Status:  status,
					Summary: summary,
					Details: detailsMap,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	cmd.Flags().StringVar(&status, "status", "", "pass or fail")
	cmd.Flags().StringVar(&summary, "summary", "", "summary")
	cmd.Flags().StringVar(&details, "details", "", "details JSON object")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func runAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance a run to its successor state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.AdvanceRun(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runRetryCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry a run from its failed gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.RetryRun(ctx, args[0], role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func runApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve-deploy <id>",
		Short: "Approve deployment and complete the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.ApproveDeploy(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a run's work cycle history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Ledger.HistoryForRun(ctx, e.DB, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Status", "Actor", "Summary", "At"})
				for _, wc := range items {
					tw.AppendRow(table.Row{wc.ID, wc.Stage, wc.Status, wc.ActorID, wc.Summary, wc.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 100, "number of entries")
	return cmd
}

// --- tasks ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskReportCmd())
	task.AddCommand(taskAdvanceCmd())
	task.AddCommand(taskRetryCmd())
	task.AddCommand(taskExecuteCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskHistoryCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, desc, runID, parentID, taskStage string
	var criteria []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e *engine.Engine, p domain.Project) error {
				t, err := e.CreateTask(ctx, engine.CreateTaskInput{
					ProjectID:          p.ID,
					RunID:              runID,
					ParentTaskID:       parentID,
					Title:              title,
					Description:        desc,
					AcceptanceCriteria: criteria,
					Stage:              taskStage,
					ActorID:            viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent task id (registers a claim)")
	cmd.Flags().StringVar(&taskStage, "stage", "", "initial pipeline stage")
	cmd.Flags().StringArrayVar(&criteria, "criterion", nil, "acceptance criterion (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var runID, status, parentID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e *engine.Engine, p domain.Project) error {
				items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					ProjectID: p.ID,
					RunID:     runID,
					Status:    status,
					Parent:    parentID,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Stage", "Claims"})
				for _, t := range items {
					claims := ""
					if t.ClaimsTotal > 0 {
						claims = fmt.Sprintf("%d/%d (%d failed)", t.ClaimsValidated, t.ClaimsTotal, t.ClaimsFailed)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.PipelineStage, claims})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "filter by run")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&parentID, "parent", "", "filter by parent task")
	cmd.Flags().IntVar(&limit, "n", 50, "limit")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskReportCmd() *cobra.Command {
	var role, status, summary, details string
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Submit an agent report for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detailsMap, err := parseDetails(details)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep, err := e.SubmitTaskReport(ctx, args[0], engine.ReportInput{
					Role:    role,
					Status:  status,
					Summary: summary,
					Details: detailsMap,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	cmd.Flags().StringVar(&status, "status", "", "pass or fail")
	cmd.Flags().StringVar(&summary, "summary", "", "summary")
	cmd.Flags().StringVar(&details, "details", "", "details JSON object")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance a task to its successor stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.AdvanceTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskRetryCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry a task from its failed gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.RetryTask(ctx, args[0], role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func taskExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id>",
		Short: "Mark a pending task in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ack, err := e.ExecuteTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ack)
			})
		},
	}
}

func taskClaimCmd() *cobra.Command {
	var claimID string
	cmd := &cobra.Command{
		Use:   "claim <parent-id>",
		Short: "Register a claim on a parent task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				added, err := e.RegisterClaim(ctx, args[0], claimID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !added {
					fmt.Println("claim already registered")
					return nil
				}
				fmt.Println("claim registered")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&claimID, "task", "", "claim task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a task's work cycle history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Ledger.HistoryForTask(ctx, e.DB, args[0], limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 100, "number of entries")
	return cmd
}

// --- director ---

func directorCmd() *cobra.Command {
	dir := &cobra.Command{Use: "director", Short: "Run and configure the director daemon"}
	dir.AddCommand(directorStartCmd())
	dir.AddCommand(directorSettingsCmd())
	return dir
}

func directorStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the director daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closer, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer closer()
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			d := director.New(eng, director.ExecDispatcher{
				Agents: eng.Config.Agents,
				Logger: logger,
			}, logger)
			err = d.Run(cmd.Context())
			if errors.Is(err, director.ErrAlreadyRunning) {
				return fmt.Errorf("director already running in this workspace")
			}
			return err
		},
	}
}

func directorSettingsCmd() *cobra.Command {
	settings := &cobra.Command{Use: "settings", Short: "Director settings"}
	settings.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show director settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.DirectorSettings(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})

	var enabled, tdd, dup, sec string
	var poll int
	var vision string
	set := &cobra.Command{
		Use:   "set",
		Short: "Update director settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.DirectorSettings(ctx)
				if err != nil {
					return err
				}
				if err := applyBoolFlag(cmd, "enabled", enabled, &s.Enabled); err != nil {
					return err
				}
				if err := applyBoolFlag(cmd, "enforce-tdd", tdd, &s.EnforceTDD); err != nil {
					return err
				}
				if err := applyBoolFlag(cmd, "enforce-no-duplication", dup, &s.EnforceNoDuplication); err != nil {
					return err
				}
				if err := applyBoolFlag(cmd, "enforce-security", sec, &s.EnforceSecurity); err != nil {
					return err
				}
				if cmd.Flags().Changed("poll-interval") {
					s.PollIntervalSeconds = poll
				}
				if cmd.Flags().Changed("vision-model") {
					s.VisionModel = vision
				}
				updated, err := e.UpdateDirectorSettings(ctx, s, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	set.Flags().StringVar(&enabled, "enabled", "", "true or false")
	set.Flags().StringVar(&tdd, "enforce-tdd", "", "true or false")
	set.Flags().StringVar(&dup, "enforce-no-duplication", "", "true or false")
	set.Flags().StringVar(&sec, "enforce-security", "", "true or false")
	set.Flags().IntVar(&poll, "poll-interval", 30, "poll interval seconds")
	set.Flags().StringVar(&vision, "vision-model", "", "vision model name")
	settings.AddCommand(set)
	return settings
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event diary"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e *engine.Engine, p domain.Project) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, p.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

// --- keys ---

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				plaintext := fmt.Sprintf("sgl_%d_%s", time.Now().UnixNano(), actor)
				k := domain.APIKey{
					ID:      fmt.Sprintf("key-%d", time.Now().UnixNano()),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				fmt.Println("api key (store it now, it is not retrievable):", plaintext)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id")
	create.Flags().StringVar(&name, "name", "", "key name")
	key.AddCommand(create)

	key.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	})

	key.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closer, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer closer()
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("STAGELINE_JWT_SECRET"),
				Logger:    logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STAGELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: eng, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving API", zap.String("addr", addr), zap.String("base_path", basePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("json") {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	eng, closer, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closer()
	return fn(ctx, eng)
}

func withProject(ctx context.Context, fn func(context.Context, *engine.Engine, domain.Project) error) error {
	return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
		p, err := app.ResolveProject(ctx, viper.GetString("project"), e.Repo)
		if err != nil {
			return err
		}
		return fn(ctx, e, p)
	})
}

func parseDetails(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--details must be a JSON object: %w", err)
	}
	return m, nil
}

func applyBoolFlag(cmd *cobra.Command, name, raw string, target *bool) error {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		*target = true
	case "false", "0", "no", "off":
		*target = false
	default:
		return fmt.Errorf("--%s must be true or false", name)
	}
	return nil
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
