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

	"kept/internal/config"
	"kept/internal/db"
	"kept/internal/domain"
	"kept/internal/engine"
	"kept/internal/integrity"
	"kept/internal/migrate"
	"kept/internal/repo"
	"kept/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "kept",
	Short: "Kept CLI",
	Long: `Kept tracks the commitments you make to other people and scores how
reliably you honor them.

Core concepts:
- Commitment: a deliverable promised to a stakeholder by a due date
  (pending -> in_progress -> completed; abandoned is the exit).
- At risk: when a commitment can't be kept as promised, 'kept atrisk'
  flags it, opens a cleanup plan and drafts a stakeholder notification.
- Recover: 'kept recover' pulls an at-risk commitment back into active
  work and cancels the cleanup plan.
- Integrity score: a 0-100 composite of on-time rate, notification
  timeliness, cleanup follow-through, estimation accuracy and the
  clean-week streak, with a letter grade.
- Risk check: 'kept risks' lists overdue, due-soon and stalled
  commitments; run it at the start of a session.`,
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
	viper.SetEnvPrefix("KEPT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(commitmentCmd())
	rootCmd.AddCommand(atRiskCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(risksCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace with default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Println("applied migration", name)
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("config %s already exists\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("initialized workspace; config at %s, database at %s\n", path, db.Path(workspace))
			return nil
		},
	}
}

func commitmentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "commitment", Short: "Manage commitments"}
	cmd.AddCommand(commitmentAddCmd())
	cmd.AddCommand(commitmentListCmd())
	cmd.AddCommand(commitmentShowCmd())
	cmd.AddCommand(commitmentStartCmd())
	cmd.AddCommand(commitmentCompleteCmd())
	cmd.AddCommand(commitmentAbandonCmd())
	return cmd
}

func commitmentAddCmd() *cobra.Command {
	var deliverable, stakeholder, due string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a new commitment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCommitment(ctx, engine.CommitmentCreateOptions{
					Deliverable: deliverable,
					Stakeholder: stakeholder,
					DueDate:     due,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&deliverable, "deliverable", "", "what is promised")
	cmd.Flags().StringVar(&stakeholder, "to", "", "who it is promised to")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	return cmd
}

func commitmentListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commitments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := commitmentFilters(status)
				items, err := e.Repo.ListCommitments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Deliverable", "To", "Status", "Due"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Deliverable, c.Stakeholder, c.Status, c.DueDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func commitmentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a commitment with its plan and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCommitment(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"commitment": c}
				if plan, err := e.Repo.GetCleanupPlanByCommitment(ctx, c.ID); err == nil {
					out["cleanup_plan"] = plan
				}
				if tasks, err := e.Repo.ListTasksByCommitment(ctx, c.ID); err == nil && len(tasks) > 0 {
					out["tasks"] = tasks
				}
				return printJSON(out)
			})
		},
	}
}

func commitmentStartCmd() *cobra.Command {
	return transitionCmd("start <id>", "Start working a commitment", func(ctx context.Context, e engine.Engine, id string) (domain.Commitment, error) {
		return e.StartCommitment(ctx, id, viper.GetString("actor-id"))
	})
}

func commitmentCompleteCmd() *cobra.Command {
	return transitionCmd("complete <id>", "Complete a commitment", func(ctx context.Context, e engine.Engine, id string) (domain.Commitment, error) {
		return e.CompleteCommitment(ctx, id, viper.GetString("actor-id"))
	})
}

func commitmentAbandonCmd() *cobra.Command {
	return transitionCmd("abandon <id>", "Abandon a commitment", func(ctx context.Context, e engine.Engine, id string) (domain.Commitment, error) {
		return e.AbandonCommitment(ctx, id, viper.GetString("actor-id"))
	})
}

func transitionCmd(use, short string, fn func(context.Context, engine.Engine, string) (domain.Commitment, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := fn(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
}

func atRiskCmd() *cobra.Command {
	var reason, impact string
	cmd := &cobra.Command{
		Use:   "atrisk <id>",
		Short: "Mark a commitment at risk and draft the stakeholder notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return errors.New("--reason is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.MarkCommitmentAtRisk(ctx, args[0], reason, impact, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Commitment %s marked at risk.\n\nNotification draft:\n\n%s\n", res.Commitment.ID, res.NotificationTask.Scope)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the commitment is at risk")
	cmd.Flags().StringVar(&impact, "impact", "", "impact on the stakeholder")
	return cmd
}

func recoverCmd() *cobra.Command {
	var resolved bool
	cmd := &cobra.Command{
		Use:   "recover <id>",
		Short: "Pull an at-risk commitment back into active work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecoverCommitment(ctx, args[0], resolved, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Commitment %s recovered.\n", res.Commitment.ID)
				if res.NotificationStillNeeded {
					fmt.Println("The stakeholder notification is still pending; send it or re-run with --resolved.")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&resolved, "resolved", false, "situation resolved; skip the pending notification")
	return cmd
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notify", Short: "Manage stakeholder notifications"}
	var actualHours float64
	done := &cobra.Command{
		Use:   "done <commitment-id>",
		Short: "Record the notification as sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var actual *float64
				if cmd.Flags().Changed("actual-hours") {
					actual = &actualHours
				}
				t, err := e.CompleteNotificationTask(ctx, args[0], actual, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	done.Flags().Float64Var(&actualHours, "actual-hours", 0, "bucketed actual hours spent")
	cmd.AddCommand(done)
	return cmd
}

func risksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "risks",
		Short: "List commitments at risk of being missed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.DetectRisks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				if !summary.HasRisks() {
					fmt.Println("No commitments at risk.")
					return nil
				}
				fmt.Print(summary.ToMessage())
				return nil
			})
		},
	}
}

func scoreCmd() *cobra.Command {
	var trends bool
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Show the integrity score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				calc := integrity.Calculator{Repo: e.Repo, Config: e.Config, Now: e.Now}
				var (
					m   integrity.Metrics
					err error
				)
				if trends {
					m, err = calc.CalculateWithTrends(ctx)
				} else {
					m, err = calc.Calculate(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Factor", "Value"})
				tw.AppendRows([]table.Row{
					{"On-time rate", fmt.Sprintf("%.0f%% (%d/%d)", m.OnTimeRate*100, m.OnTimeCompletions, m.TotalCompletions)},
					{"Notification timeliness", fmt.Sprintf("%.0f%%", m.NotificationTimeliness*100)},
					{"Cleanup follow-through", fmt.Sprintf("%.0f%% (%d/%d)", m.CleanupCompletionRate*100, m.CompletedPlans, m.TotalPlans)},
					{"Estimation accuracy", fmt.Sprintf("%.0f%% (%d samples)", m.EstimationAccuracy*100, m.EstimationSamples)},
					{"Streak", fmt.Sprintf("%d clean weeks", m.StreakWeeks)},
				})
				tw.AppendFooter(table.Row{"Score", fmt.Sprintf("%.1f (%s)", m.CompositeScore, m.LetterGrade)})
				tw.Render()
				if m.Trends != nil {
					fmt.Printf("Trends: on-time %s, notification %s, cleanup %s, overall %s\n",
						m.Trends.OnTimeRate, m.Trends.NotificationTimeliness, m.Trends.CleanupCompletionRate, m.Trends.Overall)
				}
				affecting, err := e.AffectingCommitments(ctx)
				if err != nil {
					return err
				}
				for _, a := range affecting {
					fmt.Printf("  affecting: %s (%s)\n", a.Commitment.Deliverable, a.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&trends, "trends", false, "include trend comparison")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("KEPT_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("KEPT_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						fmt.Println("error: shutdown:", err)
					}
				}()
				fmt.Printf("Serving Kept API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func commitmentFilters(status string) (f repo.CommitmentFilters) {
	if status != "" {
		f.Statuses = []string{status}
	}
	return f
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
