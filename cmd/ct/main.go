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

	"chronotrial/internal/app"
	"chronotrial/internal/config"
	"chronotrial/internal/db"
	"chronotrial/internal/domain"
	"chronotrial/internal/engine"
	"chronotrial/internal/migrate"
	"chronotrial/internal/repo"
	"chronotrial/internal/report"
	"chronotrial/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ct",
	Short: "Chronotrial CLI",
	Long: `Chronotrial times athletic trials and keeps the books for them.
- Workspace: the .chronotrial directory holding the database; chronotrial.yml sits next to it.
- Trial: one scheduled timing session; it moves scheduled -> running -> finished.
- Registration: an athlete bound to a trial under a plate code, with a category and modality.
- Result: one timed finish for a plate; a plate can finish more than once, the latest counts.
- Rankings: per trial, category, modality or across all trials; reports land in xlsx workbooks.`,
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
	viper.SetEnvPrefix("CHRONOTRIAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(trialCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(participantsCmd())
	rootCmd.AddCommand(finishCmd())
	rootCmd.AddCommand(resultCmd())
	rootCmd.AddCommand(rankCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(integrityCmd())
	rootCmd.AddCommand(athleteCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(clockCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			dir, err := db.EnsureWorkspace(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			created, err := config.WriteDefault(workspace)
			if err != nil {
				return err
			}
			fmt.Printf("Workspace ready at %s\n", dir)
			if created {
				fmt.Printf("Wrote default config to %s\n", config.Path(workspace))
			}
			return nil
		},
	}
}

func trialCmd() *cobra.Command {
	trial := &cobra.Command{Use: "trial", Short: "Manage trials"}
	trial.AddCommand(trialCreateCmd())
	trial.AddCommand(trialListCmd())
	trial.AddCommand(trialShowCmd())
	trial.AddCommand(trialStartCmd())
	trial.AddCommand(trialStopCmd())
	trial.AddCommand(trialDeleteCmd())
	trial.AddCommand(trialSweepCmd())
	trial.AddCommand(trialRunningCmd())
	trial.AddCommand(trialSummaryCmd())
	return trial
}

func trialCreateCmd() *cobra.Command {
	var name, at string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTrial(ctx, name, at)
				if err != nil {
					return err
				}
				return printJSONOrValue(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "trial name")
	cmd.Flags().StringVar(&at, "at", "", "scheduled time (RFC 3339)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func trialListCmd() *cobra.Command {
	var f repo.TrialFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				trials, err := r.ListTrials(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trials)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Scheduled", "Started", "Ended"})
				for _, t := range trials {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Status(), t.ScheduledAt, strOrDash(t.StartedAt), strOrDash(t.EndedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (scheduled, running, finished)")
	cmd.Flags().StringVar(&f.OnDate, "on", "", "scheduled date filter (YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func trialShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTrial(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrValue(t)
			})
		},
	}
	return cmd
}

func trialStartCmd() *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StartTrial(ctx, id, wipe)
				if err != nil {
					return err
				}
				return printJSONOrValue(t)
			})
		},
	}
	cmd.Flags().BoolVar(&wipe, "wipe", false, "delete results from a prior run before starting")
	return cmd
}

func trialStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StopTrial(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrValue(t)
			})
		},
	}
	return cmd
}

func trialDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a trial and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteTrial(ctx, id)
			})
		},
	}
	return cmd
}

func trialSweepCmd() *cobra.Command {
	var windowDays int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Force-finish stale trials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				swept, err := e.SweepStaleTrials(ctx, windowDays)
				if err != nil {
					return err
				}
				fmt.Printf("Swept %d stale trial(s)\n", swept)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&windowDays, "window", 0, "stale window in days (default from config)")
	return cmd
}

func trialRunningCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "running",
		Short: "Show the trial to resume, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.FindRunningTrial(ctx, 0)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("No running trial")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrValue(t)
			})
		},
	}
	return cmd
}

func trialSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <id>",
		Short: "Trial summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTrial(ctx, id)
				if err != nil {
					return err
				}
				s, err := r.TrialSummary(ctx, t)
				if err != nil {
					return err
				}
				return printJSONOrValue(s)
			})
		},
	}
	return cmd
}

func registerCmd() *cobra.Command {
	var opts engine.RegisterOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an athlete for a trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg, err := e.Register(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrValue(reg)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.TrialID, "trial", 0, "trial id")
	cmd.Flags().StringVar(&opts.AthleteName, "name", "", "athlete name")
	cmd.Flags().StringVar(&opts.PlateCode, "plate", "", "plate code")
	cmd.Flags().StringVar(&opts.CategoryName, "category", "", "category")
	cmd.Flags().StringVar(&opts.ModalityName, "modality", "", "modality")
	_ = cmd.MarkFlagRequired("trial")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("plate")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("modality")
	return cmd
}

func participantsCmd() *cobra.Command {
	var trialID int64
	cmd := &cobra.Command{
		Use:   "participants",
		Short: "List trial participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				regs, err := r.ListRegistrationsByTrial(ctx, trialID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(regs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Plate", "Athlete", "Category", "Modality"})
				for _, reg := range regs {
					tw.AppendRow(table.Row{reg.PlateCode, reg.AthleteName, reg.CategoryName, reg.ModalityName})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	_ = cmd.MarkFlagRequired("trial")
	return cmd
}

func finishCmd() *cobra.Command {
	var trialID int64
	var notes string
	cmd := &cobra.Command{
		Use:   "finish <plates>",
		Short: "Record a finish for one or more plates (comma separated)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcomes, err := e.RecordFinish(ctx, trialID, args[0], time.Now(), notes)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(outcomes)
				}
				for _, o := range outcomes {
					if o.Error != "" {
						fmt.Printf("%s: %s\n", o.PlateCode, o.Error)
						continue
					}
					fmt.Printf("%s: %s\n", o.PlateCode, report.FormatDuration(o.DurationMs))
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	cmd.Flags().StringVar(&notes, "notes", "", "notes attached to each result")
	_ = cmd.MarkFlagRequired("trial")
	return cmd
}

func resultCmd() *cobra.Command {
	res := &cobra.Command{Use: "result", Short: "Manage results"}
	res.AddCommand(resultListCmd())
	res.AddCommand(resultClearCmd())
	return res
}

func resultListCmd() *cobra.Command {
	var trialID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List raw results for a trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				results, err := r.ListResultsByTrial(ctx, trialID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Registration", "Start", "End", "Duration", "Notes"})
				for _, res := range results {
					tw.AppendRow(table.Row{res.ID, res.RegistrationID, res.StartTime, res.EndTime, report.FormatDuration(res.DurationMs), res.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	_ = cmd.MarkFlagRequired("trial")
	return cmd
}

func resultClearCmd() *cobra.Command {
	var trialID int64
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all results for a trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deleted, err := e.DeleteResultsForTrial(ctx, trialID)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d result(s)\n", deleted)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	_ = cmd.MarkFlagRequired("trial")
	return cmd
}

func rankCmd() *cobra.Command {
	rank := &cobra.Command{Use: "rank", Short: "Rankings"}
	rank.AddCommand(rankTrialCmd())
	rank.AddCommand(rankCategoryCmd())
	rank.AddCommand(rankModalityCmd())
	rank.AddCommand(rankCrossCmd())
	return rank
}

func rankTrialCmd() *cobra.Command {
	var trialID int64
	var policyName string
	cmd := &cobra.Command{
		Use:   "trial",
		Short: "Rank a whole trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				policy, err := engine.ParsePolicy(policyName)
				if err != nil {
					return err
				}
				entries, err := r.RankTrial(ctx, trialID, policy)
				if err != nil {
					return err
				}
				return printRanking(entries)
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	cmd.Flags().StringVar(&policyName, "policy", "current", "ranking policy (current, best)")
	_ = cmd.MarkFlagRequired("trial")
	return cmd
}

func rankCategoryCmd() *cobra.Command {
	var trialID int64
	var policyName, name string
	cmd := &cobra.Command{
		Use:   "category",
		Short: "Rank one category within a trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				policy, err := engine.ParsePolicy(policyName)
				if err != nil {
					return err
				}
				entries, err := r.RankByCategory(ctx, trialID, name, policy)
				if err != nil {
					return err
				}
				return printRanking(entries)
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	cmd.Flags().StringVar(&name, "name", "", "category name")
	cmd.Flags().StringVar(&policyName, "policy", "current", "ranking policy (current, best)")
	_ = cmd.MarkFlagRequired("trial")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func rankModalityCmd() *cobra.Command {
	var trialID int64
	var policyName, name string
	cmd := &cobra.Command{
		Use:   "modality",
		Short: "Rank one modality within a trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				policy, err := engine.ParsePolicy(policyName)
				if err != nil {
					return err
				}
				entries, err := r.RankByModality(ctx, trialID, name, policy)
				if err != nil {
					return err
				}
				return printRanking(entries)
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	cmd.Flags().StringVar(&name, "name", "", "modality name")
	cmd.Flags().StringVar(&policyName, "policy", "current", "ranking policy (current, best)")
	_ = cmd.MarkFlagRequired("trial")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func rankCrossCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cross",
		Short: "Cross-trial ranking by participation and average time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.CrossTrialRanking(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Athlete", "Trials", "Best", "Average"})
				for _, e := range entries {
					tw.AppendRow(table.Row{
						e.AthleteName,
						e.Participations,
						report.FormatDuration(e.BestMs),
						report.FormatDuration(int64(e.AverageMs)),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Event statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				stats, err := r.EventStatistics(ctx)
				if err != nil {
					return err
				}
				return printJSONOrValue(stats)
			})
		},
	}
	return cmd
}

func importCmd() *cobra.Command {
	var trialID int64
	var plan bool
	var resolves []string
	cmd := &cobra.Command{
		Use:   "import <file.xlsx>",
		Short: "Import registrations from a workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolutions, err := parseResolutions(resolves)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if plan {
					p, err := e.PlanImportFile(ctx, trialID, args[0])
					if err != nil {
						return err
					}
					return printJSONOrValue(p)
				}
				rep, err := e.ImportFile(ctx, trialID, args[0], resolutions)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Batch %s: %d imported, %d skipped, %d failed\n", rep.BatchID, rep.Imported, rep.Skipped, rep.Failed)
				for _, row := range rep.Rows {
					if row.Reason != "" {
						fmt.Printf("  %s (%s): %s, %s\n", row.Row.Name, row.Row.PlateCode, row.Status, row.Reason)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	cmd.Flags().BoolVar(&plan, "plan", false, "dry run: validate without writing")
	cmd.Flags().StringArrayVar(&resolves, "resolve", nil, "conflict resolution, name=keep|replace (repeatable)")
	_ = cmd.MarkFlagRequired("trial")
	return cmd
}

func parseResolutions(pairs []string) (map[string]engine.Resolution, error) {
	resolutions := make(map[string]engine.Resolution, len(pairs))
	for _, pair := range pairs {
		name, action, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --resolve %q; expected name=keep|replace", pair)
		}
		switch engine.Resolution(action) {
		case engine.ResolveKeep, engine.ResolveReplace:
			resolutions[strings.ToLower(strings.TrimSpace(name))] = engine.Resolution(action)
		default:
			return nil, fmt.Errorf("invalid --resolve action %q; expected keep or replace", action)
		}
	}
	return resolutions, nil
}

func reportCmd() *cobra.Command {
	var trialID int64
	var outDir string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write the final workbook for a finished trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				path, err := e.WriteReport(ctx, trialID, outDir)
				if err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default from config)")
	_ = cmd.MarkFlagRequired("trial")
	return cmd
}

func integrityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Check referential integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				findings, err := r.ValidateIntegrity(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(findings)
				}
				if len(findings) == 0 {
					fmt.Println("OK")
					return nil
				}
				for _, f := range findings {
					fmt.Printf("%s: %s\n", f.Kind, f.Message)
				}
				return fmt.Errorf("%d integrity finding(s)", len(findings))
			})
		},
	}
	return cmd
}

func athleteCmd() *cobra.Command {
	athlete := &cobra.Command{Use: "athlete", Short: "Athletes"}
	athlete.AddCommand(athleteSearchCmd())
	return athlete
}

func athleteSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search athletes by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				athletes, err := r.SearchAthletes(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(athletes)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var trialID int64
	var evtType, entityKind string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, trialID, evtType, entityKind)
				if err != nil {
					return err
				}
				return printJSONOrValue(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	return cmd
}

func clockCmd() *cobra.Command {
	var trialID int64
	cmd := &cobra.Command{
		Use:   "clock",
		Short: "Show the running clock for a trial, ticking once per second",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTrial(ctx, trialID)
				if err != nil {
					return err
				}
				if t.Status() != domain.TrialRunning {
					return fmt.Errorf("trial %d is not running", trialID)
				}
				start, err := time.Parse(time.RFC3339, *t.StartedAt)
				if err != nil {
					return err
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						fmt.Println()
						return nil
					case now := <-ticker.C:
						fmt.Printf("\r%s  %s", t.Name, report.FormatDuration(now.Sub(start).Milliseconds()))
					}
				}
			})
		},
	}
	cmd.Flags().Int64Var(&trialID, "trial", 0, "trial id")
	_ = cmd.MarkFlagRequired("trial")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scoreboard HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret},
			})
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
			fmt.Printf("Serving Chronotrial API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("no jwt_secret configured; set server.jwt_secret or CHRONOTRIAL_JWT_SECRET")
			}
			token, err := server.SignToken(cfg.Server.JWTSecret, subject, roles)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, repeatable")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Repo())
}

func printRanking(entries []domain.RankingEntry) error {
	if viper.GetBool("json") {
		return printJSON(entries)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Pos", "Plate", "Athlete", "Category", "Modality", "Duration"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.Position, e.PlateCode, e.AthleteName, e.CategoryName, e.ModalityName, report.FormatDuration(e.DurationMs)})
	}
	tw.Render()
	return nil
}

func printJSONOrValue(v any) error {
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

func strOrDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
