package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"marketline/internal/app"
	"marketline/internal/config"
	"marketline/internal/engine"
	"marketline/internal/repo"
	"marketline/internal/scheduler"
	"marketline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Marketline CLI",
	Long: `Marketline enforces executor deadlines on a task marketplace and arbitrates disputes.
- Assignment: the link between a task and its selected executor. It must start within 12h and
  submit within 24h of starting; one pause of up to 24h may extend the window.
- Violations: missed starts, missed submissions and force-majeure abuse. Repeats inside 90 days
  climb the ladder warning -> penalty -> block -> ban.
- Disputes: arbiters claim, review and lock one financial decision; the escrow is then settled.
- Reconciliation: 'ml reconcile' sweeps every timer that came due, and 'ml serve' runs it on a loop.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MARKETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/marketline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "operator", "actor identifier")
	rootCmd.PersistentFlags().String("now", "", "pin the clock (RFC3339), for replaying sweeps")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "now"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(executorCmd())
	rootCmd.AddCommand(bannedCmd())
	rootCmd.AddCommand(disruptionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect service config",
		Long:  "Config covers the service identity, scheduler cadence, dispute SLA, HTTP listener, storage and webhooks. Deadlines and the sanction ladder are fixed and not configurable.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var serviceID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default marketline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(serviceID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&serviceID, "service-id", "marketline", "service id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the reconciliation loop and webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					return fmt.Errorf("MARKETLINE_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = rt.Config.HTTP.Addr
				}
				if basePath == "" {
					basePath = rt.Config.HTTP.BasePath
				}
				loop := rt.Loop()
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					Loop:     loop,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: devLogin, Logger: rt.Logger},
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, rt.Engine.Repo, rt.Config, rt.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					rt.Logger.Info("serving Marketline API", "addr", addr, "base_path", basePath, "docs", "/docs")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to http.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to http.base_path)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login for local testing")
	_ = viper.BindEnv("jwt-secret", "MARKETLINE_JWT_SECRET")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep",
		Long:  "Sweeps force-majeure shifts, missing assignments, contract drift, auto-accepts, pause timers, missed starts, overdue work, auto-disputes, auto-decisions, settlement retries, sanction retries and SLA signals. Safe to repeat.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, _ := rt.Loop().RunOnce(ctx)
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printReport(report)
				if len(report.Failures) > 0 {
					return fmt.Errorf("%d items failed to reconcile", len(report.Failures))
				}
				return nil
			})
		},
	}
	return cmd
}

func printReport(report scheduler.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("sweep at %s (%s)", report.At.Format(time.RFC3339), report.Duration))
	tw.AppendHeader(table.Row{"Step", "Checked", "Repaired", "Failed"})
	for _, s := range report.Steps {
		tw.AppendRow(table.Row{s.Name, s.Checked, s.Repaired, s.Failed})
	}
	tw.AppendFooter(table.Row{"total", "", report.Repairs(), len(report.Failures)})
	tw.Render()
	for _, f := range report.Failures {
		fmt.Printf("failed %s %s: %s\n", f.Step, f.Key, f.Error)
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit trail"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{"operator"}, "roles (customer, executor, arbiter, operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = viper.BindEnv("jwt-secret", "MARKETLINE_JWT_SECRET")
	return cmd
}

// --- helpers ---

func pinnedNow() (time.Time, error) {
	raw := strings.TrimSpace(viper.GetString("now"))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--now must be RFC3339: %w", err)
	}
	return t.UTC(), nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	now, err := pinnedNow()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("config"), now)
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}
