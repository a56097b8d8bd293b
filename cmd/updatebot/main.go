package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"updatebot/internal/app"
	"updatebot/internal/config"
	"updatebot/internal/db"
	"updatebot/internal/domain"
	"updatebot/internal/engine"
	"updatebot/internal/migrate"
	"updatebot/internal/notify"
	"updatebot/internal/repo"
	"updatebot/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "updatebot",
	Short: "UpdateBot keeps derived artifacts and deployment extents current",
	Long: `UpdateBot crawls the deployment catalog from every root deployment down.
For each structured source artifact it compares the remote modification time
with the last recorded one and regenerates the derived artifact when stale.
Afterwards each deployment's temporal and spatial extent is recomputed from its
outputs. Roots that changed get a processing log and a notification.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	for _, p := range []string{".env", filepath.Join(viper.GetString("workspace"), ".env")} {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: load %s: %v\n", p, err)
		}
	}
	viper.SetEnvPrefix("UPDATEBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(deploymentsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
}

func crawlCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one update crawl over all root deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Engine.CrawlAll(ctx, engine.CrawlFilter{Deployment: viper.GetString("deployment")})
				if viper.GetBool("json") {
					if perr := printJSON(report); perr != nil {
						return perr
					}
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Root", "ID", "Changed", "Regenerated", "Saved", "Failed", "Log"})
				for _, r := range report.Roots {
					tw.AppendRow(table.Row{r.Name, r.RootID, r.Changed, r.Regenerated, r.Saved, r.Failed, r.LogURL})
				}
				tw.AppendFooter(table.Row{"", "", "", report.Regenerated(), report.Saved(), "", report.Finished.Sub(report.Started).Round(time.Millisecond)})
				tw.Render()
				if verbose {
					for _, r := range report.Roots {
						fmt.Printf("\n== %s ==\n%s", r.Name, r.Log.Text())
					}
				}
				return err
			})
		},
	}
	cmd.Flags().String("deployment", "", "only crawl the root deployment with this name")
	cmd.Flags().Int("workers", 0, "sibling subtrees walked concurrently (overrides config)")
	cmd.Flags().Bool("propagate", false, "fold child extents into parents (overrides config)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the processing log of every root")
	_ = viper.BindPFlag("deployment", cmd.Flags().Lookup("deployment"))
	_ = viper.BindPFlag("workers", cmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("propagate", cmd.Flags().Lookup("propagate"))
	return cmd
}

func deploymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"dep"},
		Short:   "Inspect the deployment catalog",
	}
	cmd.AddCommand(deploymentsListCmd())
	cmd.AddCommand(deploymentsShowCmd())
	cmd.AddCommand(deploymentsTreeCmd())
	return cmd
}

func deploymentsListCmd() *cobra.Command {
	var roots bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					nodes []domain.DeploymentNode
					err   error
				)
				if roots {
					nodes, err = r.FindRoots(ctx)
				} else {
					nodes, err = r.ListDeployments(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Parent", "Start", "End", "Version"})
				for _, n := range nodes {
					tw.AppendRow(table.Row{n.ID, n.Name, n.ParentID, formatTime(n.Extent.Start), formatTime(n.Extent.End), n.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&roots, "roots", false, "only root deployments")
	return cmd
}

func deploymentsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a deployment with its artifacts and resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				n, err := r.FindNode(ctx, args[0])
				if err != nil {
					return err
				}
				artifacts, err := r.ListArtifacts(ctx, n.ID)
				if err != nil {
					return err
				}
				resources, err := r.Resources(ctx, domain.OwnerNode, n.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deployment": n, "artifacts": artifacts, "resources": resources})
				}
				fmt.Printf("%s (%s) version %d\n", n.Name, n.ID, n.Version)
				fmt.Printf("extent: %s .. %s\n", formatTime(n.Extent.Start), formatTime(n.Extent.End))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Artifact", "Kind", "Derived", "Start", "End", "URI"})
				for _, a := range artifacts {
					tw.AppendRow(table.Row{a.Name, a.Kind, a.Derived, formatTime(a.Extent.Start), formatTime(a.Extent.End), a.URI})
				}
				for _, res := range resources {
					tw.AppendRow(table.Row{res.Name, "resource", false, "", formatTime(res.End), res.URI})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func deploymentsTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree [id]",
		Short: "Print deployment subtrees; all roots when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e := engine.New(r.DB, nil)
				var ids []string
				if len(args) == 1 {
					ids = args
				} else {
					roots, err := r.FindRoots(ctx)
					if err != nil {
						return err
					}
					for _, root := range roots {
						ids = append(ids, root.ID)
					}
				}
				var trees []notify.Tree
				for _, id := range ids {
					t, err := e.Tree(ctx, id)
					if err != nil {
						return err
					}
					trees = append(trees, t)
				}
				if viper.GetBool("json") {
					return printJSON(trees)
				}
				for _, t := range trees {
					fmt.Println(t.Node.Name)
					printTree(t, "")
				}
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in " + config.FileName + " in the workspace. Missing values fall back to defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
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
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workspace)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "events",
		Short: "Crawl event log",
		Long:  "Every crawl records what it did per deployment and artifact: decisions, regenerations, failures.",
	}
	ev.AddCommand(eventsTailCmd())
	return ev
}

func eventsTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Level", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Level, e.EntityKind + ":" + e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.RootID, "root", "", "root deployment id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "deployment or artifact id")
	cmd.Flags().StringVar(&f.Level, "level", "", "info, warn or error")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply catalog migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]int{"applied": n})
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("UPDATEBOT_JWT_SECRET is required for bearer auth")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
					Metrics:  rt.Metrics,
					Logger:   rt.Engine.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				rt.Engine.Logger.Info("serving api", "addr", addr, "base_path", basePath)
				fmt.Printf("Serving UpdateBot API on http://%s%s (OpenAPI at /openapi.json, docs at /docs, metrics at /metrics)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (prefer UPDATEBOT_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

// loadConfig reads the workspace config, or the defaults when there is none,
// and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(workspace)
	}
	if viper.GetInt("workers") > 0 {
		cfg.Crawl.Workers = viper.GetInt("workers")
	}
	if viper.GetBool("propagate") {
		cfg.Crawl.PropagateChildExtents = true
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, cfg.Validate()
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, nil, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func printTree(t notify.Tree, prefix string) {
	type line struct {
		label    string
		children func(string)
	}
	var lines []line
	for _, a := range t.Outputs {
		lines = append(lines, line{label: fmt.Sprintf("%s [%s]", a.Name, a.Kind), children: func(p string) {
			for i, d := range t.Derived[a.ID] {
				printLeaf(p, d.Name+" (derived)", i == len(t.Derived[a.ID])-1)
			}
		}})
	}
	for _, c := range t.Children {
		lines = append(lines, line{label: c.Node.Name + " " + extentLabel(c.Node.Extent), children: func(p string) { printTree(c, p) }})
	}
	for i, l := range lines {
		last := i == len(lines)-1
		next := printLeaf(prefix, l.label, last)
		l.children(next)
	}
}

func printLeaf(prefix, label string, last bool) string {
	connector, next := "├── ", prefix+"│   "
	if last {
		connector, next = "└── ", prefix+"    "
	}
	fmt.Printf("%s%s%s\n", prefix, connector, label)
	return next
}

func extentLabel(ext domain.Extent) string {
	if ext.Start == nil && ext.End == nil {
		return ""
	}
	return fmt.Sprintf("[%s .. %s]", formatTime(ext.Start), formatTime(ext.End))
}
