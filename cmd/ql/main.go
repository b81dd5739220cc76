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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questline/internal/app"
	"questline/internal/db"
	"questline/internal/engine"
	"questline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Questline CLI",
	Long: `Questline routes teams through event stations and compiles mission media.
Concepts:
- Event: one game run by an organization; moves draft -> active -> completed -> archived.
- Station: a stop on the route, ordered by sequence.
- Mission override: a template mission customized for one event; compile enqueues its render.
- Team: players who unlock the event with a 4-digit access code.
- Assignment: binds a team's mission to a station; stations without required missions are skipped.
- Visit log: append-only enter/complete/fail trail that routing replays.
- Activity: organizer-side audit trail, view with 'ql activity tail'.`,
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
	viper.SetEnvPrefix("QUESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console|json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	for _, name := range []string{"workspace", "json", "actor-id", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(stationCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(compileCmd())
	rootCmd.AddCommand(playCmd())
	rootCmd.AddCommand(visitsCmd())
	rootCmd.AddCommand(renderCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(serveCmd())
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	var id, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an organization owned by the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateOrg(ctx, id, name, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "organization id")
	create.Flags().StringVar(&name, "name", "", "display name")
	org.AddCommand(create)
	return org
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Organization roles"}

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor's memberships",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orgs, err := e.Repo.ActorOrgs(ctx, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orgs)
				}
				tw := newTable("Org", "Name", "Role")
				for _, o := range orgs {
					tw.AppendRow(table.Row{o.OrgID, o.Name, o.Role})
				}
				tw.Render()
				return nil
			})
		},
	}

	var orgID, member, role string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant an organization role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orgID == "" || member == "" || role == "" {
				return fmt.Errorf("--org, --member and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, orgID, member, role, actor())
			})
		},
	}
	grant.Flags().StringVar(&orgID, "org", "", "organization id")
	grant.Flags().StringVar(&member, "member", "", "actor receiving the role")
	grant.Flags().StringVar(&role, "role", "", "viewer|editor|admin|owner")

	cmd.AddCommand(whoami, grant)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for organizer automation"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k, err := e.CreateAPIKey(ctx, actor(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(k)
				}
				fmt.Printf("API key %s created. Store it now, it is not shown again:\n%s\n", k.ID, k.Key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the current actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete one of the current actor's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, actor(), args[0]); err != nil {
					return err
				}
				fmt.Printf("API key %s revoked\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func activityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "activity", Short: "Organizer activity log"}
	var q engine.ActivityQuery
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent activity, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if q.OrgID == "" {
				return fmt.Errorf("--org required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.RecentActivity(ctx, q, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor")
				for _, a := range entries {
					tw.AppendRow(table.Row{a.ID, a.TS, a.Type, a.EntityKind + ":" + a.EntityID, a.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&q.OrgID, "org", "", "organization id")
	tail.Flags().StringVar(&q.EventID, "event", "", "event filter")
	tail.Flags().StringVar(&q.Type, "type", "", "type filter")
	tail.Flags().IntVar(&q.Limit, "n", 20, "number of entries")
	cmd.AddCommand(tail)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger()
			if err != nil {
				return err
			}
			ws, err := app.Open(cmd.Context(), viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer ws.Close()
			if !cmd.Flags().Changed("addr") && ws.Config.Server.Addr != "" {
				addr = ws.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && ws.Config.Server.BasePath != "" {
				basePath = ws.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyActor,
				Log:                    log,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("QUESTLINE_JWT_SECRET is required for bearer auth")
			}
			renderSecret := ws.Config.Render.CallbackSecret
			if s := viper.GetString("render-secret"); s != "" {
				renderSecret = s
			}
			handler, err := server.New(server.Config{
				Engine:       ws.Engine,
				BasePath:     basePath,
				Auth:         authCfg,
				RenderSecret: renderSecret,
				Log:          log,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), ws.Engine, log)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Questline API (OpenAPI at /openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyActor, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local development only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (QUESTLINE_JWT_SECRET)")
	cmd.Flags().String("render-secret", "", "shared secret expected in X-Render-Secret (QUESTLINE_RENDER_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("render-secret", cmd.Flags().Lookup("render-secret"))
	return cmd
}

func actor() string {
	return viper.GetString("actor-id")
}

func logger() (zerolog.Logger, error) {
	return app.NewLogger(viper.GetString("log-format"), viper.GetString("log-level"), os.Stderr)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	log, err := logger()
	if err != nil {
		return err
	}
	ws, err := app.Open(ctx, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
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

func optionalInt(cmd *cobra.Command, name string, v int) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

func optionalBool(cmd *cobra.Command, name string, v bool) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

func optionalString(cmd *cobra.Command, name string, v string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}
