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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stateline/internal/app"
	"stateline/internal/config"
	"stateline/internal/db"
	"stateline/internal/domain"
	"stateline/internal/engine"
	"stateline/internal/notify"
	"stateline/internal/repo"
	"stateline/internal/server"
	"stateline/internal/workorder"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stateline CLI",
	Long: `Stateline runs entity lifecycles through a declarative transition engine.
Work orders move along a configured state graph; every attempt, allowed or
not, lands in the audit trail. Permissions come from capability grants,
business rules from the lifecycle itself.`,
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
	viper.SetEnvPrefix("STATELINE")
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
	rootCmd.AddCommand(workOrderCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				fmt.Printf("Workspace ready at %s (db: %s)\n", workspace, db.Path(workspace))
				return nil
			})
		},
	}
	return cmd
}

func workOrderCmd() *cobra.Command {
	wo := &cobra.Command{Use: "workorder", Aliases: []string{"wo"}, Short: "Manage work orders"}
	wo.AddCommand(workOrderCreateCmd())
	wo.AddCommand(workOrderListCmd())
	wo.AddCommand(workOrderShowCmd())
	wo.AddCommand(workOrderUpdateCmd())
	wo.AddCommand(workOrderTransitionCmd())
	wo.AddCommand(workOrderValidateCmd())
	wo.AddCommand(workOrderNextCmd())
	return wo
}

func workOrderCreateCmd() *cobra.Command {
	var opts workorder.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Title == "" {
				return fmt.Errorf("--title required")
			}
			opts.CreatorID = viper.GetString("actor-id")
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				wo, err := workorder.Create(ctx, env.Repo, env.Config, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work order id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee actor id")
	cmd.Flags().StringVar(&opts.Vendor, "vendor", "", "vendor name")
	cmd.Flags().Int64Var(&opts.EstimatedCostCents, "estimated-cost", 0, "estimated cost in cents")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func workOrderListCmd() *cobra.Command {
	var f repo.WorkOrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Repo.ListWorkOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Vendor"})
				for _, wo := range items {
					assignee := ""
					if wo.AssigneeID != nil {
						assignee = *wo.AssigneeID
					}
					vendor := ""
					if wo.Vendor != nil {
						vendor = *wo.Vendor
					}
					tw.AppendRow(table.Row{wo.ID, wo.Title, wo.Status, assignee, vendor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func workOrderShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				wo, err := env.Repo.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	return cmd
}

func workOrderUpdateCmd() *cobra.Command {
	var title, description, assignee, vendor string
	var estimated, actual int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update work order fields (not status)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				wo, err := env.Repo.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("title") {
					wo.Title = title
				}
				if cmd.Flags().Changed("description") {
					wo.Description = description
				}
				if cmd.Flags().Changed("assignee") {
					wo.AssigneeID = optionalString(assignee)
				}
				if cmd.Flags().Changed("vendor") {
					wo.Vendor = optionalString(vendor)
				}
				if cmd.Flags().Changed("estimated-cost") {
					wo.EstimatedCostCents = estimated
				}
				if cmd.Flags().Changed("actual-cost") {
					wo.ActualCostCents = &actual
				}
				wo.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
				if err := env.Repo.UpdateWorkOrderFields(ctx, wo); err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee actor id")
	cmd.Flags().StringVar(&vendor, "vendor", "", "vendor name")
	cmd.Flags().Int64Var(&estimated, "estimated-cost", 0, "estimated cost in cents")
	cmd.Flags().Int64Var(&actual, "actual-cost", 0, "actual cost in cents")
	return cmd
}

func workOrderTransitionCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "transition <id> <to>",
		Short: "Transition a work order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				wo, err := env.Repo.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				actor, err := env.Actor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				res, err := env.Engine.Transition(ctx, &wo, engine.State(args[1]), engine.NewContext(actor, comment))
				if err != nil {
					return err
				}
				if !res.Success {
					fmt.Printf("transition blocked: %s\n", res.ErrorMessage)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "audit comment")
	return cmd
}

func workOrderValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <id> <to>",
		Short: "Dry-run a transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				wo, err := env.Repo.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				actor, err := env.Actor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				vr, err := env.Engine.Validate(ctx, &wo, engine.State(args[1]), engine.NewContext(actor, ""))
				if err != nil {
					return err
				}
				return printJSONOrTable(vr)
			})
		},
	}
	return cmd
}

func workOrderNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <id>",
		Short: "Show declared next states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				wo, err := env.Repo.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				actor, err := env.Actor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				type nextState struct {
					State   string `json:"state"`
					Allowed bool   `json:"allowed"`
				}
				var out []nextState
				for _, s := range env.Engine.ValidNextStates(engine.State(wo.Status)) {
					out = append(out, nextState{State: string(s), Allowed: env.Engine.CanTransition(&wo, s, actor)})
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail",
	}
	audit.AddCommand(auditTailCmd())
	return audit
}

func auditTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail <work-order-id>",
		Short: "Show the audit trail of a work order, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				records, err := env.Audit.ByEntity(ctx, workorder.EntityType, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Actor", "Outcome", "Comments"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.Timestamp.Format(time.RFC3339), rec.FromState, rec.ToState, rec.ActorID, rec.Outcome, rec.Comments})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacShowCmd())
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return app.Grant(ctx, env.Repo, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return app.Revoke(ctx, env.Repo, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [actor-id]",
		Short: "Show actor roles and capabilities",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			if len(args) == 1 {
				actorID = args[0]
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				roles, err := env.Repo.ActorRoles(ctx, actorID)
				if err != nil {
					return err
				}
				caps, err := env.Repo.ActorCapabilities(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id":     actorID,
					"roles":        roles,
					"capabilities": caps,
				})
			})
		},
	}
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API key management",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--actor required")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   target,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := env.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The secret is shown once and never stored.
				fmt.Printf("API key %s created for %s\nSecret: %s\n", key.ID, target, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var caps []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("STATELINE_JWT_SECRET")
			token, err := server.MintToken(secret, viper.GetString("actor-id"), caps, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&caps, "capability", nil, "capability claims")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devToken bool
	var webhookURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				authCfg := server.AuthConfig{
					JWTSecret:        os.Getenv("STATELINE_JWT_SECRET"),
					DevTokenEndpoint: devToken,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("STATELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Env: env, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}

				var notifier notify.Notifier = notify.LogNotifier{}
				if webhookURL != "" {
					notifier = notify.WebhookNotifier{URL: webhookURL}
				}
				worker := notify.Worker{Queue: *env.Queue, Notifier: notifier}
				workerCtx, stopWorker := context.WithCancel(ctx)
				defer stopWorker()
				go worker.Run(workerCtx)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						fmt.Fprintln(os.Stderr, "shutdown:", err)
					}
				}()
				fmt.Printf("Serving Stateline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devToken, "dev-token", false, "expose POST /auth/dev/token")
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "", "deliver notifications to this URL instead of the log")
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
