package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/internal/config"
	internal_http "github.com/mikedrai/gep-partner-system-sub001/internal/http"
	"github.com/mikedrai/gep-partner-system-sub001/internal/log"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// SetupCLI registers the orchestrator commands on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")
	rootCmd.SilenceUsage = true

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the timeout scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")
			return withApp(cmd, func(ctx context.Context, app *App) error {
				if port == 0 {
					port = app.Config.HTTP.Port
				}
				return serve(ctx, app, fmt.Sprintf(":%d", port))
			})
		},
	}
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides http.port)")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			definition, _ := cmd.Flags().GetString("definition")
			entity, _ := cmd.Flags().GetString("entity")
			entityType, _ := cmd.Flags().GetString("entity-type")
			initiator, _ := cmd.Flags().GetString("initiator")
			rawCtx, _ := cmd.Flags().GetString("context")
			wfCtx := models.Context{}
			if rawCtx != "" {
				if err := json.Unmarshal([]byte(rawCtx), &wfCtx); err != nil {
					return errors.Wrap(err, "parse --context")
				}
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				inst, err := app.Engine.StartWorkflow(ctx, definition, entity, entityType, initiator, wfCtx)
				if err != nil {
					log.GetLogger().Errorf("Failed to start workflow: %v", err)
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Started workflow %s (%s) at step '%s', status %s\n",
					inst.ID, inst.DefinitionID, inst.CurrentStepID, inst.Status)
				return nil
			})
		},
	}
	startCmd.Flags().String("definition", "", "Workflow definition id")
	startCmd.Flags().String("entity", "", "Entity id, e.g. a visit or contract id")
	startCmd.Flags().String("entity-type", "", "Entity type, e.g. schedule, contract, partner")
	startCmd.Flags().String("initiator", "", "User starting the workflow")
	startCmd.Flags().String("context", "", "Business data as a JSON object")
	_ = startCmd.MarkFlagRequired("definition")

	actCmd := &cobra.Command{
		Use:   "act [instance-id]",
		Short: "Record an action (approved, rejected, request_changes, ...) on the current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, _ := cmd.Flags().GetString("action")
			user, _ := cmd.Flags().GetString("user")
			comments, _ := cmd.Flags().GetString("comments")
			attachments, _ := cmd.Flags().GetStringSlice("attachment")
			return withApp(cmd, func(ctx context.Context, app *App) error {
				inst, err := app.Engine.ProcessAction(ctx, args[0], action, user, comments, attachments)
				if err != nil {
					log.GetLogger().Errorf("Failed to process action: %v", err)
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded '%s' by %s; workflow %s is %s at step '%s'\n",
					action, user, inst.ID, inst.Status, inst.CurrentStepID)
				return nil
			})
		},
	}
	actCmd.Flags().String("action", "", "Action keyword")
	actCmd.Flags().String("user", "", "Acting user")
	actCmd.Flags().String("comments", "", "Comments")
	actCmd.Flags().StringSlice("attachment", nil, "Attachment reference (repeatable)")

	cancelCmd := &cobra.Command{
		Use:   "cancel [instance-id]",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			reason, _ := cmd.Flags().GetString("reason")
			return withApp(cmd, func(ctx context.Context, app *App) error {
				inst, err := app.Engine.CancelWorkflow(ctx, args[0], user, reason)
				if err != nil {
					log.GetLogger().Errorf("Failed to cancel workflow: %v", err)
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled workflow %s\n", inst.ID)
				return nil
			})
		},
	}
	cancelCmd.Flags().String("user", "", "User cancelling the workflow")
	cancelCmd.Flags().String("reason", "", "Reason")

	statusCmd := &cobra.Command{
		Use:   "status [instance-id]",
		Short: "Show the status of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				view, err := app.Engine.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), view)
				return nil
			})
		},
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List steps waiting on a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			return withApp(cmd, func(ctx context.Context, app *App) error {
				pending, err := app.Engine.GetPendingApprovals(ctx, user)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(pending) == 0 {
					fmt.Fprintf(out, "No pending approvals for %s.\n", user)
					return nil
				}
				fmt.Fprintf(out, "Pending approvals for %s:\n", user)
				for _, p := range pending {
					fmt.Fprintf(out, "- %s %s/%s: %s (%s)%s\n", p.InstanceID, p.EntityType, p.EntityID, p.StepName, p.DefinitionID, deadline(p.TimeoutAt))
				}
				return nil
			})
		},
	}
	pendingCmd.Flags().String("user", "", "User id")

	definitionsCmd := &cobra.Command{
		Use:   "definitions",
		Short: "List workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defs, err := loadDefinitions(cfg.Engine.DefinitionsFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, def := range defs.List() {
				steps := make([]string, len(def.Steps))
				for i, s := range def.Steps {
					steps[i] = s.ID
				}
				fmt.Fprintf(out, "- %s: %s [%s]\n", def.ID, def.Name, strings.Join(steps, " -> "))
			}
			return nil
		},
	}

	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Fire due step timeouts once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				fired, err := app.Scheduler.Poll(ctx, app.Engine.HandleTimeout)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Fired %d timeouts\n", fired)
				return nil
			})
		},
	}

	rootCmd.AddCommand(serveCmd, startCmd, actCmd, cancelCmd, statusCmd, pendingCmd, definitionsCmd, pollCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Configure(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// withApp loads configuration, wires the App and runs fn with a context that
// is cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		return err
	}
	app, err := NewApp(ctx, cfg, store, log.GetLogger())
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func serve(ctx context.Context, app *App, addr string) error {
	server := internal_http.NewServer(app.Engine, log.GetLogger())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(addr)
	})
	g.Go(func() error {
		return app.Scheduler.Run(ctx, app.Engine.HandleTimeout)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func printStatus(out io.Writer, view models.StatusView) {
	fmt.Fprintf(out, "Workflow %s (%s) for %s %s\n", view.InstanceID, view.DefinitionID, view.EntityType, view.EntityID)
	fmt.Fprintf(out, "Status: %s, progress %.0f%%\n", view.Status, view.Progress)
	if view.CurrentStep != nil {
		fmt.Fprintf(out, "Current step: %s (%s, %s)%s\n", view.CurrentStep.Name, view.CurrentStep.Type, view.CurrentStep.State, deadline(view.TimeoutAt))
	}
	if view.ErrorMessage != "" {
		fmt.Fprintf(out, "Error: %s\n", view.ErrorMessage)
	}
	for _, a := range view.Approvals {
		fmt.Fprintf(out, "- %s %s on %s at %s\n", a.UserID, a.Action, a.StepID, a.CreatedAt.Format(time.RFC3339))
	}
}

func deadline(t *time.Time) string {
	if t == nil {
		return ""
	}
	return ", due " + t.Format(time.RFC3339)
}
