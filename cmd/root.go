// Package cmd defines the CLI commands of the bulletind executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/api"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/app"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/config"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands need from the service container. Tests inject a
// fake through newApp.
type App interface {
	Close() error
	Logger() *zap.Logger
	Config() config.Config
	Store() bulletin.TaskStore
	Runner() api.Runner
	Login(ctx context.Context) (bulletin.Session, error)
	Server(ctx context.Context) *api.Server
}

var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "bulletind",
		Short: "Watches an authenticated campus portal for new bulletins.",
		Long: `bulletind logs into a campus portal, discovers new notices on its
listing page, summarizes each one with a language model and pushes the
summary to the configured notification channels. Every notice is processed
to a final state at most once.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env BULLETIN_* overrides)")
	cmd.AddCommand(newRunCmd(), newServeCmd(), newLoginCmd(), newTasksCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp adapts fn into a RunE that resolves the App and always closes it
// when fn returns, failed or not.
func withApp(fn func(cmd *cobra.Command, a App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer release(a)
		return fn(cmd, a)
	}
}

func release(a App) {
	if err := a.Close(); err != nil {
		a.Logger().Warn("shutdown reported errors", zap.Error(err))
	}
	_ = a.Logger().Sync()
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
