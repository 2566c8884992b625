package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/api"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

func newServeCmd() *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and run discovery on a schedule",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a App) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a, runNow)
		}),
	}
	cmd.Flags().BoolVar(&runNow, "run-now", true, "start a run immediately instead of waiting one interval")
	return cmd
}

func serve(ctx context.Context, a App, runNow bool) error {
	cfg, logger := a.Config(), a.Logger()
	apiServer := a.Server(ctx)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		schedule(ctx, a.Runner(), cfg.Schedule.Interval, runNow, logger)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("http server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedDone
	apiServer.Wait()
	logger.Info("shutdown complete")
	return serveErr
}

// schedule runs r every interval until ctx ends. A tick that lands while a
// run is still going is dropped. A non-positive interval disables the timer.
func schedule(ctx context.Context, r api.Runner, interval time.Duration, runNow bool, logger *zap.Logger) {
	runOnce := func() {
		report, err := r.Run(ctx)
		switch {
		case errors.Is(err, bulletin.ErrRunInProgress):
			logger.Info("scheduled run skipped, previous run still active")
		case err != nil:
			logger.Error("scheduled run failed", zap.Error(err))
		default:
			logger.Info("scheduled run finished",
				zap.String("run_id", report.RunID),
				zap.Int("dispatched", report.Dispatched),
			)
		}
	}

	if runNow {
		runOnce()
	}
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
