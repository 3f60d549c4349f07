package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return withApp(ctx, func(app *App) error { return serve(ctx, app) })
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, app *App) error {
	cfg, log := app.Config, app.Logger

	log.Info("starting impactkit server",
		"environment", cfg.Environment,
		"profile", cfg.Profile,
		"address", cfg.Server.Address,
		"storage_adapter", cfg.Storage.Adapter)

	if cfg.Scheduler.Enabled {
		if err := app.Kit.Start(ctx); err != nil {
			return err
		}
	}

	errc := make(chan error, 2)
	listen := func(name string, srv *http.Server) {
		log.Info("server listening", "server", name, "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}
	go listen("api", app.Server)
	if app.Metrics != nil {
		go listen("metrics", app.Metrics.Server)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		log.Error("failed to start server", "error", runErr)
	}

	log.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		log.Error("error during server shutdown", "error", err)
		runErr = errors.Join(runErr, err)
	}
	if app.Metrics != nil {
		_ = app.Metrics.Shutdown(shutdownCtx)
	}
	log.Info("server stopped")
	return runErr
}
