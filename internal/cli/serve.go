package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aegisflux/backend/fleetwatch/internal/config"
	"aegisflux/backend/fleetwatch/internal/events"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, telemetry subscriber and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}

			logger.Info("starting fleetwatch",
				"http_addr", cfg.HTTPAddr,
				"store_driver", cfg.StoreDriver,
				"nats_enabled", cfg.NATSURL != "",
				"reconcile_interval", cfg.ReconcileInterval.String(),
				"retention_days", cfg.RetentionDays)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides FLEET_HTTP_ADDR)")
	return cmd
}

// serve blocks until SIGINT/SIGTERM or a server failure, then shuts down gracefully
func (a *app) serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reconciler.Start(ctx)
	}()

	if a.nc != nil {
		sub := events.NewSubscriber(a.nc, a.cfg.NATSQueue, a.pipeline, a.cfg.StoreTimeout, a.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Subscribe(ctx); err != nil {
				a.logger.Error("telemetry subscriber stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         a.cfg.HTTPAddr,
		Handler:      a.server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server", "addr", a.cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		a.logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		runErr = err
		a.logger.Error("HTTP server failed", "error", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server forced to shutdown", "error", err)
	}

	cancel()
	wg.Wait()
	a.logger.Info("server exited")
	return runErr
}
