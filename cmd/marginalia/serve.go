package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marginalia/pkg/server"
	"marginalia/pkg/signature"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the federation server",
		Long:  `Provision the configured actors and serve the federation endpoints and the annotation API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Address = address
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.provisionConfigured(ctx); err != nil {
				return err
			}

			deps := server.Deps{
				Dispatcher: a.dispatcher,
				Store:      a.store,
				Inbox:      a.inbox,
				Publisher:  a.publisher,
				Verifier:   signature.NewVerifier(a.resolver, cfg.Federation.MaxClockSkew.Std()),
				Metrics:    a.metrics,
			}
			if a.registry != nil {
				deps.Gatherer = a.registry
			}
			srv := server.New(deps, server.Options{
				VerifySignatures: cfg.Federation.VerifySignatures,
				MaxInboxBody:     cfg.Federation.MaxInboxBody.Int64(),
				InstanceHandle:   cfg.InstanceHandle,
			}, logger.Named("http"))

			httpServer := &http.Server{
				Addr:              cfg.Address,
				Handler:           srv.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting server",
					zap.String("address", cfg.Address),
					zap.String("base_url", cfg.BaseURL),
					zap.String("instance_actor", a.dispatcher.ActorURI(cfg.InstanceHandle)),
					zap.Bool("verify_signatures", cfg.Federation.VerifySignatures))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			if !cfg.Federation.VerifySignatures {
				logger.Warn("Inbound signature verification is disabled")
			}

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP shutdown incomplete", zap.Error(err))
			}
			if err := a.queue.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Delivery queue did not drain", zap.Error(err))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listening address (overrides config)")
	return cmd
}
