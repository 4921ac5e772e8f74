package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lexdesk/attachments/internal/api"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return errors.New("jwt.secret is required to serve the API")
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cfg.Log.Development {
				gin.SetMode(gin.ReleaseMode)
			}
			router := gin.New()
			router.Use(gin.Recovery(), api.RequestLogger(a.log.Named("http")))
			api.SetupRoutes(router, cfg.JWT.Secret, a.attachments, a.transfers, a.log.Named("api"))

			server := &http.Server{
				Addr:        cfg.Server.Address,
				Handler:     router,
				ReadTimeout: 30 * time.Second,
				// Downloads stream large objects; only idle connections are bounded.
				IdleTimeout: 120 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				a.log.Info("Server starting", zap.String("address", cfg.Server.Address))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				return err
			case <-ctx.Done():
			}

			a.log.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.log.Error("Server forced to shutdown", zap.Error(err))
				return err
			}
			a.log.Info("Server exiting.")
			return nil
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "time allowed for in-flight requests on shutdown")
	return cmd
}
