package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"marketline/internal/app"
	"marketline/internal/server"
	"marketline/internal/sweep"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Serves the marketplace API with bearer (JWT) authentication. The signing secret
comes from MARKETLINE_JWT_SECRET or server.jwt_secret. When expiry.sweep_interval
is set the expiry sweeper runs alongside, and configured webhooks receive new events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				cfg := ws.Config
				if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
					basePath = cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              jwtSecret(cfg),
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
					return fmt.Errorf("MARKETLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, ctx := errgroup.WithContext(cmd.Context())
				g.Go(func() error {
					fmt.Printf("Serving Marketline API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs, metrics at /metrics)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if cfg.Expiry.SweepInterval > 0 {
					g.Go(func() error {
						return sweep.Run(ctx, sweep.Config{
							Expirer:  ws.Engine,
							Clock:    clock.WallClock,
							Interval: cfg.Expiry.SweepInterval,
							Batch:    cfg.Expiry.SweepBatch,
						})
					})
				}
				if len(cfg.Webhooks) > 0 {
					dispatcher := server.NewWebhookDispatcher(ws.Engine.Repo, cfg.Webhooks, clock.WallClock)
					g.Go(func() error {
						return dispatcher.Run(ctx)
					})
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	_ = viper.BindEnv("jwt-secret", "MARKETLINE_JWT_SECRET")
	return cmd
}
