package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"caseline/internal/app"
	"caseline/internal/events"
	"caseline/internal/notify"
	"caseline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the case API, /metrics and the webhook dispatcher. The JWT secret comes from --jwt-secret or CASELINE_JWT_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !allowLegacy {
				return fmt.Errorf("CASELINE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				return serve(ctx, rt, addr, server.Config{
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: allowLegacy,
						DevLogin:               devLogin,
						Logger:                 rt.Log,
					},
					Gatherer: rt.Registry,
				})
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor", false, "accept X-Actor-Id without a token (development only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func serve(ctx context.Context, rt *app.Runtime, addr string, cfg server.Config) error {
	e := rt.Engine
	if rt.Config.Kafka.Enabled {
		kp, err := notify.NewKafkaPublisher(rt.Config.Kafka)
		if err != nil {
			return err
		}
		defer kp.Close()
		e.Subscribers = append(e.Subscribers, kp)
	}
	e.Subscribers = append(e.Subscribers, events.SubscriberFunc{Label: "log", Fn: func(_ context.Context, n events.Notification) error {
		if events.Notable(n.Transition) {
			rt.Log.WithField("case_id", n.CaseID).WithField("reference", n.PackReference).Infof("%s published", n.Type)
		}
		return nil
	}})
	cfg.Engine = e
	handler, err := server.New(cfg)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	if d := notify.NewWebhookDispatcher(e.Repo, rt.Config.Webhooks, rt.Log, e.Metrics); d != nil {
		g.Go(func() error {
			if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		rt.Log.WithField("addr", addr).Infof("serving Caseline API on http://%s%s (OpenAPI at /openapi.json, docs at /docs)", addr, cfg.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}
