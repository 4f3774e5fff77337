package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"waveline/internal/app"
	"waveline/internal/server"
)

func jwtSecret(rt *app.Runtime) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return rt.Config.Server.JWTSecret
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:        jwtSecret(rt),
					AllowActorHeader: allowActorHeader,
					EnableDevLogin:   devLogin,
					Logger:           rt.Logger.With("component", "auth"),
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("set server.jwt_secret or WAVELINE_JWT_SECRET, or pass --allow-actor-header")
				}
				if devLogin && authCfg.JWTSecret == "" {
					return fmt.Errorf("--dev-login needs a jwt secret")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   rt.Logger.With("component", "http"),
				})
				if err != nil {
					return err
				}
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					rt.Logger.Info("serving API", "addr", addr, "base_path", basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if d := server.NewWebhookDispatcher(rt.Engine.Repo, rt.Config.Webhooks, rt.Logger.With("component", "webhooks")); d != nil {
					g.Go(func() error { return d.Run(gctx) })
				}
				fmt.Printf("Serving Waveline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr from waveline.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id when no bearer token is sent")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST <base>/auth/dev/login")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "API credentials"}
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				secret := jwtSecret(rt)
				if secret == "" {
					return fmt.Errorf("set server.jwt_secret or WAVELINE_JWT_SECRET")
				}
				tok, err := server.SignToken(secret, actorID(), ttl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"token": tok})
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	auth.AddCommand(token)
	return auth
}
