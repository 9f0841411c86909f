package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvdecode/internal/api"
	"github.com/samcharles93/kvdecode/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		model       string
		token       string
		rejectBusy  bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API over HTTP",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "model to load at startup (name or directory)",
				Destination: &model,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "bearer token required for setup and generation",
				Sources:     cli.EnvVars(envAPIToken),
				Destination: &token,
			},
			&cli.BoolFlag{
				Name:        "reject-busy",
				Usage:       "answer 409 instead of queueing while a generation runs",
				Destination: &rejectBusy,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, fileConfig, &addr, &token)
			log := logger.FromContext(ctx)

			svc := newService(log, !noKVCache, rejectBusy, seed)
			if model != "" {
				dir, err := resolveModelDir(model, modelsDir)
				if err != nil {
					return err
				}
				if err := svc.SetupFrom(ctx, dir); err != nil {
					return err
				}
			}
			if token == "" {
				log.Warn("no API token set; setup and generate are unauthenticated")
			}

			server := api.NewServer(api.Config{
				Service:   svc,
				ModelsDir: modelsDir,
				Token:     token,
				Logger:    log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "kv_cache", !noKVCache, "max_context", maxContext)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
