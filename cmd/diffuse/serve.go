package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/mbaxter/diffuse/internal/api"
	"github.com/mbaxter/diffuse/internal/pipeline"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		weights     string
		activations string
		compile     bool
		rps         float64
		burst       int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the image generation REST API",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.StringFlag{
				Name:        "quantize",
				Usage:       "quantize weights before serving (float8, int8, int4, int2)",
				Destination: &weights,
			},
			&cli.StringFlag{
				Name:        "quantize-activations",
				Usage:       "also quantize activations (float8, int8)",
				Destination: &activations,
			},
			&cli.BoolFlag{
				Name:        "compile",
				Usage:       "compile the quantized model before serving",
				Destination: &compile,
			},
			&cli.Float64Flag{
				Name:        "rps",
				Usage:       "generation requests per second (0 disables limiting)",
				Destination: &rps,
			},
			&cli.Int64Flag{
				Name:        "burst",
				Usage:       "rate limiter burst",
				Value:       1,
				Destination: &burst,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := newLogger()

			m, err := loadModel(log)
			if err != nil {
				return err
			}
			if err := applyQuantFlags(m, weights, activations, nil, compile, log); err != nil {
				return err
			}

			server := api.NewServer(pipeline.New(m, log), api.NewGenerationStore(), log, api.ServerConfig{
				RequestsPerSecond: rps,
				Burst:             int(burst),
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "device", m.Device.String())
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
