package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/mbaxter/diffuse/internal/pipeline"
)

func generateCmd() *cli.Command {
	var (
		prompt      string
		width       int64
		height      int64
		steps       int64
		guidance    float64
		output      string
		weights     string
		activations string
		exclude     []string
		compile     bool
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Generate an image from a text prompt",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "text prompt",
				Required:    true,
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "width",
				Usage:       "output width in pixels",
				Value:       256,
				Destination: &width,
			},
			&cli.Int64Flag{
				Name:        "height",
				Usage:       "output height in pixels",
				Value:       256,
				Destination: &height,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Usage:       "denoising steps",
				Value:       4,
				Destination: &steps,
			},
			&cli.Float64Flag{
				Name:        "guidance",
				Usage:       "guidance scale",
				Value:       3.5,
				Destination: &guidance,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output PNG path",
				Value:       "generated_image.png",
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "quantize",
				Usage:       "quantize weights before generating (float8, int8, int4, int2)",
				Destination: &weights,
			},
			&cli.StringFlag{
				Name:        "quantize-activations",
				Usage:       "also quantize activations (float8, int8)",
				Destination: &activations,
			},
			&cli.StringSliceFlag{
				Name:        "exclude",
				Usage:       "module names to leave unquantized",
				Destination: &exclude,
			},
			&cli.BoolFlag{
				Name:        "compile",
				Usage:       "compile the quantized model before generating",
				Destination: &compile,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyGenerateConfig(cmd, LoadConfig(), &width, &height, &steps, &guidance, &output)
			log := newLogger()

			m, err := loadModel(log)
			if err != nil {
				return err
			}
			if err := applyQuantFlags(m, weights, activations, exclude, compile, log); err != nil {
				return err
			}

			params := pipeline.DefaultParams()
			params.Prompt = prompt
			params.Width = int(width)
			params.Height = int(height)
			params.Steps = int(steps)
			params.Guidance = float32(guidance)
			params.Seed = seed

			img, err := pipeline.New(m, log).Generate(ctx, params)
			if err != nil {
				return err
			}
			if err := pipeline.SavePNG(output, img); err != nil {
				return err
			}
			log.Info("saved image", "path", output)
			return nil
		},
	}
}
