package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"
)

func quantizeCmd() *cli.Command {
	var (
		output      string
		weights     string
		activations string
		exclude     []string
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize a model and write it as a .qmf checkpoint",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output .qmf path",
				Value:       "model.qmf",
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "weights",
				Aliases:     []string{"w"},
				Usage:       "weight format (float8, int8, int4, int2)",
				Required:    true,
				Destination: &weights,
			},
			&cli.StringFlag{
				Name:        "activations",
				Aliases:     []string{"a"},
				Usage:       "activation format (float8, int8)",
				Destination: &activations,
			},
			&cli.StringSliceFlag{
				Name:        "exclude",
				Usage:       "module names to leave unquantized",
				Destination: &exclude,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := newLogger()

			m, err := loadModel(log)
			if err != nil {
				return err
			}
			if m.IsQuantized() {
				return errors.New("quantize: input checkpoint is already quantized")
			}
			if err := applyQuantFlags(m, weights, activations, exclude, false, log); err != nil {
				return err
			}
			if err := m.Save(output); err != nil {
				return err
			}
			log.Info("wrote checkpoint", "path", output, "footprint_bytes", m.Footprint())
			return nil
		},
	}
}
