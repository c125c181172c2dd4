package main

import (
	"fmt"

	"github.com/mbaxter/diffuse/internal/device"
	"github.com/mbaxter/diffuse/internal/flux"
	"github.com/mbaxter/diffuse/internal/logger"
)

// loadModel opens the checkpoint named by --model, or builds a fresh seeded
// model when no path was given, then moves it to the requested device.
func loadModel(log logger.Logger) (*flux.Transformer, error) {
	var (
		m   *flux.Transformer
		err error
	)
	if modelPath != "" {
		m, err = flux.Load(modelPath)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", modelPath, err)
		}
		log.Info("loaded checkpoint",
			"path", modelPath,
			"quantized", m.IsQuantized(),
			"weights", string(m.Quant.Weights),
		)
	} else {
		m, err = flux.New(flux.DefaultConfig(), seed)
		if err != nil {
			return nil, err
		}
		log.Info("built fresh model", "seed", seed)
	}

	d, err := device.Parse(deviceSpec)
	if err != nil {
		return nil, err
	}
	if err := m.To(d); err != nil {
		return nil, err
	}
	return m, nil
}

// applyQuantFlags quantizes m according to the shared quantization flags,
// and compiles it when requested. A model loaded from an already quantized
// checkpoint is left alone.
func applyQuantFlags(m *flux.Transformer, weights, activations string, exclude []string, compile bool, log logger.Logger) error {
	if weights != "" && !m.IsQuantized() {
		wf, err := flux.ParseFormat(weights)
		if err != nil {
			return err
		}
		af, err := flux.ParseFormat(activations)
		if err != nil {
			return err
		}
		cfg := flux.QuantConfig{
			Weights:             wf,
			Activations:         af,
			ModulesToNotConvert: exclude,
		}
		if err := flux.Quantize(m, cfg); err != nil {
			return err
		}
		log.Info("quantized model",
			"weights", weights,
			"activations", activations,
			"footprint_bytes", m.Footprint(),
		)
	}
	if compile {
		if err := flux.Compile(m); err != nil {
			return err
		}
		log.Info("compiled model")
	}
	return nil
}
