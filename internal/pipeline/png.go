package pipeline

import (
	"fmt"
	"image"
	"image/png"
	"os"
)

// SavePNG writes img to path, replacing any existing file.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pipeline: create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("pipeline: encode png: %w", err)
	}
	return f.Close()
}
