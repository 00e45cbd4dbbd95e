// Package tools holds the in-process tool implementations.
package tools

import (
	"context"
	"fmt"
	"image"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/executor"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// Options configures the in-process tools
type Options struct {
	MaxOutputPixels int // upscale output limit; zero means DefaultMaxOutputPixels
}

// Builtin returns every in-process tool
func Builtin(opts Options) []executor.Tool {
	return []executor.Tool{
		RemoveColor{},
		Recolor{},
		RemoveBackground{},
		Upscale{MaxOutputPixels: opts.MaxOutputPixels},
		ExtractPalette{},
		SamplePixels{},
	}
}

// Register adds the in-process tools to reg, skipping any name in skip
// (served elsewhere)
func Register(reg *executor.Registry, opts Options, skip ...string) error {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}
	for _, t := range Builtin(opts) {
		if skipped[t.Name()] {
			continue
		}
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("failed to register %s: %w", t.Name(), err)
		}
	}
	return nil
}

// mapPixels writes f(src pixel) into a copy of img, checking ctx every 64 rows
func mapPixels(ctx context.Context, img *pixel.Buffer, f func(p []uint8)) (*pixel.Buffer, error) {
	out := img.Clone()
	dst := out.Image()
	w, h := out.Width(), out.Height()
	for y := 0; y < h; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < len(row); x += 4 {
			f(row[x : x+4 : x+4])
		}
	}
	return out, nil
}

func toleranceOf(params catalog.Params, def float64) float64 {
	if t, ok := params.Float("tolerance"); ok {
		return t
	}
	return def
}

func inBounds(img *pixel.Buffer, x, y int) bool {
	return image.Pt(x, y).In(image.Rect(0, 0, img.Width(), img.Height()))
}
