package tools

import (
	"context"
	"fmt"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/executor"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// ExtractPalette reports the dominant colors
type ExtractPalette struct{}

func (ExtractPalette) Name() string { return catalog.ToolExtractPalette }

func (ExtractPalette) Execute(ctx context.Context, img *pixel.Buffer, params catalog.Params) (executor.Result, error) {
	count, ok := params.Int("count")
	if !ok {
		count = 5
	}
	shares, err := img.Bounded(1_000_000).DominantColors(ctx, count)
	if err != nil {
		return executor.Result{}, err
	}

	colors := make([]any, 0, len(shares))
	for _, s := range shares {
		colors = append(colors, map[string]any{"hex": s.Hex, "percentage": s.Percentage})
	}
	return executor.Result{Output: map[string]any{"colors": colors}}, nil
}

// SamplePixels reports the color at a position, averaged over a square
// neighborhood when radius > 0
type SamplePixels struct{}

func (SamplePixels) Name() string { return catalog.ToolSamplePixels }

func (SamplePixels) Execute(_ context.Context, img *pixel.Buffer, params catalog.Params) (executor.Result, error) {
	x, _ := params.Int("x")
	y, _ := params.Int("y")
	radius, _ := params.Int("radius")
	if !inBounds(img, x, y) {
		return executor.Result{}, fmt.Errorf("position %d,%d is outside the %dx%d image", x, y, img.Width(), img.Height())
	}

	var r, g, b, a, n int
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if !inBounds(img, x+dx, y+dy) {
				continue
			}
			p := img.NRGBAAt(x+dx, y+dy)
			r += int(p.R)
			g += int(p.G)
			b += int(p.B)
			a += int(p.A)
			n++
		}
	}
	avg := pixel.RGB{R: uint8((r + n/2) / n), G: uint8((g + n/2) / n), B: uint8((b + n/2) / n)}

	return executor.Result{Output: map[string]any{
		"x":       x,
		"y":       y,
		"hex":     avg.Hex(),
		"alpha":   (a + n/2) / n,
		"samples": n,
	}}, nil
}
