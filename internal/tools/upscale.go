package tools

import (
	"context"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/executor"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// DefaultMaxOutputPixels bounds an upscale when no limit is configured
const DefaultMaxOutputPixels = 40_000_000

// Upscale resamples the image by a scale factor. The "ai" method needs the
// tool service; run locally it falls back to Catmull-Rom.
type Upscale struct {
	MaxOutputPixels int // zero means DefaultMaxOutputPixels
}

func (Upscale) Name() string { return catalog.ToolUpscale }

func (u Upscale) Execute(ctx context.Context, img *pixel.Buffer, params catalog.Params) (executor.Result, error) {
	scale, ok := params.Float("scale")
	if !ok || scale <= 1 {
		return executor.Result{}, fmt.Errorf("scale must be greater than 1")
	}
	method, _ := params.String("method")

	w := int(math.Round(float64(img.Width()) * scale))
	h := int(math.Round(float64(img.Height()) * scale))
	if w <= img.Width() && h <= img.Height() {
		return executor.Result{}, fmt.Errorf("scale %.2f does not enlarge a %dx%d image", scale, img.Width(), img.Height())
	}
	limit := u.MaxOutputPixels
	if limit <= 0 {
		limit = DefaultMaxOutputPixels
	}
	if w*h > limit {
		return executor.Result{}, fmt.Errorf("output %dx%d (%d pixels) is over the limit of %d pixels", w, h, w*h, limit)
	}
	if err := ctx.Err(); err != nil {
		return executor.Result{}, err
	}

	var interp draw.Interpolator = draw.CatmullRom
	used := "catmullrom"
	if method == "bilinear" {
		interp = draw.BiLinear
		used = "bilinear"
	}

	src := img.Image()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	interp.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)

	return executor.Result{
		Image:  pixel.FromImage(dst),
		Output: map[string]any{"width": w, "height": h, "method": used},
	}, nil
}
