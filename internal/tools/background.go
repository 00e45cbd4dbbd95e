package tools

import (
	"context"
	"image/color"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/executor"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// Background match distance (Delta E) per model
var backgroundTolerance = map[string]float64{
	"general":  12,
	"portrait": 8,
	"product":  16,
}

// RemoveBackground is the local stand-in for the segmentation service: it
// flood-fills from the border through pixels close to the dominant border
// color and clears them. With refine_edges the next ring of similar pixels
// is made half transparent.
type RemoveBackground struct{}

func (RemoveBackground) Name() string { return catalog.ToolRemoveBackground }

func (RemoveBackground) Execute(ctx context.Context, img *pixel.Buffer, params catalog.Params) (executor.Result, error) {
	model, _ := params.String("model")
	tolerance, ok := backgroundTolerance[model]
	if !ok {
		tolerance = backgroundTolerance["general"]
	}
	refine, ok := params.Bool("refine_edges")
	if !ok {
		refine = true
	}

	w, h := img.Width(), img.Height()
	bg := pixel.ToLab(borderColor(img))
	cache := pixel.LabCache{}
	near := func(c color.NRGBA, tol float64) bool {
		return c.A >= pixel.OpaqueAlpha && pixel.DeltaELab(bg, cache.Get(pixel.RGBOf(c))) <= tol
	}

	removed := make([]bool, w*h)
	queue := make([]int, 0, 2*(w+h))
	seed := func(x, y int) {
		i := y*w + x
		if !removed[i] && near(img.NRGBAAt(x, y), tolerance) {
			removed[i] = true
			queue = append(queue, i)
		}
	}
	for x := 0; x < w; x++ {
		seed(x, 0)
		seed(x, h-1)
	}
	for y := 0; y < h; y++ {
		seed(0, y)
		seed(w-1, y)
	}

	for steps := 0; len(queue) > 0; steps++ {
		if steps%65536 == 0 {
			if err := ctx.Err(); err != nil {
				return executor.Result{}, err
			}
		}
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x, y := i%w, i/w
		if x > 0 {
			seed(x-1, y)
		}
		if x < w-1 {
			seed(x+1, y)
		}
		if y > 0 {
			seed(x, y-1)
		}
		if y < h-1 {
			seed(x, y+1)
		}
	}

	out := img.Clone()
	dst := out.Image()
	count := 0
	for i, gone := range removed {
		if gone {
			dst.Pix[i*4+3] = 0
			count++
		}
	}

	if refine {
		for i, gone := range removed {
			if gone {
				continue
			}
			x, y := i%w, i/w
			if touchesRemoved(removed, w, h, x, y) && near(img.NRGBAAt(x, y), 2*tolerance) {
				dst.Pix[i*4+3] /= 2
			}
		}
	}

	return executor.Result{Image: out, Output: map[string]any{"pixelsRemoved": count}}, nil
}

// borderColor is the most frequent color on the image border
func borderColor(img *pixel.Buffer) pixel.RGB {
	w, h := img.Width(), img.Height()
	counts := map[pixel.RGB]int{}
	add := func(x, y int) {
		if c := img.NRGBAAt(x, y); c.A >= pixel.OpaqueAlpha {
			counts[pixel.RGBOf(c)]++
		}
	}
	for x := 0; x < w; x++ {
		add(x, 0)
		add(x, h-1)
	}
	for y := 1; y < h-1; y++ {
		add(0, y)
		add(w-1, y)
	}

	var best pixel.RGB
	bestN := -1
	for c, n := range counts {
		if n > bestN || (n == bestN && c.Hex() < best.Hex()) {
			best, bestN = c, n
		}
	}
	return best
}

func touchesRemoved(removed []bool, w, h, x, y int) bool {
	return (x > 0 && removed[y*w+x-1]) ||
		(x < w-1 && removed[y*w+x+1]) ||
		(y > 0 && removed[(y-1)*w+x]) ||
		(y < h-1 && removed[(y+1)*w+x])
}
