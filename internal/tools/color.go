package tools

import (
	"context"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/executor"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// RemoveColor makes pixels within tolerance of a color fully transparent
type RemoveColor struct{}

func (RemoveColor) Name() string { return catalog.ToolRemoveColor }

func (RemoveColor) Execute(ctx context.Context, img *pixel.Buffer, params catalog.Params) (executor.Result, error) {
	target, err := params.Color("color")
	if err != nil {
		return executor.Result{}, err
	}
	tolerance := toleranceOf(params, 10)
	t := pixel.ToLab(target)
	cache := pixel.LabCache{}

	removed := 0
	out, err := mapPixels(ctx, img, func(p []uint8) {
		if p[3] == 0 {
			return
		}
		if pixel.DeltaELab(t, cache.Get(pixel.RGB{R: p[0], G: p[1], B: p[2]})) <= tolerance {
			p[3] = 0
			removed++
		}
	})
	if err != nil {
		return executor.Result{}, err
	}
	return executor.Result{Image: out, Output: map[string]any{"pixelsRemoved": removed}}, nil
}

// Recolor moves pixels within tolerance of from_color by the Lab offset
// between from_color and to_color, so shading within the region survives
type Recolor struct{}

func (Recolor) Name() string { return catalog.ToolRecolor }

func (Recolor) Execute(ctx context.Context, img *pixel.Buffer, params catalog.Params) (executor.Result, error) {
	from, err := params.Color("from_color")
	if err != nil {
		return executor.Result{}, err
	}
	to, err := params.Color("to_color")
	if err != nil {
		return executor.Result{}, err
	}
	tolerance := toleranceOf(params, 15)

	fl, tl := pixel.ToLab(from), pixel.ToLab(to)
	shift := pixel.Lab{L: tl.L - fl.L, A: tl.A - fl.A, B: tl.B - fl.B}
	cache := pixel.LabCache{}
	mapped := map[pixel.RGB]pixel.RGB{}

	changed := 0
	out, err := mapPixels(ctx, img, func(p []uint8) {
		if p[3] == 0 {
			return
		}
		src := pixel.RGB{R: p[0], G: p[1], B: p[2]}
		l := cache.Get(src)
		if pixel.DeltaELab(fl, l) > tolerance {
			return
		}
		dst, ok := mapped[src]
		if !ok {
			dst = pixel.FromLab(pixel.Lab{L: l.L + shift.L, A: l.A + shift.A, B: l.B + shift.B})
			mapped[src] = dst
		}
		p[0], p[1], p[2] = dst.R, dst.G, dst.B
		changed++
	})
	if err != nil {
		return executor.Result{}, err
	}
	return executor.Result{Image: out, Output: map[string]any{"pixelsRecolored": changed}}, nil
}
