package verification

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// Diff summarizes per-pixel change between two equally sized buffers
type Diff struct {
	Pixels           int
	Changed          int
	MaxDelta         float64 // over changed pixels
	SumDelta         float64 // over changed pixels
	NewlyTransparent int     // visible before, transparent after
}

// Percent is the changed share of all pixels
func (d Diff) Percent() float64 {
	if d.Pixels == 0 {
		return 0
	}
	return 100 * float64(d.Changed) / float64(d.Pixels)
}

// AvgDelta is the mean distance of changed pixels
func (d Diff) AvgDelta() float64 {
	if d.Changed == 0 {
		return 0
	}
	return d.SumDelta / float64(d.Changed)
}

func (d *Diff) add(o Diff) {
	d.Pixels += o.Pixels
	d.Changed += o.Changed
	d.SumDelta += o.SumDelta
	d.NewlyTransparent += o.NewlyTransparent
	d.MaxDelta = max(d.MaxDelta, o.MaxDelta)
}

// Compare diffs before and after in row bands processed concurrently. A pixel
// counts as changed when its RGBA distance exceeds threshold. Buffers must
// have the same dimensions.
func Compare(ctx context.Context, before, after *pixel.Buffer, threshold float64) (Diff, error) {
	w, h := before.Width(), before.Height()
	bands := min(runtime.GOMAXPROCS(0), h)
	if bands < 1 {
		return Diff{}, nil
	}
	results := make([]Diff, bands)
	rowsPer := (h + bands - 1) / bands

	g, gctx := errgroup.WithContext(ctx)
	for b := 0; b < bands; b++ {
		y0 := b * rowsPer
		y1 := min(h, y0+rowsPer)
		g.Go(func() error {
			var d Diff
			for y := y0; y < y1; y++ {
				if (y-y0)%64 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				for x := 0; x < w; x++ {
					p, q := before.NRGBAAt(x, y), after.NRGBAAt(x, y)
					d.Pixels++
					if p.A >= pixel.OpaqueAlpha && q.A < pixel.OpaqueAlpha {
						d.NewlyTransparent++
					}
					delta := pixel.PixelDistance(p, q)
					if delta <= threshold {
						continue
					}
					d.Changed++
					d.SumDelta += delta
					d.MaxDelta = max(d.MaxDelta, delta)
				}
			}
			results[b] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Diff{}, err
	}

	var total Diff
	for _, r := range results {
		total.add(r)
	}
	return total, nil
}
