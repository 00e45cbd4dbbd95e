package pixel

import (
	"context"
	"math"
	"sort"
)

// OpaqueAlpha is the alpha at or above which a pixel counts as visible
const OpaqueAlpha = 128

// ColorShare is one dominant color cluster
type ColorShare struct {
	RGB        RGB     `json:"rgb"`
	Hex        string  `json:"hex"`
	Percentage float64 `json:"percentage"` // share of visible pixels
}

// Transparency reports whether any pixel is not fully opaque, and the
// percentage of pixels below OpaqueAlpha
func (b *Buffer) Transparency() (hasAlpha bool, transparentPercent float64) {
	total := b.Pixels()
	if total == 0 {
		return false, 0
	}
	pix := b.img.Pix
	transparent := 0
	for i := 3; i < len(pix); i += 4 {
		a := pix[i]
		if a < 255 {
			hasAlpha = true
		}
		if a < OpaqueAlpha {
			transparent++
		}
	}
	return hasAlpha, 100 * float64(transparent) / float64(total)
}

// UniqueColors counts distinct RGB values among visible pixels
func (b *Buffer) UniqueColors(ctx context.Context) (int, error) {
	seen := make(map[uint32]struct{}, 1024)
	w, h := b.Width(), b.Height()
	for y := 0; y < h; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		row := b.img.Pix[y*b.img.Stride : y*b.img.Stride+w*4]
		for i := 0; i < len(row); i += 4 {
			if row[i+3] < OpaqueAlpha {
				continue
			}
			seen[uint32(row[i])<<16|uint32(row[i+1])<<8|uint32(row[i+2])] = struct{}{}
		}
	}
	return len(seen), nil
}

type bin struct {
	count   int
	r, g, b float64 // running sums
}

func (bn bin) mean() (float64, float64, float64) {
	n := float64(bn.count)
	return bn.r / n, bn.g / n, bn.b / n
}

// DominantColors clusters visible pixels into at most k colors. The result is
// deterministic: centroids are seeded from the k most populated cells of a
// 4-bit-per-channel histogram and refined by weighted k-means over the cells.
func (b *Buffer) DominantColors(ctx context.Context, k int) ([]ColorShare, error) {
	if k <= 0 {
		return nil, nil
	}

	var hist [4096]bin
	w, h := b.Width(), b.Height()
	visible := 0
	for y := 0; y < h; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row := b.img.Pix[y*b.img.Stride : y*b.img.Stride+w*4]
		for i := 0; i < len(row); i += 4 {
			if row[i+3] < OpaqueAlpha {
				continue
			}
			r, g, bl := row[i], row[i+1], row[i+2]
			idx := int(r>>4)<<8 | int(g>>4)<<4 | int(bl>>4)
			hist[idx].count++
			hist[idx].r += float64(r)
			hist[idx].g += float64(g)
			hist[idx].b += float64(bl)
			visible++
		}
	}
	if visible == 0 {
		return nil, nil
	}

	cells := make([]int, 0, 256)
	for i := range hist {
		if hist[i].count > 0 {
			cells = append(cells, i)
		}
	}
	sort.SliceStable(cells, func(i, j int) bool {
		return hist[cells[i]].count > hist[cells[j]].count
	})
	if k > len(cells) {
		k = len(cells)
	}

	type centroid struct{ r, g, b float64 }
	cents := make([]centroid, k)
	for i := 0; i < k; i++ {
		r, g, bl := hist[cells[i]].mean()
		cents[i] = centroid{r, g, bl}
	}

	assign := make([]int, len(cells))
	weights := make([]int, k)
	for iter := 0; iter < 12; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for ci, cell := range cells {
			r, g, bl := hist[cell].mean()
			best, bestD := 0, math.MaxFloat64
			for j, c := range cents {
				d := sq(r-c.r) + sq(g-c.g) + sq(bl-c.b)
				if d < bestD {
					best, bestD = j, d
				}
			}
			if iter == 0 || assign[ci] != best {
				changed = true
			}
			assign[ci] = best
		}

		sums := make([]centroid, k)
		for j := range weights {
			weights[j] = 0
		}
		for ci, cell := range cells {
			j := assign[ci]
			sums[j].r += hist[cell].r
			sums[j].g += hist[cell].g
			sums[j].b += hist[cell].b
			weights[j] += hist[cell].count
		}
		for j := range cents {
			if weights[j] > 0 {
				n := float64(weights[j])
				cents[j] = centroid{sums[j].r / n, sums[j].g / n, sums[j].b / n}
			}
		}
		if !changed {
			break
		}
	}

	out := make([]ColorShare, 0, k)
	for j, c := range cents {
		if weights[j] == 0 {
			continue
		}
		rgb := RGB{R: clamp8(c.r), G: clamp8(c.g), B: clamp8(c.b)}
		out = append(out, ColorShare{
			RGB:        rgb,
			Hex:        rgb.Hex(),
			Percentage: round2(100 * float64(weights[j]) / float64(visible)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Percentage != out[j].Percentage {
			return out[i].Percentage > out[j].Percentage
		}
		return out[i].Hex < out[j].Hex
	})
	return out, nil
}

// luminance returns a grayscale plane of the buffer. Transparent pixels are
// composited over white so cut-out edges do not read as texture.
func (b *Buffer) luminance(ctx context.Context) ([]float64, error) {
	w, h := b.Width(), b.Height()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row := b.img.Pix[y*b.img.Stride : y*b.img.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+4]
			a := float64(p[3]) / 255
			l := 0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])
			out[y*w+x] = l*a + 255*(1-a)
		}
	}
	return out, nil
}

// SharpnessScale maps Laplacian variance onto 0-100; a variance of this
// value scores about 63
const SharpnessScale = 500.0

// Sharpness scores edge energy 0-100 from the variance of the 4-neighbour
// Laplacian of the luminance plane
func (b *Buffer) Sharpness(ctx context.Context) (float64, error) {
	w, h := b.Width(), b.Height()
	if w < 3 || h < 3 {
		return 0, nil
	}
	lum, err := b.luminance(ctx)
	if err != nil {
		return 0, err
	}

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		for x := 1; x < w-1; x++ {
			i := y*w + x
			lap := lum[i-w] + lum[i+w] + lum[i-1] + lum[i+1] - 4*lum[i]
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	return round2(100 * (1 - math.Exp(-variance/SharpnessScale))), nil
}

// NoiseScale maps the estimated noise sigma onto 0-100
const NoiseScale = 10.0

// Noise estimates additive noise with Immerkær's fast method and scores it
// 0-100 (0 = clean)
func (b *Buffer) Noise(ctx context.Context) (float64, error) {
	w, h := b.Width(), b.Height()
	if w < 3 || h < 3 {
		return 0, nil
	}
	lum, err := b.luminance(ctx)
	if err != nil {
		return 0, err
	}

	var total float64
	for y := 1; y < h-1; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		for x := 1; x < w-1; x++ {
			i := y*w + x
			v := lum[i-w-1] - 2*lum[i-w] + lum[i-w+1] -
				2*lum[i-1] + 4*lum[i] - 2*lum[i+1] +
				lum[i+w-1] - 2*lum[i+w] + lum[i+w+1]
			total += math.Abs(v)
		}
	}
	sigma := total * math.Sqrt(math.Pi/2) / (6 * float64(w-2) * float64(h-2))
	return round2(100 * (1 - math.Exp(-sigma/NoiseScale))), nil
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(math.Round(v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
