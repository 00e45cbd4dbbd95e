package pixel

import (
	"image/color"
	"math"
)

// rowShift spreads row offsets over the golden-ratio sequence so a stride
// that divides the width does not revisit the same columns on every row
const rowShift = 0.6180339887498949

// Sample takes a deterministic, evenly strided sample of percent% of the
// pixels, clamped to [minCount, maxCount] and to the pixel count. Each row's
// columns are shifted by a different offset.
func (b *Buffer) Sample(percent float64, minCount, maxCount int) []color.NRGBA {
	total := b.Pixels()
	if total == 0 {
		return nil
	}
	n := int(float64(total) * percent / 100)
	if n < minCount {
		n = minCount
	}
	if maxCount > 0 && n > maxCount {
		n = maxCount
	}
	if n > total {
		n = total
	}
	if n <= 0 {
		return nil
	}

	w := b.Width()
	step := float64(total) / float64(n)
	out := make([]color.NRGBA, 0, n)
	for i := 0; i < n; i++ {
		idx := int(float64(i) * step)
		y := idx / w
		shift := int(math.Mod(float64(y)*rowShift, 1) * float64(w))
		out = append(out, b.NRGBAAt((idx+shift)%w, y))
	}
	return out
}

// LabCache memoizes Lab conversions for the repeated colors of one image.
// It is not safe for concurrent use.
type LabCache map[RGB]Lab

// Get returns the Lab value of v
func (c LabCache) Get(v RGB) Lab {
	if l, ok := c[v]; ok {
		return l
	}
	l := ToLab(v)
	c[v] = l
	return l
}

// NearestDistance returns the smallest DeltaE between target and any visible
// sample, or +Inf when there are no visible samples
func NearestDistance(target RGB, samples []color.NRGBA) float64 {
	cache := LabCache{}
	t := ToLab(target)
	best := math.Inf(1)
	for _, s := range samples {
		if s.A < OpaqueAlpha {
			continue
		}
		if d := DeltaELab(t, cache.Get(RGBOf(s))); d < best {
			best = d
			if best == 0 {
				break
			}
		}
	}
	return best
}

// Coverage returns the percentage of all samples that are visible and within
// tolerance (DeltaE) of target
func Coverage(target RGB, samples []color.NRGBA, tolerance float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	cache := LabCache{}
	t := ToLab(target)
	hits := 0
	for _, s := range samples {
		if s.A < OpaqueAlpha {
			continue
		}
		if DeltaELab(t, cache.Get(RGBOf(s))) <= tolerance {
			hits++
		}
	}
	return 100 * float64(hits) / float64(len(samples))
}
