package validation

import (
	"image/color"
	"math"
	"strconv"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// samples returns the pixel sample used by existence and coverage checks.
// Without a buffer the dominant colors stand in, weighted by their share.
func (v *Validator) samples(in Input) ([]color.NRGBA, bool) {
	if in.Image != nil {
		return in.Image.Sample(v.cfg.SamplePercent, v.cfg.SampleMin, v.cfg.SampleMax), true
	}
	if in.Analysis == nil {
		return nil, false
	}
	var out []color.NRGBA
	for _, c := range in.Analysis.DominantColors {
		n := int(math.Round(c.Percentage))
		for i := 0; i < n; i++ {
			out = append(out, c.RGB.NRGBA())
		}
	}
	return out, false
}

// checkPixels verifies that every color the tool requires to exist occurs in
// the image
func (v *Validator) checkPixels(spec *catalog.Spec, params catalog.Params, in Input, r *report) {
	var mustExist []string
	for _, p := range spec.Params {
		if p.Type == catalog.TypeColor && p.MustExist {
			if _, ok := params[p.Name]; ok {
				mustExist = append(mustExist, p.Name)
			}
		}
	}
	if len(mustExist) == 0 {
		return
	}

	samples, exact := v.samples(in)
	if !exact {
		r.warn(80, "pixel data unavailable, colors were checked against dominant colors only")
	}

	for _, name := range mustExist {
		target, err := params.Color(name)
		if err != nil {
			r.fail("parameter %q: %v", name, err)
			return
		}
		d := pixel.NearestDistance(target, samples)
		switch {
		case math.IsInf(d, 1):
			r.fail("color %s not found in image: no visible pixels were sampled", target.Hex())
			r.note("pixels: %s absent", name)
			return
		case d > v.cfg.NotPresentDeltaE:
			r.fail("color %s not found in image (closest sampled color is Delta E %.1f away, limit %s)",
				target.Hex(), d, formatFloat(v.cfg.NotPresentDeltaE))
			r.note("pixels: %s absent", name)
			return
		case d > v.cfg.WeakMatchDeltaE:
			span := v.cfg.NotPresentDeltaE - v.cfg.WeakMatchDeltaE
			penalty := v.cfg.WeakMatchMaxPenalty * (d - v.cfg.WeakMatchDeltaE) / span
			r.warn(100-penalty, "color %s is only a weak match for the image (closest sampled color is Delta E %.1f away)",
				target.Hex(), d)
			r.note("pixels: %s weak match (Delta E %.1f)", name, d)
		default:
			r.note("pixels: %s present (Delta E %.1f)", name, d)
		}
	}
}

// checkPlausibility applies tool-family specific sanity checks
func (v *Validator) checkPlausibility(spec *catalog.Spec, params catalog.Params, in Input, r *report) {
	switch spec.Family {
	case catalog.FamilyColorRemoval:
		v.checkCoverage(params, "color", in, r, true)

	case catalog.FamilyRecolor:
		from, _ := params.String("from_color")
		to, _ := params.String("to_color")
		if from != "" && from == to {
			r.warn(v.cfg.LowCoverageConfidence, "from_color and to_color are both %s, the recolor will have no visible effect", from)
		}
		v.checkCoverage(params, "from_color", in, r, false)

	case catalog.FamilyUpscale:
		scale, ok := params.Float("scale")
		iw, ih, known := in.size()
		if !ok || !known {
			return
		}
		w, h := scaled(iw, scale), scaled(ih, scale)
		projected := w * h
		if projected > v.cfg.UpscaleMaxOutputPixels {
			r.fail("upscaling %dx%d by %s would produce %dx%d (%d pixels), over the limit of %d pixels",
				iw, ih, formatFloat(scale), w, h, projected, v.cfg.UpscaleMaxOutputPixels)
			return
		}
		r.note("plausibility: output %dx%d", w, h)

	case catalog.FamilyBackgroundRemoval:
		if in.Analysis != nil && in.Analysis.TransparentPercent >= v.cfg.AlreadyTransparentPercent {
			r.warn(v.cfg.AlreadyTransparentConf, "image is already %.1f%% transparent, the background may have been removed before",
				in.Analysis.TransparentPercent)
		}

	case catalog.FamilyTextureMask:
		if intensity, ok := params.Float("intensity"); ok && intensity == 0 {
			r.warn(v.cfg.LowCoverageConfidence, "intensity 0 will have no visible effect")
		}

	case catalog.FamilyInfo:
		if in.Analysis == nil {
			return
		}
		if x, ok := params.Int("x"); ok && x >= in.Analysis.Width {
			r.fail("x=%d is outside the image width of %d", x, in.Analysis.Width)
		}
		if y, ok := params.Int("y"); ok && y >= in.Analysis.Height {
			r.fail("y=%d is outside the image height of %d", y, in.Analysis.Height)
		}
	}
}

// checkCoverage estimates the share of the image within tolerance of the
// color in param. Only removal blocks on near-total coverage.
func (v *Validator) checkCoverage(params catalog.Params, param string, in Input, r *report, blockHigh bool) {
	target, err := params.Color(param)
	if err != nil {
		return
	}
	tolerance, _ := params.Float("tolerance")
	samples, _ := v.samples(in)
	if len(samples) == 0 {
		return
	}

	coverage := pixel.Coverage(target, samples, tolerance)
	r.note("plausibility: %.1f%% of pixels within tolerance %s of %s", coverage, formatFloat(tolerance), target.Hex())
	switch {
	case coverage > v.cfg.CoverageMaxPercent && blockHigh:
		r.fail("would remove nearly the whole image: %.1f%% of pixels are within tolerance %s of %s",
			coverage, formatFloat(tolerance), target.Hex())
	case coverage < v.cfg.CoverageMinPercent:
		r.warn(v.cfg.LowCoverageConfidence, "minimal effect: only %.1f%% of pixels are within tolerance %s of %s",
			coverage, formatFloat(tolerance), target.Hex())
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
