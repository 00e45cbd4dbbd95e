// Package verification checks after the fact that a tool changed the pixels
// the way its family promises.
package verification

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/image/draw"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// Analyzer measures a decoded image; groundtruth.Extractor implements it
type Analyzer interface {
	Analyze(ctx context.Context, buf *pixel.Buffer, meta pixel.Metadata) *model.ImageAnalysis
}

// Config holds change thresholds and quality scoring constants
type Config struct {
	ChangeDistance        float64 // RGBA distance above which a pixel counts as changed
	ChangeMaxPercent      float64
	ColorRemovalMinChange float64
	RecolorMinChange      float64
	BackgroundMinChange   float64
	TextureMinChange      float64
	DecodeMaxPixels       int

	SharpnessPenaltyMax float64
	NoisePenaltyMax     float64
	NoChangePenalty     float64
	PrintReadyBonus     float64
	TransparencyBonus   float64
}

// DefaultConfig returns the default thresholds
func DefaultConfig() *Config {
	return &Config{
		ChangeDistance:        10,
		ChangeMaxPercent:      95,
		ColorRemovalMinChange: 1,
		RecolorMinChange:      5,
		BackgroundMinChange:   10,
		TextureMinChange:      5,
		DecodeMaxPixels:       pixel.DefaultMaxDecodePixels,
		SharpnessPenaltyMax:   20,
		NoisePenaltyMax:       15,
		NoChangePenalty:       25,
		PrintReadyBonus:       5,
		TransparencyBonus:     5,
	}
}

// Validator produces ResultValidation records. It never panics on bad input:
// every problem becomes a failed result.
type Validator struct {
	catalog  *catalog.Catalog
	analyzer Analyzer
	cfg      *Config
	logger   zerolog.Logger
}

// New creates a result validator
func New(cat *catalog.Catalog, analyzer Analyzer, cfg *Config, logger zerolog.Logger) *Validator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Validator{
		catalog:  cat,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger.With().Str("component", "result_validator").Logger(),
	}
}

func failed(format string, args ...any) model.ResultValidation {
	return model.ResultValidation{Warnings: []string{fmt.Sprintf(format, args...)}}
}

// ValidateEncoded decodes both images and validates the change between them
func (v *Validator) ValidateEncoded(ctx context.Context, toolName string, before, after []byte) model.ResultValidation {
	b, meta, err := pixel.DecodeLimit(before, v.cfg.DecodeMaxPixels)
	if err != nil {
		return v.record(toolName, failed("failed to decode before image: %v", err))
	}
	a, _, err := pixel.DecodeLimit(after, v.cfg.DecodeMaxPixels)
	if err != nil {
		return v.record(toolName, failed("failed to decode after image: %v", err))
	}
	var beforeAnalysis *model.ImageAnalysis
	if v.analyzer != nil {
		beforeAnalysis = v.analyzer.Analyze(ctx, b, meta)
	}
	return v.Validate(ctx, toolName, b, a, beforeAnalysis)
}

// Validate compares before and after for toolName. beforeAnalysis may be nil,
// in which case quality deltas are not scored.
func (v *Validator) Validate(ctx context.Context, toolName string, before, after *pixel.Buffer, beforeAnalysis *model.ImageAnalysis) (rv model.ResultValidation) {
	ctx, span := observability.StartSpan(ctx, "verification.validate", attribute.String("tool", toolName))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			v.logger.Error().Interface("panic", p).Str("tool", toolName).Msg("Result validation panicked")
			rv = failed("result validation failed: %v", p)
		}
		rv = v.record(toolName, rv)
	}()

	spec, ok := v.catalog.Lookup(toolName)
	if !ok {
		return failed("tool %q is not registered", toolName)
	}
	if before == nil || after == nil {
		return failed("missing before or after image")
	}

	rv, ok = v.compare(ctx, spec, before, after)
	if !ok {
		return rv
	}
	rv.QualityScore = v.quality(ctx, spec, rv, after, beforeAnalysis)
	return rv
}

func (v *Validator) record(toolName string, rv model.ResultValidation) model.ResultValidation {
	if rv.Warnings == nil {
		rv.Warnings = []string{}
	}
	observability.RecordResultValidation(toolName, rv.Success)
	return rv
}

// compare applies the family policy. The boolean is false when no quality
// score should be computed (cancelled or unusable input).
func (v *Validator) compare(ctx context.Context, spec *catalog.Spec, before, after *pixel.Buffer) (model.ResultValidation, bool) {
	bw, bh := before.Width(), before.Height()
	aw, ah := after.Width(), after.Height()
	sameDims := bw == aw && bh == ah

	if spec.Family == catalog.FamilyUpscale || spec.Has(catalog.InvariantIncreasesDimensions) {
		if aw < bw || ah < bh || aw*ah <= bw*bh {
			return failed("output dimensions %dx%d are not larger than input %dx%d", aw, ah, bw, bh), true
		}
		// every pixel is new; deltas compare the output scaled back to the input grid
		view := image.NewNRGBA(image.Rect(0, 0, bw, bh))
		draw.NearestNeighbor.Scale(view, view.Rect, after.Image(), after.Image().Rect, draw.Src, nil)
		d, err := Compare(ctx, before, pixel.FromImage(view), v.cfg.ChangeDistance)
		if err != nil {
			return failed("result validation cancelled: %v", err), false
		}
		return model.ResultValidation{
			Success:           true,
			PixelsChanged:     aw * ah,
			PercentageChanged: 100,
			MaxDelta:          round2(d.MaxDelta),
			AvgDelta:          round2(d.AvgDelta()),
			Warnings:          []string{},
		}, true
	}

	if !sameDims {
		return failed("dimensions changed from %dx%d to %dx%d", bw, bh, aw, ah), true
	}

	d, err := Compare(ctx, before, after, v.cfg.ChangeDistance)
	if err != nil {
		return failed("result validation cancelled: %v", err), false
	}
	pct := d.Percent()
	rv := model.ResultValidation{
		PixelsChanged:     d.Changed,
		PercentageChanged: round2(pct),
		MaxDelta:          round2(d.MaxDelta),
		AvgDelta:          round2(d.AvgDelta()),
		Warnings:          []string{},
	}
	warn := func(format string, args ...any) {
		rv.Warnings = append(rv.Warnings, fmt.Sprintf(format, args...))
	}
	maxPct := v.cfg.ChangeMaxPercent

	switch spec.Family {
	case catalog.FamilyColorRemoval:
		switch {
		case d.NewlyTransparent == 0:
			warn("no pixels became transparent")
		case pct > maxPct:
			warn("%.1f%% of the image changed, more than the %.0f%% limit", pct, maxPct)
		default:
			rv.Success = true
			if pct < v.cfg.ColorRemovalMinChange {
				warn("only %.2f%% of the image changed", pct)
			}
		}

	case catalog.FamilyBackgroundRemoval:
		switch {
		case d.NewlyTransparent == 0:
			warn("no pixels became transparent")
		case pct < v.cfg.BackgroundMinChange || pct > maxPct:
			warn("%.1f%% of the image changed, expected %.0f%% to %.0f%%", pct, v.cfg.BackgroundMinChange, maxPct)
		default:
			rv.Success = true
		}

	case catalog.FamilyRecolor:
		if pct < v.cfg.RecolorMinChange {
			warn("only %.1f%% of the image changed, no visible recolor", pct)
			break
		}
		rv.Success = true
		if pct > maxPct {
			warn("%.1f%% of the image changed, more than expected for a recolor", pct)
		}

	case catalog.FamilyTextureMask:
		if pct < v.cfg.TextureMinChange {
			warn("only %.1f%% of the image changed, the texture is not visible", pct)
			break
		}
		rv.Success = true
		if pct > maxPct {
			warn("%.1f%% of the image changed, more than expected for a texture", pct)
		}

	case catalog.FamilyInfo:
		rv.Success = true
		if d.Changed > 0 {
			warn("an info-only tool modified %d pixels", d.Changed)
		}
	}
	return rv, true
}

// quality starts from the after image's measured confidence and applies
// bounded penalties and bonuses
func (v *Validator) quality(ctx context.Context, spec *catalog.Spec, rv model.ResultValidation, after *pixel.Buffer, before *model.ImageAnalysis) float64 {
	if v.analyzer == nil {
		return 0
	}
	meta := pixel.Metadata{Format: "png"}
	if before != nil {
		meta.DPI, meta.DPIKnown = before.DPIEstimate, !before.DPIEstimated
	}
	a := v.analyzer.Analyze(ctx, after, meta)
	score := a.Confidence

	if rv.PixelsChanged == 0 && spec.Family != catalog.FamilyInfo {
		score -= v.cfg.NoChangePenalty
	}
	if before != nil {
		if spec.Family != catalog.FamilyUpscale {
			if drop := before.SharpnessScore - a.SharpnessScore; drop > 0 {
				score -= math.Min(drop, v.cfg.SharpnessPenaltyMax)
			}
		}
		if rise := a.NoiseScore - before.NoiseScore; rise > 0 {
			score -= math.Min(rise, v.cfg.NoisePenaltyMax)
		}
		if a.IsPrintReady && !before.IsPrintReady {
			score += v.cfg.PrintReadyBonus
		}
		if spec.Has(catalog.InvariantAddsTransparency) && !before.HasTransparency && a.HasTransparency {
			score += v.cfg.TransparencyBonus
		}
	}
	return round2(math.Max(0, math.Min(100, score)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
