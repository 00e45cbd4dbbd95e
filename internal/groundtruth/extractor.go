// Package groundtruth measures objective facts about an image so that
// planner proposals can be checked against pixels rather than perception.
package groundtruth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// Sub-measurement names reported in ImageAnalysis.IncompleteMeasurements
const (
	MeasureDominantColors = "dominant_colors"
	MeasureUniqueColors   = "unique_colors"
	MeasureSharpness      = "sharpness"
	MeasureNoise          = "noise"
)

// Config holds extractor limits and scoring constants
type Config struct {
	MaxPixels              int           // measurements run on a view no larger than this
	DecodeMaxPixels        int           // inputs larger than this are rejected
	MeasurementTimeout     time.Duration // budget per sub-measurement
	DominantColorCount     int
	MeasurementPenalty     float64 // confidence lost per incomplete measurement
	DPIEstimatedPenalty    float64 // confidence lost when density is assumed
	AssumedDPI             float64
	PrintReadyDPI          float64
	PrintReadyLongSide     int // used instead of DPI when density is assumed
	PrintReadyMinSharpness float64
	CacheBytes             int64 // 0 disables caching
}

// DefaultConfig returns the default extractor configuration
func DefaultConfig() *Config {
	return &Config{
		MaxPixels:              1_000_000,
		DecodeMaxPixels:        pixel.DefaultMaxDecodePixels,
		MeasurementTimeout:     5 * time.Second,
		DominantColorCount:     5,
		MeasurementPenalty:     20,
		DPIEstimatedPenalty:    5,
		AssumedDPI:             72,
		PrintReadyDPI:          300,
		PrintReadyLongSide:     3000,
		PrintReadyMinSharpness: 40,
		CacheBytes:             64 << 20,
	}
}

// Extractor produces ImageAnalysis records. Safe for concurrent use.
type Extractor struct {
	cfg    *Config
	cache  *ristretto.Cache[string, *model.ImageAnalysis]
	logger zerolog.Logger
}

// NewExtractor creates an extractor
func NewExtractor(cfg *Config, logger zerolog.Logger) (*Extractor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Extractor{cfg: cfg, logger: logger.With().Str("component", "groundtruth").Logger()}

	if cfg.CacheBytes > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, *model.ImageAnalysis]{
			NumCounters: max(1000, cfg.CacheBytes/100),
			MaxCost:     cfg.CacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create analysis cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Close releases the cache
func (e *Extractor) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

// Extract decodes an encoded image and measures it. The decoded buffer is
// returned so later stages do not decode again. Only undecodable input is an
// error; slow measurements degrade confidence instead.
func (e *Extractor) Extract(ctx context.Context, data []byte) (*model.ImageAnalysis, *pixel.Buffer, error) {
	buf, meta, err := pixel.DecodeLimit(data, e.cfg.DecodeMaxPixels)
	if err != nil {
		return nil, nil, err
	}

	key := ""
	if e.cache != nil {
		sum := sha256.Sum256(data)
		key = hex.EncodeToString(sum[:])
		if cached, ok := e.cache.Get(key); ok {
			observability.RecordAnalysisCache(true)
			return clone(cached), buf, nil
		}
		observability.RecordAnalysisCache(false)
	}

	analysis := e.Analyze(ctx, buf, meta)
	if e.cache != nil && len(analysis.IncompleteMeasurements) == 0 {
		e.cache.Set(key, clone(analysis), cost(analysis))
	}
	return analysis, buf, nil
}

// Analyze measures an already decoded buffer. It never fails: a measurement
// that exceeds its budget is listed as incomplete and costs confidence.
func (e *Extractor) Analyze(ctx context.Context, buf *pixel.Buffer, meta pixel.Metadata) *model.ImageAnalysis {
	ctx, span := observability.StartSpan(ctx, "groundtruth.analyze")
	defer span.End()

	a := &model.ImageAnalysis{
		Width:         buf.Width(),
		Height:        buf.Height(),
		Format:        meta.Format,
		FileSizeBytes: meta.SizeBytes,
	}
	if meta.DPIKnown {
		a.DPIEstimate = meta.DPI
	} else {
		a.DPIEstimate = e.cfg.AssumedDPI
		a.DPIEstimated = true
	}
	a.HasTransparency, a.TransparentPercent = buf.Transparency()

	view := buf.Bounded(e.cfg.MaxPixels)
	a.Downsampled = view != buf

	var (
		colors             []pixel.ColorShare
		unique             int
		sharpness, noise   float64
		colorsErr, uniqErr error
		sharpErr, noiseErr error
	)

	// Measurements are pure reads of the same buffer; they never fail the group
	g, gctx := errgroup.WithContext(ctx)
	measure := func(fn func(context.Context) error) {
		g.Go(func() error {
			mctx, cancel := context.WithTimeout(gctx, e.cfg.MeasurementTimeout)
			defer cancel()
			return fn(mctx)
		})
	}
	measure(func(ctx context.Context) error {
		colors, colorsErr = view.DominantColors(ctx, e.cfg.DominantColorCount)
		return nil
	})
	measure(func(ctx context.Context) error {
		unique, uniqErr = view.UniqueColors(ctx)
		return nil
	})
	measure(func(ctx context.Context) error {
		sharpness, sharpErr = view.Sharpness(ctx)
		return nil
	})
	measure(func(ctx context.Context) error {
		noise, noiseErr = view.Noise(ctx)
		return nil
	})
	_ = g.Wait()

	for _, m := range []struct {
		name string
		err  error
	}{
		{MeasureDominantColors, colorsErr},
		{MeasureUniqueColors, uniqErr},
		{MeasureSharpness, sharpErr},
		{MeasureNoise, noiseErr},
	} {
		if m.err == nil {
			continue
		}
		a.IncompleteMeasurements = append(a.IncompleteMeasurements, m.name)
		ev := e.logger.Warn().Err(m.err).Str("measurement", m.name).Int("width", a.Width).Int("height", a.Height)
		if errors.Is(m.err, context.DeadlineExceeded) {
			ev.Dur("budget", e.cfg.MeasurementTimeout)
		}
		ev.Msg("Measurement incomplete")
	}

	if colorsErr == nil {
		a.DominantColors = colors
	}
	if uniqErr == nil {
		a.UniqueColorCount = unique
	}
	if sharpErr == nil {
		a.SharpnessScore = sharpness
	}
	if noiseErr == nil {
		a.NoiseScore = noise
	}

	a.IsPrintReady = e.printReady(a, sharpErr == nil)
	a.Confidence = e.confidence(a)
	return a
}

func (e *Extractor) printReady(a *model.ImageAnalysis, sharpnessMeasured bool) bool {
	if !sharpnessMeasured || a.SharpnessScore < e.cfg.PrintReadyMinSharpness {
		return false
	}
	if a.DPIEstimated {
		return max(a.Width, a.Height) >= e.cfg.PrintReadyLongSide
	}
	return a.DPIEstimate >= e.cfg.PrintReadyDPI
}

func (e *Extractor) confidence(a *model.ImageAnalysis) float64 {
	c := 100 - e.cfg.MeasurementPenalty*float64(len(a.IncompleteMeasurements))
	if a.DPIEstimated {
		c -= e.cfg.DPIEstimatedPenalty
	}
	return max(0, c)
}

func clone(a *model.ImageAnalysis) *model.ImageAnalysis {
	c := *a
	c.DominantColors = append([]pixel.ColorShare(nil), a.DominantColors...)
	c.IncompleteMeasurements = append([]string(nil), a.IncompleteMeasurements...)
	return &c
}

func cost(a *model.ImageAnalysis) int64 {
	return int64(256 + 64*len(a.DominantColors))
}
