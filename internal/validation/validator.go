// Package validation decides which planner proposals may run. A proposal is
// checked against its tool contract, the measured pixels and the outcomes of
// similar past calls; only a passing proposal yields an ApprovedCall.
package validation

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// Config holds validation thresholds
type Config struct {
	NotPresentDeltaE    float64 // nearest sampled color farther than this: color is absent
	WeakMatchDeltaE     float64 // between this and NotPresentDeltaE: weak match
	WeakMatchMaxPenalty float64 // confidence lost at the edge of the weak band

	SamplePercent float64
	SampleMin     int
	SampleMax     int

	CoverageMaxPercent    float64 // blocking above
	CoverageMinPercent    float64 // warning below
	LowCoverageConfidence float64

	UpscaleMaxOutputPixels int

	AlreadyTransparentPercent float64 // background removal on an image this transparent warns
	AlreadyTransparentConf    float64

	HistoryMinSamples        int
	HistoryRangeSlack        float64 // observed range widened by this share of its spread
	HistoryOutlierConfidence float64
}

// DefaultConfig returns the default thresholds
func DefaultConfig() *Config {
	return &Config{
		NotPresentDeltaE:          25,
		WeakMatchDeltaE:           10,
		WeakMatchMaxPenalty:       40,
		SamplePercent:             5,
		SampleMin:                 1000,
		SampleMax:                 50000,
		CoverageMaxPercent:        95,
		CoverageMinPercent:        1,
		LowCoverageConfidence:     70,
		UpscaleMaxOutputPixels:    40_000_000,
		AlreadyTransparentPercent: 10,
		AlreadyTransparentConf:    75,
		HistoryMinSamples:         3,
		HistoryRangeSlack:         0.5,
		HistoryOutlierConfidence:  60,
	}
}

// ApprovedCall is a proposal that passed validation. It can only be built by
// Validator.Check, so holding one proves the call was validated.
type ApprovedCall struct {
	spec       *catalog.Spec
	params     catalog.Params
	confidence float64
}

// ToolName returns the approved tool
func (a *ApprovedCall) ToolName() string { return a.spec.Name }

// Spec returns the tool contract the call was checked against
func (a *ApprovedCall) Spec() *catalog.Spec { return a.spec }

// Params returns a copy of the normalized parameters
func (a *ApprovedCall) Params() catalog.Params { return a.params.Clone() }

// Confidence returns the validation confidence
func (a *ApprovedCall) Confidence() float64 { return a.confidence }

// OutputSize returns the dimensions the call produces from a w x h input
func (a *ApprovedCall) OutputSize(w, h int) (int, int) {
	if a.spec.Family != catalog.FamilyUpscale {
		return w, h
	}
	scale, ok := a.params.Float("scale")
	if !ok {
		return w, h
	}
	return scaled(w, scale), scaled(h, scale)
}

func scaled(n int, scale float64) int {
	return int(math.Round(float64(n) * scale))
}

// Input is everything a check may consult besides the proposal itself
type Input struct {
	Analysis *model.ImageAnalysis
	Image    *pixel.Buffer         // may be nil; existence checks then use dominant colors
	History  []model.HistoryRecord // similar past calls for this tool

	// Width and Height are the size the call will actually receive when
	// earlier calls in the chain resize the image. Zero means the analysed size.
	Width, Height int
}

func (in Input) size() (int, int, bool) {
	if in.Width > 0 && in.Height > 0 {
		return in.Width, in.Height, true
	}
	if in.Analysis != nil {
		return in.Analysis.Width, in.Analysis.Height, true
	}
	return 0, 0, false
}

// Validator checks proposals. It is safe for concurrent use.
type Validator struct {
	catalog *catalog.Catalog
	cfg     *Config
	logger  zerolog.Logger
}

// New creates a validator over the tools in cat
func New(cat *catalog.Catalog, cfg *Config, logger zerolog.Logger) *Validator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Validator{
		catalog: cat,
		cfg:     cfg,
		logger:  logger.With().Str("component", "validator").Logger(),
	}
}

// report accumulates the outcome of the ordered checks
type report struct {
	confidence float64
	errors     []string
	warnings   []string
	adjusted   map[string]any
	reasoning  []string
}

func newReport() *report {
	return &report{confidence: 100, errors: []string{}, warnings: []string{}}
}

// cap lowers confidence to c; confidence never rises
func (r *report) cap(c float64) {
	r.confidence = math.Min(r.confidence, math.Max(0, c))
}

func (r *report) fail(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
	r.confidence = 0
}

func (r *report) warn(confidence float64, format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
	r.cap(confidence)
}

func (r *report) note(format string, args ...any) {
	r.reasoning = append(r.reasoning, fmt.Sprintf(format, args...))
}

func (r *report) blocked() bool { return len(r.errors) > 0 }

// Check runs schema, pixel-existence and plausibility checks in that order,
// stopping at the first blocking failure. The ApprovedCall is nil unless the
// result is valid.
func (v *Validator) Check(ctx context.Context, proposal model.ToolCallProposal, in Input) (model.ValidationResult, *ApprovedCall) {
	_, span := observability.StartSpan(ctx, "validation.check", attribute.String("tool", proposal.ToolName))
	defer span.End()

	r := newReport()
	var historical *float64

	spec, ok := v.catalog.Lookup(proposal.ToolName)
	var params catalog.Params
	if !ok {
		r.fail("tool %q is not registered", proposal.ToolName)
		r.note("schema: unknown tool")
	} else {
		params = v.checkSchema(spec, proposal.Parameters, r)
		if !r.blocked() {
			v.checkPixels(spec, params, in, r)
		}
		if !r.blocked() {
			v.checkPlausibility(spec, params, in, r)
		}
		if !r.blocked() {
			historical = v.checkHistory(spec, params, in.History, r)
		}
	}

	result := model.ValidationResult{
		IsValid:              !r.blocked(),
		Confidence:           math.Round(r.confidence*100) / 100,
		Errors:               r.errors,
		Warnings:             r.warnings,
		AdjustedParameters:   r.adjusted,
		Reasoning:            strings.Join(r.reasoning, "; "),
		HistoricalConfidence: historical,
	}

	observability.RecordValidation(proposal.ToolName, result.IsValid)
	v.logger.Debug().
		Str("tool", proposal.ToolName).
		Bool("valid", result.IsValid).
		Float64("confidence", result.Confidence).
		Strs("errors", result.Errors).
		Strs("warnings", result.Warnings).
		Msg("Proposal checked")

	if !result.IsValid {
		return result, nil
	}
	return result, &ApprovedCall{spec: spec, params: params, confidence: result.Confidence}
}
