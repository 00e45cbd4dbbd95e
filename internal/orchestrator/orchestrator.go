// Package orchestrator runs one editing turn end to end: ground truth,
// planning, validation, execution, result verification, confidence and
// persistence. It is the only component that talks to all the others.
package orchestrator

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/niganuga/flow-editor-sub001/internal/confidence"
	"github.com/niganuga/flow-editor-sub001/internal/correction"
	"github.com/niganuga/flow-editor-sub001/internal/executor"
	"github.com/niganuga/flow-editor-sub001/internal/history"
	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
	"github.com/niganuga/flow-editor-sub001/internal/planner"
	"github.com/niganuga/flow-editor-sub001/internal/resilience"
	"github.com/niganuga/flow-editor-sub001/internal/session"
	"github.com/niganuga/flow-editor-sub001/internal/validation"
	"github.com/niganuga/flow-editor-sub001/internal/verification"
)

// Error codes set on OrchestratorResponse.Error
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeInvalidImage   = "invalid_image"
	ErrCodeNoImage        = "no_image"
	ErrCodePlanner        = "planner_unavailable"
	ErrCodeCancelled      = "cancelled"
)

// Analyzer measures images; groundtruth.Extractor implements it
type Analyzer interface {
	Extract(ctx context.Context, data []byte) (*model.ImageAnalysis, *pixel.Buffer, error)
	Analyze(ctx context.Context, buf *pixel.Buffer, meta pixel.Metadata) *model.ImageAnalysis
}

// Dependencies are the pipeline stages. All are required except History,
// which defaults to an in-memory store.
type Dependencies struct {
	Analyzer    Analyzer
	Planner     planner.Planner
	Corrections *correction.Detector
	Validator   *validation.Validator
	Router      *executor.Router
	Verifier    *verification.Validator
	Confidence  *confidence.Aggregator
	History     history.Store
	Sessions    *session.Manager
}

// Config holds orchestration policy
type Config struct {
	PlannerRetry *resilience.RetryConfig // bounded; only retryable planner errors are retried
	SimilarK     int                     // history neighbours consulted per proposal
}

// DefaultConfig returns the default policy
func DefaultConfig() *Config {
	return &Config{
		PlannerRetry: &resilience.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            true,
		},
		SimilarK: 20,
	}
}

// Orchestrator handles turns. It is safe for concurrent use; turns for
// different conversations share nothing but the history store.
type Orchestrator struct {
	deps     Dependencies
	cfg      *Config
	validate *validator.Validate
	logger   zerolog.Logger
}

// New creates an orchestrator
func New(deps Dependencies, cfg *Config, logger zerolog.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.History == nil {
		deps.History = history.NewMemoryStore(0)
	}
	if deps.Corrections == nil {
		deps.Corrections = correction.Default()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager(0, 0)
	}
	if deps.Confidence == nil {
		deps.Confidence = confidence.New(confidence.DefaultConfig())
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Handle runs one turn. It always returns a response with a human readable
// message; failures are reported in the response, never as a Go error.
func (o *Orchestrator) Handle(ctx context.Context, req model.TurnRequest) model.OrchestratorResponse {
	ctx, span := observability.StartSpan(ctx, "orchestrator.turn",
		attribute.String("conversation_id", req.ConversationID),
		attribute.Bool("has_image", len(req.Image) > 0))
	defer span.End()

	metrics := observability.NewTurnMetrics()
	t := &turn{
		o:       o,
		req:     req,
		metrics: metrics,
		logger:  o.logger.With().Str("conversation_id", req.ConversationID).Logger(),
		resp: model.OrchestratorResponse{
			ConversationID: req.ConversationID,
			ToolExecutions: []model.ToolExecution{},
		},
	}

	status := t.run(ctx)
	t.resp.Timestamp = time.Now().UTC()
	metrics.RecordTurnEnd(status, t.resp.OverallConfidence)
	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("overall_confidence", t.resp.OverallConfidence))

	t.logger.Info().
		Str("status", status).
		Int("proposals", len(t.resp.ToolExecutions)).
		Float64("confidence", t.resp.OverallConfidence).
		Bool("rolled_back", t.resp.RolledBack).
		Msg("Turn finished")
	return t.resp
}
