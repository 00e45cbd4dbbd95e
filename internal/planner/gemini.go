package planner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
	"github.com/niganuga/flow-editor-sub001/internal/resilience"
)

// ErrEmptyReply is returned when the model answers with neither text nor calls
var ErrEmptyReply = errors.New("planner returned an empty reply")

// ContentGenerator is the subset of genai.Models the planner uses
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiPlanner plans edits with a Gemini vision model
type GeminiPlanner struct {
	generator ContentGenerator
	catalog   *catalog.Catalog
	tools     []*genai.Tool
	config    *Config
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// NewGeminiClient creates a genai client for the Gemini API
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client, nil
}

// NewGeminiPlanner creates a planner. Pass client.Models as gen.
func NewGeminiPlanner(gen ContentGenerator, cat *catalog.Catalog, cfg *Config, logger zerolog.Logger) *GeminiPlanner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &GeminiPlanner{
		generator: gen,
		catalog:   cat,
		tools:     []*genai.Tool{{FunctionDeclarations: Declarations(cat)}},
		config:    cfg,
		limiter:   rate.NewLimiter(limit, max(1, cfg.RateBurst)),
		logger:    logger.With().Str("component", "planner").Logger(),
	}
}

// Propose sends one planning request and parses the reply
func (p *GeminiPlanner) Propose(ctx context.Context, req Request) (*Plan, error) {
	ctx, span := observability.StartSpan(ctx, "planner.propose",
		attribute.String("model", p.config.Model),
		attribute.Int("history_turns", len(req.History)))
	defer span.End()

	if req.Image == nil {
		return nil, errors.New("planner request has no image")
	}

	contents, err := p.contents(req)
	if err != nil {
		return nil, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("planner rate limit wait: %w", err)
	}

	callCtx := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.generator.GenerateContent(callCtx, p.config.Model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Temperature:       genai.Ptr(p.config.Temperature),
		Tools:             p.tools,
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, classify(ctx, err)
	}

	plan, err := p.parse(resp)
	if err != nil {
		return nil, err
	}
	p.logger.Debug().
		Dur("elapsed", time.Since(start)).
		Int("proposals", len(plan.Proposals)).
		Int("dropped", len(plan.Dropped)).
		Msg("Planner replied")
	return plan, nil
}

func (p *GeminiPlanner) contents(req Request) ([]*genai.Content, error) {
	transparent := req.GroundTruth != nil && req.GroundTruth.HasTransparency
	data, mime, err := encodeImage(req.Image, transparent, p.config.MaxImageBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare planner image: %w", err)
	}

	history := CompactHistory(req.History, p.config.HistoryBudgetBytes)
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		switch t.Role {
		case model.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(t.Text, genai.RoleModel))
		case model.RoleSystem:
			contents = append(contents, genai.NewContentFromText("[context] "+t.Text, genai.RoleUser))
		default:
			contents = append(contents, genai.NewContentFromText(t.Text, genai.RoleUser))
		}
	}

	contents = append(contents, &genai.Content{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: mime, Data: data}},
			{Text: requestText(req)},
		},
	})
	return contents, nil
}

func (p *GeminiPlanner) parse(resp *genai.GenerateContentResponse) (*Plan, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("planner prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return nil, ErrEmptyReply
	}
	candidate := resp.Candidates[0]

	plan := &Plan{Text: strings.TrimSpace(resp.Text())}
	for _, fc := range resp.FunctionCalls() {
		p.accept(plan, fc)
	}

	if plan.Text == "" && len(plan.Proposals) == 0 {
		if candidate.FinishReason != genai.FinishReasonUnspecified && candidate.FinishReason != genai.FinishReasonStop {
			return nil, fmt.Errorf("planner stopped early (finish reason %s)", candidate.FinishReason)
		}
		if len(plan.Dropped) == 0 {
			return nil, ErrEmptyReply
		}
	}
	return plan, nil
}

// accept validates the structure of one function call and appends it to the
// plan or to its dropped list
func (p *GeminiPlanner) accept(plan *Plan, fc *genai.FunctionCall) {
	drop := func(name, reason string) {
		plan.Dropped = append(plan.Dropped, Dropped{ToolName: name, Reason: reason})
		observability.RecordProposalDropped(reason)
		p.logger.Warn().Str("tool", name).Str("reason", reason).Msg("Dropped planner proposal")
	}

	switch {
	case fc == nil || strings.TrimSpace(fc.Name) == "":
		drop("", "missing tool name")
	case !p.known(fc.Name):
		drop(fc.Name, "unknown tool")
	case len(plan.Proposals) >= p.maxProposals():
		drop(fc.Name, "proposal limit reached")
	default:
		params := make(map[string]any, len(fc.Args))
		for k, v := range fc.Args {
			params[k] = v
		}
		plan.Proposals = append(plan.Proposals, model.ToolCallProposal{ToolName: fc.Name, Parameters: params})
	}
}

func (p *GeminiPlanner) known(name string) bool {
	_, ok := p.catalog.Lookup(name)
	return ok
}

func (p *GeminiPlanner) maxProposals() int {
	if p.config.MaxProposals <= 0 {
		return DefaultConfig().MaxProposals
	}
	return p.config.MaxProposals
}

// classify marks transient failures retryable. A cancelled caller is never
// retryable; a per-call timeout is.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("planner request cancelled: %w", ctx.Err())
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError {
			return resilience.NewRetryableError(fmt.Errorf("planner unavailable: %w", err))
		}
		return fmt.Errorf("planner request rejected: %w", err)
	}
	if resilience.IsRetryableNetworkError(err) {
		return resilience.NewRetryableError(fmt.Errorf("planner request failed: %w", err))
	}
	return fmt.Errorf("planner request failed: %w", err)
}
