// Package planner turns a user instruction plus measured ground truth into
// proposed tool calls using a vision model with function calling.
package planner

import (
	"context"
	"time"

	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// Planner proposes tool calls for one turn. Implementations do not retry;
// transient failures are returned as resilience.RetryableError.
type Planner interface {
	Propose(ctx context.Context, req Request) (*Plan, error)
}

// Request is everything the planner sees for one turn
type Request struct {
	Image       *pixel.Buffer
	Message     string
	History     []model.ConversationTurn
	Preferences []string
	GroundTruth *model.ImageAnalysis
	UserContext *model.UserContext
}

// Dropped is a proposal that was discarded before validation
type Dropped struct {
	ToolName string `json:"toolName"`
	Reason   string `json:"reason"`
}

// Plan is the parsed planner reply
type Plan struct {
	Text      string
	Proposals []model.ToolCallProposal
	Dropped   []Dropped
}

// Config holds planner client settings
type Config struct {
	Model              string
	Temperature        float32
	Timeout            time.Duration
	MaxProposals       int
	HistoryBudgetBytes int
	MaxImageBytes      int
	RateLimit          float64 // requests per second
	RateBurst          int
}

// DefaultConfig returns the planner defaults
func DefaultConfig() *Config {
	return &Config{
		Model:              "gemini-2.5-flash",
		Temperature:        0.2,
		Timeout:            60 * time.Second,
		MaxProposals:       5,
		HistoryBudgetBytes: 16000,
		MaxImageBytes:      4_000_000,
		RateLimit:          2,
		RateBurst:          4,
	}
}
