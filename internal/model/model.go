// Package model holds the records passed between pipeline stages of one
// editing turn and the responses returned to callers.
package model

import (
	"time"

	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// ImageAnalysis is measured ground truth for one image at one point in time
type ImageAnalysis struct {
	Width                  int                `json:"width"`
	Height                 int                `json:"height"`
	DPIEstimate            float64            `json:"dpiEstimate"`
	DPIEstimated           bool               `json:"dpiEstimated"` // true when no density was stored in the file
	Format                 string             `json:"format"`
	FileSizeBytes          int                `json:"fileSizeBytes"`
	HasTransparency        bool               `json:"hasTransparency"`
	TransparentPercent     float64            `json:"transparentPercent"`
	DominantColors         []pixel.ColorShare `json:"dominantColors"`
	UniqueColorCount       int                `json:"uniqueColorCount"`
	SharpnessScore         float64            `json:"sharpnessScore"`
	NoiseScore             float64            `json:"noiseScore"`
	IsPrintReady           bool               `json:"isPrintReady"`
	Confidence             float64            `json:"confidence"`
	Downsampled            bool               `json:"downsampled"`
	IncompleteMeasurements []string           `json:"incompleteMeasurements,omitempty"`
}

// ToolCallProposal is an edit suggested by the planner. It is never executed
// directly; see validation.ApprovedCall.
type ToolCallProposal struct {
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters"`
}

// ValidationResult is the verdict on one proposal
type ValidationResult struct {
	IsValid              bool           `json:"isValid"`
	Confidence           float64        `json:"confidence"`
	Errors               []string       `json:"errors"`
	Warnings             []string       `json:"warnings"`
	AdjustedParameters   map[string]any `json:"adjustedParameters,omitempty"`
	Reasoning            string         `json:"reasoning"`
	HistoricalConfidence *float64       `json:"historicalConfidence,omitempty"`
}

// ExecutionOutcome records one tool invocation
type ExecutionOutcome struct {
	ToolName          string         `json:"toolName"`
	Parameters        map[string]any `json:"parameters"`
	Success           bool           `json:"success"`
	ResultImageHandle string         `json:"resultImageHandle,omitempty"`
	Error             string         `json:"error,omitempty"`
	ElapsedMs         int64          `json:"elapsedMs"`
	Output            map[string]any `json:"output,omitempty"` // report of info-only tools
}

// ResultValidation is the before/after pixel verdict for a successful execution
type ResultValidation struct {
	Success           bool     `json:"success"`
	PixelsChanged     int      `json:"pixelsChanged"`
	PercentageChanged float64  `json:"percentageChanged"`
	QualityScore      float64  `json:"qualityScore"`
	MaxDelta          float64  `json:"maxDelta"`
	AvgDelta          float64  `json:"avgDelta"`
	Warnings          []string `json:"warnings"`
}

// HistoryRecord is one learned outcome. Records are append-only.
type HistoryRecord struct {
	ID                 string         `json:"id"`
	ImageFeatureVector []float32      `json:"imageFeatureVector"`
	ToolName           string         `json:"toolName"`
	Parameters         map[string]any `json:"parameters"`
	OutcomeSuccess     bool           `json:"outcomeSuccess"`
	QualityScore       float64        `json:"qualityScore"`
	Timestamp          time.Time      `json:"timestamp"`
}

// Roles for ConversationTurn
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConversationTurn is one message in a conversation
type ConversationTurn struct {
	Role      string    `json:"role" validate:"required,oneof=user assistant system"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolExecution groups everything the pipeline learned about one proposal
type ToolExecution struct {
	ToolCall         ToolCallProposal  `json:"toolCall"`
	Validation       ValidationResult  `json:"validation"`
	Outcome          *ExecutionOutcome `json:"outcome,omitempty"`
	ResultValidation *ResultValidation `json:"resultValidation,omitempty"`
	Confidence       float64           `json:"confidence"`
}

// OrchestratorResponse is the only externally visible result of a turn
type OrchestratorResponse struct {
	Success           bool            `json:"success"`
	Message           string          `json:"message"`
	ToolExecutions    []ToolExecution `json:"toolExecutions"`
	OverallConfidence float64         `json:"overallConfidence"`
	ConversationID    string          `json:"conversationId"`
	Timestamp         time.Time       `json:"timestamp"`
	Error             string          `json:"error,omitempty"`
	RolledBack        bool            `json:"rolledBack,omitempty"`
	ResultImageHandle string          `json:"resultImageHandle,omitempty"`
	ResultImage       []byte          `json:"resultImage,omitempty"` // PNG; base64 in JSON
}

// UserContext is optional caller context forwarded to the planner
type UserContext struct {
	Industry       string `json:"industry,omitempty" validate:"max=64"`
	ExpertiseLevel string `json:"expertiseLevel,omitempty" validate:"omitempty,oneof=beginner intermediate expert"`
}

// TurnRequest is one user instruction. Image may be omitted to continue
// editing the conversation's current image.
type TurnRequest struct {
	Message             string             `json:"message" validate:"required,max=8000"`
	Image               []byte             `json:"image,omitempty"`
	ConversationID      string             `json:"conversationId" validate:"required,max=128"`
	ConversationHistory []ConversationTurn `json:"conversationHistory,omitempty" validate:"dive"`
	UserContext         *UserContext       `json:"userContext,omitempty"`
}
