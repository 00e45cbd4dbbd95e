// Package transport exposes the orchestrator over HTTP/JSON and websockets.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
)

// CorrelationHeader carries the caller's correlation id
const CorrelationHeader = "X-Correlation-ID"

// DefaultMaxBodyBytes bounds a turn request, image included
const DefaultMaxBodyBytes = 64 << 20

// TurnHandler runs one turn; orchestrator.Orchestrator implements it
type TurnHandler interface {
	Handle(ctx context.Context, req model.TurnRequest) model.OrchestratorResponse
}

// Server serves turn requests
type Server struct {
	handler      TurnHandler
	validate     *validator.Validate
	maxBodyBytes int64
	pingInterval time.Duration
	logger       zerolog.Logger
}

// NewServer creates a server around h
func NewServer(h TurnHandler, maxBodyBytes int64, logger zerolog.Logger) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		handler:      h,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		maxBodyBytes: maxBodyBytes,
		pingInterval: 30 * time.Second,
		logger:       logger.With().Str("component", "transport").Logger(),
	}
}

// Register adds the turn endpoints to mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/turns", s.HandleTurn)
	mux.HandleFunc("GET /v1/turns/ws", s.HandleTurnWS)
}

// HandleTurn runs one turn per request. The request context is the turn
// context, so a client that disconnects cancels the turn.
func (s *Server) HandleTurn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req model.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(req.ConversationID, fmt.Sprintf("Malformed request body: %v", err)))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(req.ConversationID, fmt.Sprintf("Invalid request: %v", err)))
		return
	}

	ctx, logger := s.turnContext(r, req.ConversationID)
	logger.Debug().Int("image_bytes", len(req.Image)).Msg("Turn received")

	resp := s.handler.Handle(ctx, req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) turnContext(r *http.Request, conversationID string) (context.Context, zerolog.Logger) {
	logger := observability.WithTurn(r.Header.Get(CorrelationHeader), conversationID)
	return observability.IntoContext(r.Context(), logger), logger
}

func errorResponse(conversationID, message string) model.OrchestratorResponse {
	return model.OrchestratorResponse{
		ConversationID: conversationID,
		Message:        message,
		Error:          "invalid_request",
		ToolExecutions: []model.ToolExecution{},
		Timestamp:      time.Now().UTC(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
