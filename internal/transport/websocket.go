package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/niganuga/flow-editor-sub001/internal/model"
)

const (
	writeWait     = 10 * time.Second
	queuedTurns   = 8
	pongWaitRatio = 2
)

var upgrader = websocket.Upgrader{
	// Origin is enforced by the gateway in front of the service
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
}

// wsConn serializes writes to one websocket
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// HandleTurnWS upgrades to a websocket that carries TurnRequest messages in
// and OrchestratorResponse messages out. Turns on one connection run in
// arrival order; closing the socket cancels the turn in flight.
func (s *Server) HandleTurnWS(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	raw.SetReadLimit(s.maxBodyBytes)
	pongWait := s.pingInterval * pongWaitRatio
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	requests := make(chan []byte, queuedTurns)
	go s.readLoop(raw, requests, cancel)
	go s.pingLoop(ctx, conn)

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("WebSocket connection established")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Str("remote", r.RemoteAddr).Msg("WebSocket connection closed")
			return
		case msg, ok := <-requests:
			if !ok {
				return
			}
			resp := s.handleMessage(ctx, r, msg)
			if err := conn.writeJSON(resp); err != nil {
				s.logger.Warn().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, out chan<- []byte, cancel context.CancelFunc) {
	defer close(out)
	defer cancel()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		select {
		case out <- msg:
		default:
			s.logger.Warn().Msg("Turn queue full, closing connection")
			return
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, r *http.Request, msg []byte) model.OrchestratorResponse {
	var req model.TurnRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return errorResponse("", fmt.Sprintf("Malformed message: %v", err))
	}
	if err := s.validate.Struct(req); err != nil {
		return errorResponse(req.ConversationID, fmt.Sprintf("Invalid request: %v", err))
	}
	turnCtx, logger := s.turnContext(r.WithContext(ctx), req.ConversationID)
	logger.Debug().Int("image_bytes", len(req.Image)).Msg("Turn received over WebSocket")
	return s.handler.Handle(turnCtx, req)
}
