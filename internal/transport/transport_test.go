package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niganuga/flow-editor-sub001/internal/model"
)

type fakeHandler struct {
	mu       sync.Mutex
	requests []model.TurnRequest
	block    bool
	started  chan struct{}
	finished chan error
}

func (f *fakeHandler) Handle(ctx context.Context, req model.TurnRequest) model.OrchestratorResponse {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block := f.block
	f.mu.Unlock()

	if block {
		close(f.started)
		<-ctx.Done()
		f.finished <- ctx.Err()
		return model.OrchestratorResponse{ConversationID: req.ConversationID, Error: "cancelled"}
	}
	return model.OrchestratorResponse{
		Success:        true,
		Message:        "echo: " + req.Message,
		ConversationID: req.ConversationID,
		ToolExecutions: []model.ToolExecution{},
	}
}

func newTestServer(t *testing.T, h TurnHandler, maxBody int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewServer(h, maxBody, zerolog.Nop()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string, body string) (*http.Response, model.OrchestratorResponse) {
	t.Helper()
	res, err := http.Post(url+"/v1/turns", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	var out model.OrchestratorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res, out
}

func TestHandleTurn(t *testing.T) {
	h := &fakeHandler{}
	srv := newTestServer(t, h, 0)

	res, out := post(t, srv.URL, `{"message":"make it pop","conversationId":"c1","image":"aGVsbG8="}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.True(t, out.Success)
	assert.Equal(t, "echo: make it pop", out.Message)

	require.Len(t, h.requests, 1)
	assert.Equal(t, []byte("hello"), h.requests[0].Image)
}

func TestHandleTurn_Rejects(t *testing.T) {
	h := &fakeHandler{}
	srv := newTestServer(t, h, 256)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"message":`, http.StatusBadRequest},
		{"missing message", `{"conversationId":"c1"}`, http.StatusBadRequest},
		{"bad history role", `{"message":"x","conversationId":"c1","conversationHistory":[{"role":"robot","text":"hi"}]}`, http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("x", 512) + `","conversationId":"c1"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, out := post(t, srv.URL, tt.body)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.Equal(t, "invalid_request", out.Error)
			assert.NotEmpty(t, out.Message)
		})
	}
	assert.Empty(t, h.requests)
}

func TestHandleTurn_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeHandler{}, 0)
	res, err := http.Get(srv.URL + "/v1/turns")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/turns/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHandleTurnWS(t *testing.T) {
	srv := newTestServer(t, &fakeHandler{}, 0)
	conn := dial(t, srv)
	defer conn.Close()

	for _, msg := range []string{"first", "second"} {
		require.NoError(t, conn.WriteJSON(model.TurnRequest{Message: msg, ConversationID: "c1"}))
		var out model.OrchestratorResponse
		require.NoError(t, conn.ReadJSON(&out))
		assert.Equal(t, "echo: "+msg, out.Message)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	var out model.OrchestratorResponse
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "invalid_request", out.Error)

	require.NoError(t, conn.WriteJSON(model.TurnRequest{ConversationID: "c1"}))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "invalid_request", out.Error)
	assert.Equal(t, "c1", out.ConversationID)
}

func TestHandleTurnWS_CloseCancelsTurn(t *testing.T) {
	h := &fakeHandler{block: true, started: make(chan struct{}), finished: make(chan error, 1)}
	srv := newTestServer(t, h, 0)
	conn := dial(t, srv)

	var body bytes.Buffer
	require.NoError(t, json.NewEncoder(&body).Encode(model.TurnRequest{Message: "slow", ConversationID: "c1"}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, body.Bytes()))

	select {
	case <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not start")
	}
	require.NoError(t, conn.Close())

	select {
	case err := <-h.finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn was not cancelled")
	}
}
