// Package session keeps per-conversation state between turns: the
// conversation itself, the committed image states that rollback walks back
// through, and the user's stated preferences.
package session

import (
	"sync"
	"time"

	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// Defaults for Manager limits
const (
	DefaultMaxTurns       = 50
	DefaultMaxStates      = 10
	DefaultMaxPreferences = 20
)

// ImageState is one committed image
type ImageState struct {
	Handle    string
	ToolName  string // tool that produced it, empty for an uploaded image
	Image     *pixel.Buffer
	Analysis  *model.ImageAnalysis
	Committed time.Time
}

// Session is the state of one conversation. All methods are safe for
// concurrent use; distinct sessions never share a lock.
type Session struct {
	ID string

	mu             sync.Mutex
	turns          []model.ConversationTurn
	states         []ImageState
	preferences    []string
	lastAssistant  string
	maxTurns       int
	maxStates      int
	maxPreferences int
	touched        time.Time
}

// AddTurn appends a turn, dropping the oldest past the cap
func (s *Session) AddTurn(t model.ConversationTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	s.turns = append(s.turns, t)
	if over := len(s.turns) - s.maxTurns; over > 0 {
		s.turns = append([]model.ConversationTurn(nil), s.turns[over:]...)
	}
	if t.Role == model.RoleAssistant {
		s.lastAssistant = t.Text
	}
	s.touched = time.Now()
}

// Turns returns a copy of the stored conversation
func (s *Session) Turns() []model.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ConversationTurn(nil), s.turns...)
}

// LastAssistant is the text of the most recent assistant turn
func (s *Session) LastAssistant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAssistant
}

// Commit pushes a new current image. The oldest state is discarded once the
// stack is full, which bounds how far rollback can go.
func (s *Session) Commit(st ImageState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Committed.IsZero() {
		st.Committed = time.Now().UTC()
	}
	s.states = append(s.states, st)
	if over := len(s.states) - s.maxStates; over > 0 {
		s.states = append([]ImageState(nil), s.states[over:]...)
	}
	s.touched = time.Now()
}

// Current returns the newest committed image
func (s *Session) Current() (ImageState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return ImageState{}, false
	}
	return s.states[len(s.states)-1], true
}

// RollbackTarget returns the state Rollback would restore without changing
// anything
func (s *Session) RollbackTarget() (ImageState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.states)
	if n < 2 || s.states[n-1].ToolName == "" {
		return ImageState{}, false
	}
	return s.states[n-2], true
}

// Rollback discards the state produced by the last committed tool execution
// and returns the state before it. It fails when the current state was not
// produced by a tool or nothing precedes it.
func (s *Session) Rollback() (ImageState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.states)
	if n < 2 || s.states[n-1].ToolName == "" {
		return ImageState{}, false
	}
	s.states = s.states[:n-1]
	s.touched = time.Now()
	return s.states[n-2], true
}

// Depth is the number of committed states
func (s *Session) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// AddPreference stores a standing preference, ignoring exact repeats
func (s *Session) AddPreference(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.preferences {
		if existing == p {
			return
		}
	}
	s.preferences = append(s.preferences, p)
	if over := len(s.preferences) - s.maxPreferences; over > 0 {
		s.preferences = append([]string(nil), s.preferences[over:]...)
	}
}

// Preferences returns a copy of the stored preferences
func (s *Session) Preferences() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.preferences...)
}

func (s *Session) lastTouched() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

// Manager owns all sessions
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	maxTurns  int
	maxStates int
}

// NewManager creates a manager. Non-positive limits use the defaults.
func NewManager(maxTurns, maxStates int) *Manager {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if maxStates <= 0 {
		maxStates = DefaultMaxStates
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		maxTurns:  maxTurns,
		maxStates: maxStates,
	}
}

// Get returns the session for id, creating it on first use
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s = &Session{
		ID:             id,
		maxTurns:       m.maxTurns,
		maxStates:      m.maxStates,
		maxPreferences: DefaultMaxPreferences,
		touched:        time.Now(),
	}
	m.sessions[id] = s
	return s
}

// Len is the number of live sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Evict removes sessions idle for longer than idle and returns how many
func (m *Manager) Evict(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.lastTouched().Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}
