// Package session tracks per-conversation state for the orchestrator:
// chat history, free-form context and the images surfaced by the most
// recent reply.
package session

import (
	"sync"
	"time"
)

// DefaultSessionID is used when a request carries no conversation id.
const DefaultSessionID = "default_session"

// EventPointCloudCompleted is appended to a session's history when a
// background point-cloud generation finishes.
const EventPointCloudCompleted = "pointcloud_completed"

// Message is one history entry. System entries carry an Event so
// clients can poll for background-task completions.
type Message struct {
	Role      string            `json:"role"` // "user" | "assistant" | "system"
	Content   string            `json:"content"`
	Event     string            `json:"event,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Session is one conversation. All mutation goes through methods that
// take the session's own lock, so the request handler and background
// monitors can append concurrently with preserved order.
type Session struct {
	ID string

	mu         sync.Mutex
	history    []Message
	context    map[string]string
	lastImages []string
	updatedAt  time.Time
}

func newSession(id string) *Session {
	return &Session{
		ID:        id,
		context:   make(map[string]string),
		updatedAt: time.Now(),
	}
}

// Append adds a message to the history.
func (s *Session) Append(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
	s.updatedAt = time.Now()
}

// AppendTurn records a user/assistant exchange in order.
func (s *Session) AppendTurn(userText, assistantText string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		Message{Role: "user", Content: userText, Timestamp: now},
		Message{Role: "assistant", Content: assistantText, Timestamp: now},
	)
	s.updatedAt = now
}

// AppendEvent records a system event entry.
func (s *Session) AppendEvent(event, content string, data map[string]string) {
	s.Append(Message{Role: "system", Content: content, Event: event, Data: data})
}

// History returns a copy of the history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Events returns the system entries carrying an event, in order.
func (s *Session) Events() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.history {
		if m.Role == "system" && m.Event != "" {
			out = append(out, m)
		}
	}
	return out
}

// SetContext stores a context value.
func (s *Session) SetContext(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context[key] = value
	s.updatedAt = time.Now()
}

// Context returns a context value.
func (s *Session) Context(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.context[key]
	return v, ok
}

// SetLastImages replaces the images surfaced by the latest reply.
func (s *Session) SetLastImages(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastImages = append([]string(nil), ids...)
	s.updatedAt = time.Now()
}

// ClearLastImages resets the last-images list; called at the start of
// every orchestrator turn.
func (s *Session) ClearLastImages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastImages = nil
}

// LastImages returns the images surfaced by the latest reply.
func (s *Session) LastImages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastImages...)
}

// UpdatedAt reports the last mutation time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}
