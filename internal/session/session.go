package session

import (
	"sync"
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single chat message
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session identifies a chat session
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
}

// History is the ordered log of exchanged turns for one session. The log is
// append-only while a session is live; context-window truncation is a
// read-time projection and never mutates the log. Safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	messages []Message
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds one turn to the end of the log.
func (h *History) Append(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// Replace swaps the whole log, used when history is reloaded from the
// gateway after a (re)connect.
func (h *History) Replace(messages []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append([]Message(nil), messages...)
}

// Messages returns a copy of the full log.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Message(nil), h.messages...)
}

// Window returns a copy of the last limit turns. A non-positive limit
// returns the full log.
func (h *History) Window(limit int) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit >= len(h.messages) {
		return append([]Message(nil), h.messages...)
	}
	return append([]Message(nil), h.messages[len(h.messages)-limit:]...)
}

// Len returns the number of turns in the log.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
