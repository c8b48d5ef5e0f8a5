package models

import (
	"slices"
	"strings"
	"time"
)

// Message roles used in the conversation transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MaxHistoryLength bounds the transcript kept in a session.
const MaxHistoryLength = 50

// ConversationMessage represents a single message in the conversation history.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a conversation session: its slot state and working transcript.
// A session is owned by whoever holds its lock for the current turn.
type Session struct {
	ID        string                `json:"id"`
	State     ConversationState     `json:"state"`
	History   []ConversationMessage `json:"history"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// NewSession creates a session in its start state.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		State:     NewConversationState(),
		History:   []ConversationMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	out.State = s.State.Clone()
	out.History = slices.Clone(s.History)
	return &out
}

// Validate checks the session before it is persisted.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return ErrEmptySessionID
	}
	return s.State.Validate()
}

// AppendMessage adds a message and trims the transcript to MaxHistoryLength.
func (s *Session) AppendMessage(role, content string, at time.Time) {
	s.History = append(s.History, ConversationMessage{Role: role, Content: content, Timestamp: at})
	if len(s.History) > MaxHistoryLength {
		s.History = s.History[len(s.History)-MaxHistoryLength:]
	}
}
