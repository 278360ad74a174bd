package model

import "time"

// MaxHistory is the maximum number of messages retained in a session's
// conversation history. Older messages are dropped first.
const MaxHistory = 50

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message status values carried in Message.Metadata["status"].
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Metadata keys.
const (
	MetaCorrelationID = "correlation_id"
	MetaStatus        = "status"
	MetaIntent        = "intent"
	MetaCompletedAt   = "completed_at"
)

// WorkflowInitial is the workflow state of a freshly created session.
const WorkflowInitial = "initial"

// Message is a single entry in a session's conversation history.
type Message struct {
	Timestamp time.Time      `json:"timestamp"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CorrelationID returns the correlation id carried in the message metadata,
// or "" if there is none.
func (m Message) CorrelationID() string {
	s, _ := m.Metadata[MetaCorrelationID].(string)
	return s
}

// Status returns the status carried in the message metadata.
func (m Message) Status() string {
	s, _ := m.Metadata[MetaStatus].(string)
	return s
}

// Session is the conversation state kept for a single user conversation.
type Session struct {
	ID                  string         `json:"session_id"`
	UserID              string         `json:"user_id"`
	CreatedAt           time.Time      `json:"created_at"`
	LastActivity        time.Time      `json:"last_activity"`
	ConversationHistory []Message      `json:"conversation_history"`
	Context             map[string]any `json:"context"`
	CurrentIntent       string         `json:"current_intent,omitempty"`
	WorkflowState       string         `json:"workflow_state"`
	Version             int64          `json:"version"`
}

// Append adds msg to the history, dropping the oldest entries so that at
// most MaxHistory remain.
func (s *Session) Append(msg Message) {
	s.ConversationHistory = append(s.ConversationHistory, msg)
	if n := len(s.ConversationHistory); n > MaxHistory {
		trimmed := make([]Message, MaxHistory)
		copy(trimmed, s.ConversationHistory[n-MaxHistory:])
		s.ConversationHistory = trimmed
	}
}

// Recent returns up to n of the most recent messages, oldest first.
func (s *Session) Recent(n int) []Message {
	h := s.ConversationHistory
	if n <= 0 {
		return nil
	}
	if len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]Message, len(h))
	copy(out, h)
	return out
}

// ContextCopy returns a shallow copy of the session context.
func (s *Session) ContextCopy() map[string]any {
	out := make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		out[k] = v
	}
	return out
}
