package model

import (
	"math"
	"time"
)

// Envelope message types.
const (
	MessageTypeTaskRequest  = "TASK_REQUEST"
	MessageTypeTaskResponse = "TASK_RESPONSE"
)

// Result statuses.
const (
	ResultSuccess = "SUCCESS"
	ResultError   = "ERROR"
)

// TaskEnvelope is published to a request topic to hand work to an agent.
type TaskEnvelope struct {
	MessageType   string      `json:"message_type"`
	CorrelationID string      `json:"correlation_id"`
	TaskType      string      `json:"task_type"`
	Payload       TaskPayload `json:"payload"`
	Timestamp     float64     `json:"timestamp"`
}

// TaskPayload is the body of a TaskEnvelope.
type TaskPayload struct {
	Message             string         `json:"message"`
	SessionID           string         `json:"session_id"`
	UserContext         map[string]any `json:"user_context"`
	ConversationHistory []Message      `json:"conversation_history"`
	CorrelationID       string         `json:"correlation_id"`
}

// ResultEnvelope is published by an agent on a response topic.
type ResultEnvelope struct {
	MessageType   string      `json:"message_type"`
	CorrelationID string      `json:"correlation_id"`
	Status        string      `json:"status"`
	Result        AgentResult `json:"result"`
	Timestamp     float64     `json:"timestamp"`
}

// AgentResult is the body of a ResultEnvelope.
type AgentResult struct {
	Response             string         `json:"response"`
	Sources              []any          `json:"sources,omitempty"`
	RequiresHumanHandoff bool           `json:"requires_human_handoff"`
	SuggestedActions     []string       `json:"suggested_actions,omitempty"`
	SessionID            string         `json:"session_id,omitempty"`
	AgentContext         map[string]any `json:"agent_context,omitempty"`
	Error                string         `json:"error,omitempty"`
}

// NewTaskEnvelope builds a TASK_REQUEST envelope stamped with now.
func NewTaskEnvelope(correlationID, taskType string, payload TaskPayload, now time.Time) TaskEnvelope {
	return TaskEnvelope{
		MessageType:   MessageTypeTaskRequest,
		CorrelationID: correlationID,
		TaskType:      taskType,
		Payload:       payload,
		Timestamp:     UnixSeconds(now),
	}
}

// NewResultEnvelope builds a TASK_RESPONSE envelope stamped with now.
func NewResultEnvelope(correlationID, status string, result AgentResult, now time.Time) ResultEnvelope {
	return ResultEnvelope{
		MessageType:   MessageTypeTaskResponse,
		CorrelationID: correlationID,
		Status:        status,
		Result:        result,
		Timestamp:     UnixSeconds(now),
	}
}

// UnixSeconds converts t to fractional seconds since the Unix epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds is the inverse of UnixSeconds.
func FromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}
