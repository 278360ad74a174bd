package model

import "time"

// Intent categories.
const (
	IntentAppointmentBooking = "appointment_booking"
	IntentAppointmentModify  = "appointment_modify"
	IntentGeneralInfo        = "general_info"
	IntentMedicalEmergency   = "medical_emergency"
	IntentPreAdmission       = "pre_admission"
	IntentPostDischarge      = "post_discharge"
)

// Intents lists every recognized intent category.
var Intents = []string{
	IntentAppointmentBooking,
	IntentAppointmentModify,
	IntentGeneralInfo,
	IntentMedicalEmergency,
	IntentPreAdmission,
	IntentPostDischarge,
}

// IsIntent reports whether s is a recognized intent category.
func IsIntent(s string) bool {
	for _, i := range Intents {
		if i == s {
			return true
		}
	}
	return false
}

// Suggested actions.
const (
	ActionWaitForAgent          = "wait_for_agent_response"
	ActionContactSupport        = "contact_support"
	ActionRetry                 = "retry"
	ActionTryAgainLater         = "try_again_later"
	ActionEmergencyEscalation   = "emergency_escalation"
	ActionCallEmergencyServices = "call_emergency_services"
)

// Live event types.
const (
	EventFinalResponse     = "final_response"
	EventUnsolicitedUpdate = "unsolicited_update"
	EventTimeout           = "timeout"
)

// ChatRequest is the synchronous chat boundary input.
type ChatRequest struct {
	UserID    string         `json:"user_id"`
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Locale    string         `json:"locale,omitempty"`
}

// Reply is returned synchronously from a chat request and is also the data
// of every live event.
type Reply struct {
	Response             string   `json:"response"`
	SessionID            string   `json:"session_id"`
	Intent               string   `json:"intent"`
	RequiresHumanHandoff bool     `json:"requires_human_handoff"`
	SuggestedActions     []string `json:"suggested_actions"`
	CorrelationID        string   `json:"correlation_id,omitempty"`
}

// LiveEvent is pushed to a client over the live delivery channel.
type LiveEvent struct {
	Type      string  `json:"type"`
	Data      Reply   `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

// NewLiveEvent wraps data in a LiveEvent stamped with now.
func NewLiveEvent(typ string, data Reply, now time.Time) LiveEvent {
	return LiveEvent{Type: typ, Data: data, Timestamp: UnixSeconds(now)}
}
