package intent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/seantiz/concierge/internal/llm"
	"github.com/seantiz/concierge/internal/model"
	"github.com/seantiz/concierge/internal/prompt"
)

func newTestClassifier(primary, secondary llm.Provider) *Classifier {
	return New(primary, secondary, prompt.Default(), slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestMatchRules(t *testing.T) {
	c := newTestClassifier(nil, nil)
	tests := []struct {
		msg  string
		want string
	}{
		{"I'd like to book a checkup", model.IntentAppointmentBooking},
		{"Can I see a doctor tomorrow?", model.IntentAppointmentBooking},
		{"Please cancel my visit", model.IntentAppointmentModify},
		{"What time do you open", model.IntentGeneralInfo},
		{"I have chest pain", model.IntentMedicalEmergency},
		{"What should I do about chest pain?", model.IntentMedicalEmergency},
		{"Book me in, I have chest pain", model.IntentMedicalEmergency},
		{"This is an EMERGENCY", model.IntentMedicalEmergency},
		{"I'm bleeding", model.IntentMedicalEmergency},
		{"Surgery prep list please", model.IntentPreAdmission},
		{"my medication after discharge", model.IntentPostDischarge},
	}
	for _, tt := range tests {
		got, ok := c.Match(tt.msg)
		if !ok || got != tt.want {
			t.Errorf("Match(%q) = %q, %v; want %q", tt.msg, got, ok, tt.want)
		}
	}
}

func TestMatchNone(t *testing.T) {
	c := newTestClassifier(nil, nil)
	if got, ok := c.Match("Thanks a lot!"); ok {
		t.Errorf("Match = %q, want no match", got)
	}
}

// A message containing "book" and neither "cancel" nor "reschedule" is a
// booking regardless of other words.
func TestBookAlwaysBooking(t *testing.T) {
	c := newTestClassifier(nil, nil)
	for _, msg := range []string{
		"book",
		"BOOK an appointment, what times?",
		"how do I book with the surgery team",
		"book my follow-up medication review",
		"please change nothing, just book",
	} {
		if got, _ := c.Match(msg); got != model.IntentAppointmentBooking {
			t.Errorf("Match(%q) = %q, want appointment_booking", msg, got)
		}
	}
}

func TestClassifyRuleSkipsLLM(t *testing.T) {
	primary := llm.NewMock("primary", "general_info")
	c := newTestClassifier(primary, nil)

	res := c.Classify(context.Background(), "sudden chest pain", nil, "en")
	if res.Intent != model.IntentMedicalEmergency || res.Source != SourceRule {
		t.Errorf("Classify = %+v", res)
	}
	if n := len(primary.Calls()); n != 0 {
		t.Errorf("primary called %d times, want 0", n)
	}
}

func TestClassifyUsesPrimary(t *testing.T) {
	primary := llm.NewMock("primary", " Pre_Admission.\n")
	secondary := llm.NewMock("secondary", "general_info")
	c := newTestClassifier(primary, secondary)

	sess := &model.Session{Context: map[string]any{"ward": "3"}}
	for i := 0; i < 8; i++ {
		sess.Append(model.Message{Role: model.RoleUser, Content: "turn"})
	}

	res := c.Classify(context.Background(), "Thanks, anything else?", sess, "en")
	if res.Intent != model.IntentPreAdmission || res.Source != SourcePrimary {
		t.Errorf("Classify = %+v", res)
	}
	if len(secondary.Calls()) != 0 {
		t.Error("secondary should not be called")
	}

	calls := primary.Calls()
	if len(calls) != 1 {
		t.Fatalf("primary calls = %d, want 1", len(calls))
	}
	req := calls[0]
	if req.MaxTokens != 50 || req.Temperature != 0.1 {
		t.Errorf("request params = %d/%v", req.MaxTokens, req.Temperature)
	}
	if !strings.Contains(req.System, "intent classifier") {
		t.Errorf("system prompt = %q", req.System)
	}
	if got := strings.Count(req.Prompt, "user: turn"); got != 5 {
		t.Errorf("prompt carries %d history turns, want 5", got)
	}
}

func TestClassifyFallsBackToSecondary(t *testing.T) {
	primary := &llm.Mock{ID: "primary", Err: errors.New("unavailable")}
	secondary := llm.NewMock("secondary", "post_discharge")
	c := newTestClassifier(primary, secondary)

	res := c.Classify(context.Background(), "Thanks!", nil, "en")
	if res.Intent != model.IntentPostDischarge || res.Source != SourceFallback {
		t.Errorf("Classify = %+v", res)
	}
}

func TestClassifyDefaults(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		primary   llm.Provider
		secondary llm.Provider
	}{
		{"both fail", &llm.Mock{ID: "p", Err: boom}, &llm.Mock{ID: "s", Err: boom}},
		{"unknown label", llm.NewMock("p", "weather_report"), llm.NewMock("s", "pre_admission")},
		{"no providers", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClassifier(tt.primary, tt.secondary)
			res := c.Classify(context.Background(), "Thanks!", nil, "en")
			if res.Intent != model.IntentGeneralInfo || res.Source != SourceDefault {
				t.Errorf("Classify = %+v, want general_info/default", res)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"general_info":           "general_info",
		" `Appointment_Modify` ": "appointment_modify",
		"pre_admission\nbecause": "pre_admission",
		"\"post_discharge\".":    "post_discharge",
	}
	for in, want := range tests {
		if got := normalize(in); got != want {
			t.Errorf("normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
