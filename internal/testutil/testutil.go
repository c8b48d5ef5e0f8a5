// Package testutil provides deterministic capabilities and HTTP helpers for
// ReminderPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/codegen"
	"github.com/BTreeMap/ReminderPipe/internal/flow"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// StubLanguage is a flow.LanguageCapability that replays scripted slot
// extractions, one per call. With no script left it keeps the current slots.
// Replies are fixed per state.
type StubLanguage struct {
	mu          sync.Mutex
	Extractions []models.Slots
	// Err, when set, is returned by every call.
	Err          error
	ExtractCalls int
	ReplyCalls   int
}

var _ flow.LanguageCapability = (*StubLanguage)(nil)

// NewStubLanguage scripts the given extractions.
func NewStubLanguage(extractions ...models.Slots) *StubLanguage {
	return &StubLanguage{Extractions: extractions}
}

func (s *StubLanguage) ExtractSlots(_ context.Context, _ []models.ConversationMessage, current models.ConversationState) (models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExtractCalls++
	if s.Err != nil {
		return models.ConversationState{}, s.Err
	}
	next := current.Clone()
	if len(s.Extractions) > 0 {
		next.Slots = s.Extractions[0]
		s.Extractions = s.Extractions[1:]
	}
	return next, nil
}

func (s *StubLanguage) GenerateReply(_ context.Context, _ []models.ConversationMessage, current models.ConversationState) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReplyCalls++
	if s.Err != nil {
		return "", s.Err
	}
	switch current.State {
	case models.StateNeedWhat:
		return "What would you like to be reminded about?", nil
	case models.StateNeedWhen:
		return "When should I remind you?", nil
	default:
		return "I can't detect that. Could you pick another cue?", nil
	}
}

// StubSynthesizer returns fixed code, or Err.
type StubSynthesizer struct {
	mu    sync.Mutex
	Code  codegen.GeneratedCode
	Err   error
	Calls int
}

var _ codegen.Synthesizer = (*StubSynthesizer)(nil)

func (s *StubSynthesizer) Synthesize(context.Context, models.ConversationState) (codegen.GeneratedCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	return s.Code, s.Err
}

// SlotsAt returns slots with a WHAT and an exact clock time.
func SlotsAt(what, clock string) models.Slots {
	s := models.NewConversationState().Slots
	s.What = models.StringPtr(what)
	s.When = &models.When{ExactTime: &models.ExactTime{StartTime: clock, EndTime: clock}}
	return s
}

// DoneSession returns a finished, feasible session for slots.
func DoneSession(id string, slots models.Slots, now time.Time) *models.Session {
	sess := models.NewSession(id, now)
	sess.State.Slots = slots
	sess.State.Normalize()
	at := now.UTC()
	sess.State.Feasibility = models.Feasibility{LastCheckedAt: &at, IsFeasible: models.BoolPtr(true), Issues: []string{}, Alternatives: []string{}}
	sess.State.State = models.StateDone
	return sess
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
