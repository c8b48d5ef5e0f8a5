// Package models defines the slot model shared by the conversation policy layer.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// StateType represents the slot-filling state of a reminder conversation.
type StateType string

const (
	StateNeedWhat        StateType = "NEED_WHAT"
	StateNeedWhen        StateType = "NEED_WHEN"
	StateReadyToCheck    StateType = "READY_TO_CHECK"
	StateNeedsFix        StateType = "NEEDS_FIX"
	StateReadyToSchedule StateType = "READY_TO_SCHEDULE"
	StateDone            StateType = "DONE"
)

// Slot defaults applied at session start.
const (
	DefaultPriority = "normal"
	DefaultChannel  = "default"
	// MaxAlternatives bounds Feasibility.Alternatives.
	MaxAlternatives = 3
)

// IsValidStateType checks if the given state is one of the known states.
func IsValidStateType(s StateType) bool {
	switch s {
	case StateNeedWhat, StateNeedWhen, StateReadyToCheck, StateNeedsFix, StateReadyToSchedule, StateDone:
		return true
	default:
		return false
	}
}

// IsPreFeasibility reports whether s may be written by slot extraction.
func IsPreFeasibility(s StateType) bool {
	switch s {
	case StateNeedWhat, StateNeedWhen, StateReadyToCheck:
		return true
	default:
		return false
	}
}

// ExactTime is an explicit clock time or window.
type ExactTime struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time,omitempty"`
}

// When holds the structured WHEN slot.
type When struct {
	InferredTime *string    `json:"inferred_time"`
	ExactTime    *ExactTime `json:"exact_time"`
}

// UnmarshalJSON accepts either the object form or a bare string, which is
// taken as the inferred time. Unknown fields are rejected.
func (w *When) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*w = When{InferredTime: &s}
		return nil
	}
	type plain When
	var p plain
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*w = When(p)
	return nil
}

// Inferred returns the trimmed inferred time, or "".
func (w *When) Inferred() string {
	if w == nil || w.InferredTime == nil {
		return ""
	}
	return strings.TrimSpace(*w.InferredTime)
}

// HasExact reports whether an exact start time is populated.
func (w *When) HasExact() bool {
	return w != nil && w.ExactTime != nil && strings.TrimSpace(w.ExactTime.StartTime) != ""
}

// Present reports whether WHEN counts as supplied.
func (w *When) Present() bool {
	return w.Inferred() != "" || w.HasExact()
}

// Equal compares two WHEN values by content.
func (w *When) Equal(o *When) bool {
	if !w.Present() && !o.Present() {
		return true
	}
	if w == nil || o == nil {
		return false
	}
	if w.Inferred() != o.Inferred() {
		return false
	}
	switch {
	case w.ExactTime == nil && o.ExactTime == nil:
		return true
	case w.ExactTime == nil || o.ExactTime == nil:
		return false
	default:
		return strings.TrimSpace(w.ExactTime.StartTime) == strings.TrimSpace(o.ExactTime.StartTime) &&
			strings.TrimSpace(w.ExactTime.EndTime) == strings.TrimSpace(o.ExactTime.EndTime)
	}
}

// Slots holds the reminder intent collected so far.
type Slots struct {
	What        *string        `json:"what"`
	When        *When          `json:"when"`
	Recurrence  *string        `json:"recurrence"`
	Constraints []string       `json:"constraints"`
	Priority    string         `json:"priority"`
	Channel     string         `json:"channel"`
	Metadata    map[string]any `json:"metadata"`
}

// WhatText returns the trimmed WHAT slot, or "".
func (s Slots) WhatText() string {
	if s.What == nil {
		return ""
	}
	return strings.TrimSpace(*s.What)
}

// RecurrenceText returns the trimmed recurrence label, or "".
func (s Slots) RecurrenceText() string {
	if s.Recurrence == nil {
		return ""
	}
	return strings.TrimSpace(*s.Recurrence)
}

// HasWhat reports whether WHAT is populated.
func (s Slots) HasWhat() bool { return s.WhatText() != "" }

// HasWhen reports whether WHEN is populated.
func (s Slots) HasWhen() bool { return s.When.Present() }

// Feasibility records the outcome of the last feasibility evaluation.
type Feasibility struct {
	LastCheckedAt *time.Time `json:"last_checked_at"`
	IsFeasible    *bool      `json:"is_feasible"`
	Issues        []string   `json:"issues"`
	Alternatives  []string   `json:"alternatives"`
}

// Known reports whether a feasibility verdict exists.
func (f Feasibility) Known() bool { return f.IsFeasible != nil }

// Feasible reports whether the verdict is a definite yes.
func (f Feasibility) Feasible() bool { return f.IsFeasible != nil && *f.IsFeasible }

// ConversationState is the mutable state of one reminder conversation.
type ConversationState struct {
	State       StateType   `json:"state"`
	Slots       Slots       `json:"slots"`
	Feasibility Feasibility `json:"feasibility"`
}

// NewConversationState returns the state of a freshly started session.
func NewConversationState() ConversationState {
	return ConversationState{
		State: StateNeedWhat,
		Slots: Slots{
			Constraints: []string{},
			Priority:    DefaultPriority,
			Channel:     DefaultChannel,
			Metadata:    map[string]any{},
		},
		Feasibility: Feasibility{
			Issues:       []string{},
			Alternatives: []string{},
		},
	}
}

// Clone returns a copy that shares no mutable memory with cs.
func (cs ConversationState) Clone() ConversationState {
	out := cs
	out.Slots.What = clonePtr(cs.Slots.What)
	out.Slots.Recurrence = clonePtr(cs.Slots.Recurrence)
	if cs.Slots.When != nil {
		w := When{InferredTime: clonePtr(cs.Slots.When.InferredTime)}
		if cs.Slots.When.ExactTime != nil {
			et := *cs.Slots.When.ExactTime
			w.ExactTime = &et
		}
		out.Slots.When = &w
	}
	out.Slots.Constraints = slices.Clone(cs.Slots.Constraints)
	out.Slots.Metadata = maps.Clone(cs.Slots.Metadata)
	out.Feasibility.LastCheckedAt = clonePtr(cs.Feasibility.LastCheckedAt)
	out.Feasibility.IsFeasible = clonePtr(cs.Feasibility.IsFeasible)
	out.Feasibility.Issues = slices.Clone(cs.Feasibility.Issues)
	out.Feasibility.Alternatives = slices.Clone(cs.Feasibility.Alternatives)
	return out
}

// Normalize fills defaults for fields a decoder may have left empty.
func (cs *ConversationState) Normalize() {
	if cs.Slots.Constraints == nil {
		cs.Slots.Constraints = []string{}
	}
	if strings.TrimSpace(cs.Slots.Priority) == "" {
		cs.Slots.Priority = DefaultPriority
	}
	if strings.TrimSpace(cs.Slots.Channel) == "" {
		cs.Slots.Channel = DefaultChannel
	}
	if cs.Slots.Metadata == nil {
		cs.Slots.Metadata = map[string]any{}
	}
	if cs.Feasibility.Issues == nil {
		cs.Feasibility.Issues = []string{}
	}
	if cs.Feasibility.Alternatives == nil {
		cs.Feasibility.Alternatives = []string{}
	}
}

// Validate checks the structural invariants of the state.
func (cs ConversationState) Validate() error {
	if !IsValidStateType(cs.State) {
		return fmt.Errorf("%w: invalid state %q", ErrSchemaValidation, cs.State)
	}
	if len(cs.Feasibility.Alternatives) > MaxAlternatives {
		return fmt.Errorf("%w: %d alternatives exceeds maximum of %d", ErrSchemaValidation, len(cs.Feasibility.Alternatives), MaxAlternatives)
	}
	if cs.State == StateDone && !cs.Feasibility.Feasible() {
		return fmt.Errorf("%w: DONE state requires a feasible reminder", ErrSchemaValidation)
	}
	if cs.Slots.When != nil && cs.Slots.When.ExactTime != nil &&
		strings.TrimSpace(cs.Slots.When.ExactTime.StartTime) == "" && strings.TrimSpace(cs.Slots.When.ExactTime.EndTime) != "" {
		return fmt.Errorf("%w: exact_time has end_time without start_time", ErrSchemaValidation)
	}
	return nil
}

// DecodeConversationState strictly decodes a JSON state document.
func DecodeConversationState(data []byte) (ConversationState, error) {
	var cs ConversationState
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cs); err != nil {
		return ConversationState{}, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if dec.More() {
		return ConversationState{}, fmt.Errorf("%w: trailing data after state object", ErrSchemaValidation)
	}
	cs.Normalize()
	if err := cs.Validate(); err != nil {
		return ConversationState{}, err
	}
	return cs, nil
}

// DecodeSlots strictly decodes a JSON slots document.
func DecodeSlots(data []byte) (Slots, error) {
	var s Slots
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Slots{}, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	cs := ConversationState{Slots: s}
	cs.Normalize()
	return cs.Slots, nil
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
