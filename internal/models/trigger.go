package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// OccurrenceFrequency is the closed set of recurrence frequencies a TriggerMachine may carry.
type OccurrenceFrequency string

const (
	FrequencyOnce    OccurrenceFrequency = "once"
	FrequencyAlways  OccurrenceFrequency = "always"
	FrequencyDaily   OccurrenceFrequency = "daily"
	FrequencyWeekly  OccurrenceFrequency = "weekly"
	FrequencyMonthly OccurrenceFrequency = "monthly"
	FrequencyYearly  OccurrenceFrequency = "yearly"
)

// IsValidOccurrenceFrequency checks if f is part of the closed enum.
func IsValidOccurrenceFrequency(f OccurrenceFrequency) bool {
	switch f {
	case FrequencyOnce, FrequencyAlways, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	default:
		return false
	}
}

// Priority bounds for reminder actions.
const (
	MinPriority = 1
	MaxPriority = 5
)

var triggerIDPattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*_trigger_id_[1-9][0-9]*$`)

// RecurrenceDetails carries optional refinements of the frequency.
type RecurrenceDetails struct {
	Days     []string `json:"days,omitempty"`
	Interval int      `json:"interval,omitempty"`
}

// Recurrence describes how often a trigger may fire.
type Recurrence struct {
	Repeat              bool                `json:"repeat"`
	OccurrenceFrequency OccurrenceFrequency `json:"occurrence_frequency"`
	Details             *RecurrenceDetails  `json:"details,omitempty"`
}

// Validate rejects repeat/frequency combinations the rules engine cannot run.
func (r Recurrence) Validate() error {
	if !IsValidOccurrenceFrequency(r.OccurrenceFrequency) {
		return fmt.Errorf("%w: unknown occurrence_frequency %q", ErrInvalidRecurrence, r.OccurrenceFrequency)
	}
	if r.Repeat && r.OccurrenceFrequency == FrequencyOnce {
		return fmt.Errorf("%w: repeat=true with occurrence_frequency once", ErrInvalidRecurrence)
	}
	if !r.Repeat && r.OccurrenceFrequency != FrequencyOnce {
		return fmt.Errorf("%w: repeat=false requires occurrence_frequency once, got %q", ErrInvalidRecurrence, r.OccurrenceFrequency)
	}
	if r.Details != nil && r.Details.Interval < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidRecurrence)
	}
	return nil
}

// TriggerCondition holds the trigger predicate and its recurrence.
type TriggerCondition struct {
	GeneratedTriggerCode string     `json:"generated_trigger_code"`
	Recurrence           Recurrence `json:"recurrence"`
}

// CancelCondition holds the cancel predicate.
type CancelCondition struct {
	Delay               int    `json:"delay"`
	GeneratedCancelCode string `json:"generated_cancel_code"`
}

// ActionType discriminates the action variants.
type ActionType string

const (
	ActionTypeReminder     ActionType = "reminder"
	ActionTypeBroadcast    ActionType = "broadcast"
	ActionTypeConversation ActionType = "conversation"
)

// Action is the closed sum of ReminderAction, BroadcastAction and ConversationAction.
type Action interface {
	Type() ActionType
	validate() error
}

// ReminderAction notifies the resident.
type ReminderAction struct {
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	Priority     int     `json:"priority"`
	CancelSignal bool    `json:"cancel_signal"`
	DeviceID     *string `json:"device_id,omitempty"`
}

func (ReminderAction) Type() ActionType { return ActionTypeReminder }

func (a ReminderAction) validate() error {
	if strings.TrimSpace(a.Title) == "" || strings.TrimSpace(a.Content) == "" {
		return fmt.Errorf("%w: reminder action requires title and content", ErrSchemaValidation)
	}
	if a.Priority < MinPriority || a.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside %d-%d", ErrSchemaValidation, a.Priority, MinPriority, MaxPriority)
	}
	return nil
}

// BroadcastAction publishes an event to a home location.
type BroadcastAction struct {
	Location  string         `json:"location"`
	EventName string         `json:"eventName"`
	TopicName string         `json:"topicName"`
	Payload   map[string]any `json:"payload"`
}

func (BroadcastAction) Type() ActionType { return ActionTypeBroadcast }

func (a BroadcastAction) validate() error {
	if a.Location == "" || a.EventName == "" || a.TopicName == "" {
		return fmt.Errorf("%w: broadcast action requires location, eventName and topicName", ErrSchemaValidation)
	}
	if a.Payload == nil {
		return fmt.Errorf("%w: broadcast action requires a payload", ErrSchemaValidation)
	}
	return nil
}

// ConversationAction opens a conversation with the resident.
type ConversationAction struct {
	Message     string `json:"message"`
	Explanation string `json:"explanation"`
}

func (ConversationAction) Type() ActionType { return ActionTypeConversation }

func (a ConversationAction) validate() error {
	if strings.TrimSpace(a.Message) == "" {
		return fmt.Errorf("%w: conversation action requires a message", ErrSchemaValidation)
	}
	return nil
}

// ActionList serializes the tagged action variants.
type ActionList []Action

type reminderWire struct {
	Type ActionType `json:"type"`
	ReminderAction
}

type broadcastWire struct {
	Type ActionType `json:"type"`
	BroadcastAction
}

type conversationWire struct {
	Type ActionType `json:"type"`
	ConversationAction
}

// MarshalJSON writes each action with its type discriminator.
func (l ActionList) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(l))
	for i, a := range l {
		switch v := a.(type) {
		case ReminderAction:
			out = append(out, reminderWire{Type: ActionTypeReminder, ReminderAction: v})
		case BroadcastAction:
			out = append(out, broadcastWire{Type: ActionTypeBroadcast, BroadcastAction: v})
		case ConversationAction:
			out = append(out, conversationWire{Type: ActionTypeConversation, ConversationAction: v})
		default:
			return nil, fmt.Errorf("%w: action %d has unsupported type %T", ErrSchemaValidation, i, a)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes each action by its type discriminator, rejecting unknown fields.
func (l *ActionList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(ActionList, 0, len(raws))
	for i, raw := range raws {
		var head struct {
			Type ActionType `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		switch head.Type {
		case ActionTypeReminder:
			var w reminderWire
			if err := strictUnmarshal(raw, &w); err != nil {
				return fmt.Errorf("action %d: %w", i, err)
			}
			out = append(out, w.ReminderAction)
		case ActionTypeBroadcast:
			var w broadcastWire
			if err := strictUnmarshal(raw, &w); err != nil {
				return fmt.Errorf("action %d: %w", i, err)
			}
			out = append(out, w.BroadcastAction)
		case ActionTypeConversation:
			var w conversationWire
			if err := strictUnmarshal(raw, &w); err != nil {
				return fmt.Errorf("action %d: %w", i, err)
			}
			out = append(out, w.ConversationAction)
		default:
			return fmt.Errorf("action %d: unknown action type %q", i, head.Type)
		}
	}
	*l = out
	return nil
}

// ConversationTurn is one transcript line kept as provenance.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConstructionInfo records how a TriggerMachine was built.
type ConstructionInfo struct {
	Conversations []ConversationTurn `json:"conversations"`
	Summary       string             `json:"summary"`
	AnalysisData  map[string]any     `json:"analysis_data,omitempty"`
}

// TriggerMachine is the compiled, schema-valid reminder definition.
type TriggerMachine struct {
	TriggerID        string            `json:"TriggerId"`
	TriggerName      string            `json:"TriggerName"`
	TriggerCondition TriggerCondition  `json:"trigger_condition"`
	CancelCondition  CancelCondition   `json:"cancel_condition"`
	Actions          ActionList        `json:"actions"`
	ConstructionInfo *ConstructionInfo `json:"construction_info,omitempty"`
}

// Validate checks the invariants the JSON schema cannot express.
func (m TriggerMachine) Validate() error {
	if !triggerIDPattern.MatchString(m.TriggerID) {
		return fmt.Errorf("%w: malformed TriggerId %q", ErrSchemaValidation, m.TriggerID)
	}
	if strings.TrimSpace(m.TriggerName) == "" {
		return fmt.Errorf("%w: TriggerName is required", ErrSchemaValidation)
	}
	if strings.TrimSpace(m.TriggerCondition.GeneratedTriggerCode) == "" {
		return fmt.Errorf("%w: generated_trigger_code is required", ErrSchemaValidation)
	}
	if err := m.TriggerCondition.Recurrence.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if m.CancelCondition.Delay < 0 {
		return fmt.Errorf("%w: cancel delay must be non-negative", ErrSchemaValidation)
	}
	if strings.TrimSpace(m.CancelCondition.GeneratedCancelCode) == "" {
		return fmt.Errorf("%w: generated_cancel_code is required", ErrSchemaValidation)
	}
	if len(m.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrSchemaValidation)
	}
	for i, a := range m.Actions {
		if a == nil {
			return fmt.Errorf("%w: action %d is nil", ErrSchemaValidation, i)
		}
		if err := a.validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// DecodeTriggerMachine strictly decodes and validates a TriggerMachine document.
func DecodeTriggerMachine(data []byte) (TriggerMachine, error) {
	var m TriggerMachine
	if err := strictUnmarshal(data, &m); err != nil {
		return TriggerMachine{}, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if err := m.Validate(); err != nil {
		return TriggerMachine{}, err
	}
	return m, nil
}

// HomeTriggerList bundles the trigger machines installed in one home.
type HomeTriggerList struct {
	HomeID              string           `json:"home_id"`
	HomeName            string           `json:"home_name"`
	PrintDebugInfo      bool             `json:"print_debug_info"`
	NewDayStartTime     string           `json:"new_day_start_time"`
	TimeBetweenTriggers int              `json:"time_between_triggers"`
	TriggerMachines     []TriggerMachine `json:"TriggerMachines"`
}

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9](:[0-5][0-9])?$`)

// Validate checks the bundle and every machine in it.
func (h HomeTriggerList) Validate() error {
	if strings.TrimSpace(h.HomeID) == "" {
		return fmt.Errorf("%w: home_id is required", ErrInvalidHomeTriggerList)
	}
	if !clockPattern.MatchString(h.NewDayStartTime) {
		return fmt.Errorf("%w: new_day_start_time %q is not HH:MM", ErrInvalidHomeTriggerList, h.NewDayStartTime)
	}
	if h.TimeBetweenTriggers < 0 {
		return fmt.Errorf("%w: time_between_triggers must be non-negative", ErrInvalidHomeTriggerList)
	}
	seen := make(map[string]bool, len(h.TriggerMachines))
	for _, m := range h.TriggerMachines {
		if seen[m.TriggerID] {
			return fmt.Errorf("%w: duplicate TriggerId %q", ErrInvalidHomeTriggerList, m.TriggerID)
		}
		seen[m.TriggerID] = true
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidHomeTriggerList, err)
		}
	}
	return nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}
