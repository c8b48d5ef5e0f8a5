// Package models defines the core data structures for ReminderPipe.
//
// It includes the conversation slot model, the compiled TriggerMachine record and
// the API response envelope, which are shared across modules.
package models

import "errors"

// Error variables for better error handling and testability
var (
	// ErrSchemaValidation marks malformed extraction output or a malformed TriggerMachine.
	ErrSchemaValidation = errors.New("schema validation failed")
	// ErrConversationDone is returned when a turn arrives after the conversation ended.
	ErrConversationDone = errors.New("conversation already ended")
	// ErrNotFeasible is returned when compilation is requested for a reminder that is not feasible.
	ErrNotFeasible = errors.New("reminder is not feasible")
	// ErrNotReady is returned when compilation is requested before the conversation ended.
	ErrNotReady               = errors.New("conversation is not finished")
	ErrSessionNotFound        = errors.New("session not found")
	ErrTriggerNotFound        = errors.New("trigger not found")
	ErrHomeNotFound           = errors.New("home not found")
	ErrCapabilityUnavailable  = errors.New("language capability unavailable")
	ErrInvalidRecurrence      = errors.New("invalid recurrence")
	ErrEmptySessionID         = errors.New("session id cannot be empty")
	ErrEmptyUserText          = errors.New("user_text is required")
	ErrInvalidHomeTriggerList = errors.New("invalid home trigger list")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusEnded indicates the conversation reached its terminal state.
	APIStatusEnded APIStatus = "ended"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result any) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Ended creates a response for a turn that terminated the conversation.
func Ended(message string, result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusEnded).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}
