// Package models defines the core data structures for ScanPipe.
//
// It includes the request types accepted by the API, the inbound webhook event and
// the JSON envelope shared by every HTTP response.
package models

import (
	"errors"
	"strings"
)

// InboundEventType is the only webhook event type that carries a patient message.
const InboundEventType = "sms.inbound_sms"

// Validation constants for input validation
const (
	// MaxPatientNameLength defines the maximum allowed length for a patient display name
	MaxPatientNameLength = 100
	// MaxInboundTextLength defines the maximum accepted length of an inbound message body
	MaxInboundTextLength = 1600
)

// Error variables for better error handling and testability
var (
	ErrEmptyPhone         = errors.New("phone is required")
	ErrPatientNameTooLong = errors.New("name exceeds maximum length")
	ErrEmptyInboundSender = errors.New("from is required")
	ErrEmptyInboundText   = errors.New("text is required")
	ErrInboundTextTooLong = errors.New("text exceeds maximum length")
	ErrUnsupportedEvent   = errors.New("unsupported event type")
)

// ReminderRequest triggers the opening reminder for one patient.
type ReminderRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

// Validate trims the request and checks required fields.
func (r *ReminderRequest) Validate() error {
	r.Phone = strings.TrimSpace(r.Phone)
	r.Name = strings.TrimSpace(r.Name)
	if r.Phone == "" {
		return ErrEmptyPhone
	}
	if len(r.Name) > MaxPatientNameLength {
		return ErrPatientNameTooLong
	}
	return nil
}

// InboundEvent is the JSON payload posted by the messaging webhook.
type InboundEvent struct {
	ID    string `json:"id,omitempty"` // provider message id, used for redelivery dedup
	Event string `json:"event"`
	From  string `json:"from"`
	Text  string `json:"text"`
}

// IsInboundMessage reports whether the event carries a patient message.
func (e *InboundEvent) IsInboundMessage() bool {
	return e.Event == InboundEventType
}

// Validate trims the text and checks the fields the orchestrator needs.
func (e *InboundEvent) Validate() error {
	if !e.IsInboundMessage() {
		return ErrUnsupportedEvent
	}
	e.From = strings.TrimSpace(e.From)
	e.Text = strings.TrimSpace(e.Text)
	if e.From == "" {
		return ErrEmptyInboundSender
	}
	if e.Text == "" {
		return ErrEmptyInboundText
	}
	if len(e.Text) > MaxInboundTextLength {
		return ErrInboundTextTooLong
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
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
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
