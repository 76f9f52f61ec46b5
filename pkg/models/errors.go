package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ErrorKind classifies failures surfaced in event error payloads.
type ErrorKind string

const (
	ErrorKindTemplate     ErrorKind = "template_error"
	ErrorKindValidation   ErrorKind = "validation_error"
	ErrorKindAuth         ErrorKind = "auth_error"
	ErrorKindTransport    ErrorKind = "transport_error"
	ErrorKindAction       ErrorKind = "action_error"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindCancelled    ErrorKind = "cancelled"
	ErrorKindLeaseExpired ErrorKind = "lease_expired"
	ErrorKindDeadLetter   ErrorKind = "dead_letter"
)

// StructuredError is the error shape attached to events and returned
// by the events API. Secret material must never appear in Message or
// SourceSystem.
type StructuredError struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	SourceSystem string    `json:"source_system,omitempty"`
	Retryable    bool      `json:"retryable"`
	AttemptCount int       `json:"attempt_count,omitempty"`
}

func (e *StructuredError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Value implements driver.Valuer for the nullable error JSONB column.
func (e *StructuredError) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner.
func (e *StructuredError) Scan(src any) error {
	if src == nil {
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StructuredError", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, e)
}

// NewError builds a StructuredError for the given kind and message.
func NewError(kind ErrorKind, message string) *StructuredError {
	return &StructuredError{Kind: kind, Message: message, Retryable: kind.DefaultRetryable()}
}

// DefaultRetryable reports whether the kind is retried by default
// (only transient transport failures and timeouts are).
func (k ErrorKind) DefaultRetryable() bool {
	return k == ErrorKindTransport || k == ErrorKindTimeout
}
