// ABOUTME: Schema errors returned when an inbound envelope fails validation
// ABOUTME: PayloadError names the offending field and matches ErrMalformedPayload

package a2a

import (
	"errors"
	"fmt"
)

// ErrUnknownMessageKind is returned when an envelope's type is not recognized.
var ErrUnknownMessageKind = errors.New("unknown message kind")

// ErrMalformedPayload is returned when a required field is missing or has the wrong type.
var ErrMalformedPayload = errors.New("malformed payload")

// PayloadError describes a schema violation in a specific field.
type PayloadError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *PayloadError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("malformed envelope: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed %s payload: %s %s", e.Kind, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformedPayload.
func (e *PayloadError) Unwrap() error {
	return ErrMalformedPayload
}

func missing(kind Kind, field string) *PayloadError {
	return &PayloadError{Kind: kind, Field: field, Reason: "is required"}
}

func invalid(kind Kind, field, reason string) *PayloadError {
	return &PayloadError{Kind: kind, Field: field, Reason: reason}
}

func unknownKind(kind Kind) error {
	return fmt.Errorf("%w: %q", ErrUnknownMessageKind, string(kind))
}
