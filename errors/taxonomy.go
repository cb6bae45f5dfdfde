package errors

import (
	"errors"
	"fmt"
)

// The delivery-path taxonomy. Every client-visible failure maps to exactly one
// of these types, each carrying a stable code that appears in the error frame
// sent back to the client. Per-connection errors are isolated: none of these
// propagate across connections.

// Stable error codes carried in client-facing error frames.
const (
	CodeMalformedFrame    = "MALFORMED_FRAME"
	CodeUnknownType       = "UNKNOWN_TYPE"
	CodeInvalidInstrument = "INVALID_INSTRUMENT"
	CodeInvalidKind       = "INVALID_KIND"
	CodeInvalidParams     = "INVALID_PARAMS"
	CodeLimitExceeded     = "LIMIT_EXCEEDED"
	CodeUnknownInstrument = "UNKNOWN_INSTRUMENT"
	CodeUnknownSub        = "UNKNOWN_SUBSCRIPTION"
	CodeSlowConsumer      = "SLOW_CONSUMER"
	CodeTransportClosed   = "TRANSPORT_CLOSED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInternal          = "INTERNAL"
)

// ProtocolError indicates a malformed inbound frame. The frame is dropped,
// an error reply is sent, and the connection stays open.
type ProtocolError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error [%s]: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError creates a ProtocolError with the given code
func NewProtocolError(code, message string, err error) *ProtocolError {
	return &ProtocolError{Code: code, Message: message, Err: err}
}

// ValidationError indicates a well-formed but semantically invalid command.
// An error reply is sent and no state changes.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error [%s] %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("validation error [%s]: %s", e.Code, e.Message)
}

// NewValidationError creates a ValidationError for a specific field
func NewValidationError(code, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

// SubscriptionError indicates a subscribe/unsubscribe request the index rejected.
type SubscriptionError struct {
	Code    string
	Message string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription error [%s]: %s", e.Code, e.Message)
}

// NewSubscriptionError creates a SubscriptionError with the given code
func NewSubscriptionError(code, message string) *SubscriptionError {
	return &SubscriptionError{Code: code, Message: message}
}

// DeliveryReason identifies why delivery to a connection failed.
type DeliveryReason string

const (
	// ReasonSlowConsumer means the outbound queue stayed full past the policy limit
	ReasonSlowConsumer DeliveryReason = "slow_consumer"
	// ReasonTransportClosed means the underlying transport failed or closed
	ReasonTransportClosed DeliveryReason = "transport_closed"
)

// DeliveryError indicates delivery to one connection failed. The connection
// transitions to Draining/Closed; other connections are untouched.
type DeliveryError struct {
	Reason DeliveryReason
	ConnID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery error (%s) conn=%s: %v", e.Reason, e.ConnID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NewDeliveryError creates a DeliveryError for a connection
func NewDeliveryError(reason DeliveryReason, connID string, err error) *DeliveryError {
	return &DeliveryError{Reason: reason, ConnID: connID, Err: err}
}

// UpstreamError indicates a feed disconnect or malformed upstream event.
// The affected stream is marked stale until the feed recovers; the
// publisher keeps running.
type UpstreamError struct {
	Instrument string
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Instrument != "" {
		return fmt.Sprintf("upstream error (%s): %s", e.Instrument, e.Message)
	}
	return fmt.Sprintf("upstream error: %s", e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// NewUpstreamError creates an UpstreamError scoped to an instrument
func NewUpstreamError(instrument, message string, err error) *UpstreamError {
	return &UpstreamError{Instrument: instrument, Message: message, Err: err}
}

// ClientCode extracts the stable client-facing code from a taxonomy error.
// Unknown error types map to CodeInternal so clients always get a stable code.
func ClientCode(err error) string {
	if err == nil {
		return ""
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	var se *SubscriptionError
	if errors.As(err, &se) {
		return se.Code
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		switch de.Reason {
		case ReasonSlowConsumer:
			return CodeSlowConsumer
		case ReasonTransportClosed:
			return CodeTransportClosed
		}
	}
	return CodeInternal
}
