package midipe

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-midipe/internal/transaction"
)

// Error represents a structured property exchange error with context
type Error struct {
	Op        string    // Operation that failed (e.g., "GET_PROPERTY", "BEGIN")
	RequestID int       // Request ID (-1 if not applicable)
	MUID      MUID      // Destination MUID (0 if not applicable)
	Code      ErrorCode // High-level error category
	Status    int       // PE status code from the device (0 if not applicable)
	Msg       string    // Human-readable message
	Inner     error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.RequestID >= 0 {
		parts = append(parts, fmt.Sprintf("request=%d", e.RequestID))
	}
	if e.MUID != 0 {
		parts = append(parts, fmt.Sprintf("muid=%07X", uint32(e.MUID)))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("midipe: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("midipe: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches two structured errors by category, so
// errors.Is(err, ErrTimeout) works regardless of context fields.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeExhausted        ErrorCode = "request IDs exhausted"
	ErrCodeProtocol         ErrorCode = "protocol error"
	ErrCodeTimeout          ErrorCode = "timeout"
	ErrCodeCancelled        ErrorCode = "cancelled"
	ErrCodeUnknownRequest   ErrorCode = "unknown request"
	ErrCodeMalformedMessage ErrorCode = "malformed message"
	ErrCodeTransportClosed  ErrorCode = "transport closed"
	ErrCodeInvalidParams    ErrorCode = "invalid parameters"
)

// Category sentinels for errors.Is
var (
	ErrExhausted       = &Error{RequestID: -1, Code: ErrCodeExhausted}
	ErrTimeout         = &Error{RequestID: -1, Code: ErrCodeTimeout}
	ErrCancelled       = &Error{RequestID: -1, Code: ErrCodeCancelled}
	ErrProtocol        = &Error{RequestID: -1, Code: ErrCodeProtocol}
	ErrTransportClosed = &Error{RequestID: -1, Code: ErrCodeTransportClosed}
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:        op,
		RequestID: -1,
		Code:      code,
		Msg:       msg,
	}
}

// NewRequestError creates an error tied to a specific transaction
func NewRequestError(op string, requestID uint8, muid MUID, code ErrorCode, msg string) *Error {
	return &Error{
		Op:        op,
		RequestID: int(requestID),
		MUID:      muid,
		Code:      code,
		Msg:       msg,
	}
}

// NewStatusError creates an error from a device-reported PE status
func NewStatusError(op string, requestID uint8, muid MUID, status int, msg string) *Error {
	if msg == "" {
		msg = fmt.Sprintf("device replied with status %d", status)
	}
	return &Error{
		Op:        op,
		RequestID: int(requestID),
		MUID:      muid,
		Code:      ErrCodeProtocol,
		Status:    status,
		Msg:       msg,
	}
}

// WrapError wraps an existing error with property exchange context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if pe, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			RequestID: pe.RequestID,
			MUID:      pe.MUID,
			Code:      pe.Code,
			Status:    pe.Status,
			Msg:       pe.Msg,
			Inner:     pe.Inner,
		}
	}

	code := ErrCodeProtocol
	if errors.Is(inner, transaction.ErrRequestIDsExhausted) {
		code = ErrCodeExhausted
	}
	return &Error{
		Op:        op,
		RequestID: -1,
		Code:      code,
		Msg:       inner.Error(),
		Inner:     inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsStatus checks if an error carries a specific device status
func IsStatus(err error, status int) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status == status
	}
	return false
}
