package wire

import "fmt"

// ErrorCode is the closed set of protocol error codes surfaced to
// clients in error frames.
type ErrorCode string

const (
	CodeAuthenticationFailed      ErrorCode = "AUTHENTICATION_FAILED"
	CodeAuthorizationFailed       ErrorCode = "AUTHORIZATION_FAILED"
	CodeChannelNotFound           ErrorCode = "CHANNEL_NOT_FOUND"
	CodeChannelAccessDenied       ErrorCode = "CHANNEL_ACCESS_DENIED"
	CodeRateLimitExceeded         ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInvalidMessageFormat      ErrorCode = "INVALID_MESSAGE_FORMAT"
	CodeConnectionLimitExceeded   ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
	CodeSubscriptionLimitExceeded ErrorCode = "SUBSCRIPTION_LIMIT_EXCEEDED"
	CodeInternalError             ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured protocol error. Components below the
// supervisor return these; the supervisor is the sole translator to
// client error frames.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a structured protocol error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the protocol code from an error, falling back to
// INTERNAL_ERROR for anything that is not a wire.Error.
func CodeOf(err error) ErrorCode {
	if we, ok := err.(*Error); ok {
		return we.Code
	}
	return CodeInternalError
}
