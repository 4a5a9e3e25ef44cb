// Package gwerrors defines the machine-readable error taxonomy shared by the
// WebSocket protocol, the HTTP surface, and the backend client.
package gwerrors

import (
	"errors"
	"fmt"
	"regexp"
)

// Code is a stable, programmatic error identifier sent to clients.
type Code string

const (
	CodeInvalidMessage      Code = "INVALID_MESSAGE"
	CodeInvalidGameType     Code = "INVALID_GAME_TYPE"
	CodeInvalidBet          Code = "INVALID_BET"
	CodeNoActiveGame        Code = "NO_ACTIVE_GAME"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeNotRegistered       Code = "NOT_REGISTERED"
	CodeBackendUnavailable  Code = "BACKEND_UNAVAILABLE"
	CodeTransactionRejected Code = "TRANSACTION_REJECTED"
	CodeNonceMismatch       Code = "NONCE_MISMATCH"
	CodeInternalError       Code = "INTERNAL_ERROR"
	CodeSessionExpired      Code = "SESSION_EXPIRED"
	CodeGameInProgress      Code = "GAME_IN_PROGRESS"
	CodeRegistrationFailed  Code = "REGISTRATION_FAILED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeOriginNotAllowed    Code = "CORS_ORIGIN_NOT_ALLOWED"
	CodeOriginRequired      Code = "CORS_ORIGIN_REQUIRED"
	CodeIPLimitExceeded     Code = "IP_LIMIT_EXCEEDED"
	CodeSessionCapReached   Code = "SESSION_CAP_REACHED"
)

// Error is a structured error carrying the wire code and optional
// client-facing hints. It is what every failed operation reduces to before
// being serialized into an error envelope.
type Error struct {
	Code       Code
	Message    string
	RetryAfter int // seconds; 0 means absent
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a wire error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a wire error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a wire code to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithRetryAfter returns a copy of e carrying a retry hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	dup := *e
	dup.RetryAfter = seconds
	return &dup
}

// As extracts a *Error from err, or wraps it as INTERNAL_ERROR so no raw
// error text structure leaks to clients unclassified.
func As(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Code: CodeInternalError, Message: "internal error", Err: err}
}

// Backend numeric rejection codes with fixed client-facing mappings. Unknown
// codes map to TRANSACTION_REJECTED with the backend message preserved.
var backendCodes = map[int]Code{
	3:  CodeInsufficientBalance,
	6:  CodeNoActiveGame,
	15: CodeSessionExpired,
}

// FromBackendCode maps a backend rejection (numeric code + message) to a wire
// error.
func FromBackendCode(code int, message string) *Error {
	if c, ok := backendCodes[code]; ok {
		return &Error{Code: c, Message: message}
	}
	if message == "" {
		message = fmt.Sprintf("transaction rejected (backend code %d)", code)
	}
	return &Error{Code: CodeTransactionRejected, Message: message}
}

var nonceMismatchRe = regexp.MustCompile(`(?i)invalid nonce|nonce mismatch|replay`)

// IsNonceMismatch reports whether a backend rejection message indicates the
// gateway's nonce view has diverged from the backend's.
func IsNonceMismatch(message string) bool {
	return nonceMismatchRe.MatchString(message)
}

// Problem is an RFC 7807 problem-details body used for handshake rejections.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Code   Code   `json:"code"`
}

// NewProblem builds a problem-details body for an HTTP rejection.
func NewProblem(status int, code Code, title, detail string) Problem {
	return Problem{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   code,
	}
}
