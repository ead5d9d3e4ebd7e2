package models

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for control-plane operations. Callers match with
// errors.Is; transports translate these to and from wire codes.
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalid     = errors.New("invalid")
	ErrAuth        = errors.New("unauthorized")
	ErrUnavailable = errors.New("unavailable")
	ErrConflict    = errors.New("already exists")
	ErrServer      = errors.New("server error")
	ErrCancelled   = errors.New("cancelled")
)

// Wire codes for the error envelope.
const (
	CodeNotFound    = "not_found"
	CodeInvalid     = "invalid"
	CodeAuth        = "auth"
	CodeUnavailable = "unavailable"
	CodeConflict    = "conflict"
	CodeServer      = "server"
)

// APIError is the error object carried in an ErrorResponse.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the JSON error envelope returned by the control server.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// CodeFor maps an error kind to its wire code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	case errors.Is(err, ErrAuth):
		return CodeAuth
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodeServer
	}
}

// ErrorForCode maps a wire code back to an error kind, wrapping the
// server-provided message.
func ErrorForCode(code, message string) error {
	var kind error
	switch code {
	case CodeNotFound:
		kind = ErrNotFound
	case CodeInvalid:
		kind = ErrInvalid
	case CodeAuth:
		kind = ErrAuth
	case CodeUnavailable:
		kind = ErrUnavailable
	case CodeConflict:
		kind = ErrConflict
	default:
		kind = ErrServer
	}
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
