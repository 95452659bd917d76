package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrChannelNotReady    = errors.New("channel not ready")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
)

// Error tags a cause with one of the sentinel kinds above. PublicMsg is safe to
// show to the caller; Err is for logs.
type Error struct {
	Kind      error
	PublicMsg string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.PublicMsg != "":
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.PublicMsg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	case e.PublicMsg != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.PublicMsg)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func Validation(msg string) error {
	return &Error{Kind: ErrValidation, PublicMsg: msg}
}

func InvalidTransition(format string, args ...any) error {
	return &Error{Kind: ErrInvalidTransition, Err: fmt.Errorf(format, args...)}
}

func GatewayUnavailable(op string, err error) error {
	return &Error{Kind: ErrGatewayUnavailable, PublicMsg: op, Err: err}
}

func ChannelNotReady() error {
	return &Error{Kind: ErrChannelNotReady, PublicMsg: "messaging channel is not connected"}
}

func Unauthorized() error {
	return &Error{Kind: ErrUnauthorized}
}

func NotFound(what string) error {
	return &Error{Kind: ErrNotFound, PublicMsg: what + " not found"}
}

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrGatewayUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrChannelNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text an operator or buyer may see. Validation and
// not-found messages are surfaced verbatim, transitions generically.
func PublicMessage(err error) string {
	var ae *Error
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "action not allowed in the current state"
	case errors.Is(err, ErrGatewayUnavailable):
		return "payment gateway is unavailable, try again"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &ae) && ae.PublicMsg != "":
		return ae.PublicMsg
	default:
		return "internal error"
	}
}
