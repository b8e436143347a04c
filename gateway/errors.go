package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies every failure the gateway answers for itself.
type Kind int

const (
	Unauthenticated Kind = iota
	Forbidden
	ServiceUnavailable
	BadGateway
	NotFound
	ValidationError
	TooManyRequests
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "Unauthenticated"
	case Forbidden:
		return "Forbidden"
	case ServiceUnavailable:
		return "ServiceUnavailable"
	case BadGateway:
		return "BadGateway"
	case NotFound:
		return "NotFound"
	case ValidationError:
		return "ValidationError"
	case TooManyRequests:
		return "TooManyRequests"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Status is the HTTP status code a Kind is answered with.
func (k Kind) Status() int {
	switch k {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case BadGateway:
		return http.StatusBadGateway
	case NotFound:
		return http.StatusNotFound
	case ValidationError:
		return http.StatusBadRequest
	case TooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Kind    Kind
	Message string
	// Err is the underlying cause; it is logged but never sent to the caller.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf reports the Kind of err, or false if err is not a gateway error.
func KindOf(err error) (Kind, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return 0, false
}

// ErrorBody is the JSON envelope of every gateway-generated error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	var ge *Error
	if !errors.As(err, &ge) {
		ge = &Error{Kind: -1, Message: "internal error", Err: err}
	}
	typ := ge.Kind.String()
	if ge.Kind < 0 {
		typ = "Internal"
	}
	respJson(w, ErrorBody{Error: ErrorDetail{Type: typ, Message: ge.Message}}, ge.Kind.Status())
}

// respJson builds and writes a JSON response
func respJson(w http.ResponseWriter, content any, code int) {
	respBytes, err := json.Marshal(content)
	if err != nil {
		http.Error(w, "failed to marshal json", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(respBytes)
}
