package chat

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	BadRequest   ErrorType = "bad_request"
	Unauthorized ErrorType = "unauthorized"
	Forbidden    ErrorType = "forbidden"
	NotFound     ErrorType = "not_found"
	RateLimit    ErrorType = "rate_limit"
	Offline      ErrorType = "offline"
)

type Surface string

const (
	SurfaceChat     Surface = "chat"
	SurfaceAPI      Surface = "api"
	SurfaceStream   Surface = "stream"
	SurfaceDatabase Surface = "database"
)

// Error is a classified failure with a fixed HTTP status and user-facing
// message. Cause is shown to the client except on the database surface.
type Error struct {
	Type    ErrorType
	Surface Surface
	Cause   string
	Err     error
}

func NewError(t ErrorType, s Surface, cause string) *Error {
	return &Error{Type: t, Surface: s, Cause: cause}
}

// DatabaseError wraps a storage failure; its details are only logged
func DatabaseError(err error) *Error {
	return &Error{Type: BadRequest, Surface: SurfaceDatabase, Err: err}
}

func (e *Error) Code() string {
	return string(e.Type) + ":" + string(e.Surface)
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code(), e.Err)
	case e.Cause != "":
		return e.Code() + ": " + e.Cause
	default:
		return e.Code()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) StatusCode() int {
	switch e.Type {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case RateLimit:
		return http.StatusTooManyRequests
	case Offline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message is the user-facing text for the error code
func (e *Error) Message() string {
	if e.Surface == SurfaceDatabase {
		return "An error occurred while executing a database query."
	}

	switch e.Code() {
	case "bad_request:api":
		return "The request couldn't be processed. Please check your input and try again."
	case "rate_limit:chat":
		return "You have exceeded your maximum number of messages for the day. Please try again later."
	case "not_found:chat":
		return "The requested chat was not found. Please check the chat ID and try again."
	case "forbidden:chat":
		return "This chat belongs to another user. Please check the chat ID and try again."
	case "unauthorized:chat":
		return "You need to sign in to view this chat. Please sign in and try again."
	case "offline:chat":
		return "We're having trouble sending your message. Please check your internet connection and try again."
	case "rate_limit:api":
		return "Too many requests. Please slow down and try again."
	case "not_found:stream":
		return "There is no stream to resume for this chat."
	default:
		return "Something went wrong. Please try again later."
	}
}

// Response is the JSON body of an error response
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

func (e *Error) Response() Response {
	resp := Response{Code: e.Code(), Message: e.Message()}
	if e.Surface != SurfaceDatabase {
		resp.Cause = e.Cause
	}
	return resp
}

// AsError classifies err. Anything outside the taxonomy becomes
// offline:chat; the second result reports whether that happened.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, false
	}
	return &Error{Type: Offline, Surface: SurfaceChat, Err: err}, true
}
