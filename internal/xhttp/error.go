// Package xhttp carries the ambient HTTP concerns shared by the publish and
// registration handlers: a single reportable-error type and an HTTP
// transaction retry decorator.
package xhttp

import (
	"encoding/json"
	"net/http"
)

// Kind is the domain-neutral error taxonomy of the error handling design.
type Kind string

const (
	KindInvalidRequest  Kind = "InvalidRequest"
	KindUnauthorized    Kind = "Unauthorized"
	KindNotFound        Kind = "NotFound"
	KindPayloadTooLarge Kind = "PayloadTooLarge"
	KindRateLimited     Kind = "RateLimitedOrUpstreamBusy"
	KindUpstreamError   Kind = "UpstreamProviderError"
	KindGone            Kind = "Gone"
	KindInternalStorage Kind = "InternalStorage"
)

var kindStatus = map[Kind]int{
	KindInvalidRequest:  http.StatusBadRequest,
	KindUnauthorized:    http.StatusUnauthorized,
	KindNotFound:        http.StatusNotFound,
	KindPayloadTooLarge: http.StatusRequestEntityTooLarge,
	KindRateLimited:     http.StatusServiceUnavailable,
	KindUpstreamError:   http.StatusBadGateway,
	KindGone:            http.StatusGone,
	KindInternalStorage: http.StatusInternalServerError,
}

// Error is an HTTP-specific carrier of error information.  In addition to
// implementing error, this type implements go-kit's StatusCoder and
// Headerer, so it can be returned straight out of a go-kit endpoint and
// have the transport layer render it without any switch statement at the
// call site.
type Error struct {
	Kind    Kind
	Errno   int
	Message string
	Header  http.Header
	Tags    map[string]string
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) StatusCode() int {
	if code, ok := kindStatus[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func (e *Error) Headers() http.Header {
	return e.Header
}

// envelope is the fixed JSON error shape: {code, errno, error, message}.
type envelope struct {
	Code    int    `json:"code"`
	Errno   int    `json:"errno"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON renders err as the fixed JSON error envelope.  VAPID failures
// must never leak their underlying cryptographic reason, so callers that
// wrap a crypto error should pass a generic Message and keep the real cause
// only in e.cause for logging.
func WriteJSON(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	for k, vs := range err.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := err.StatusCode()
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Code:    status,
		Errno:   err.Errno,
		Error:   string(err.Kind),
		Message: err.Message,
	})
}
