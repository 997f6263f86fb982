// Package httpx defines the JSON response envelope and request decoding
// helpers shared by all HTTP modules. Every endpoint answers with the same
// shape: {"success": true, "data": ...} or
// {"success": false, "error": {"code": ..., "message": ...}}.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Envelope is the standard JSON response structure.
type Envelope struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail carries error information in an error envelope.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// HTTPError is an error carrying an HTTP status code and a stable error code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e HTTPError) Error() string { return e.Message }

// NewHTTPError creates a custom HTTP error.
func NewHTTPError(status int, code, message string) HTTPError {
	return HTTPError{Status: status, Code: code, Message: message}
}

var (
	ErrBadRequest      = HTTPError{Status: http.StatusBadRequest, Code: "bad_request", Message: "bad request"}
	ErrUnauthorized    = HTTPError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "authentication required"}
	ErrNotFound        = HTTPError{Status: http.StatusNotFound, Code: "not_found", Message: "resource not found"}
	ErrConflict        = HTTPError{Status: http.StatusConflict, Code: "conflict", Message: "resource already exists"}
	ErrUnprocessable   = HTTPError{Status: http.StatusUnprocessableEntity, Code: "validation_error", Message: "validation failed"}
	ErrBadGateway      = HTTPError{Status: http.StatusBadGateway, Code: "upstream_error", Message: "upstream service failed"}
	ErrInternal        = HTTPError{Status: http.StatusInternalServerError, Code: "internal_error", Message: "internal server error"}
	ErrTooManyRequests = HTTPError{Status: http.StatusTooManyRequests, Code: "too_many_requests", Message: "too many requests"}
)

// JSON writes a success envelope with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, Envelope{Success: true, Data: data})
}

// Error writes an error envelope. HTTPError values control the status code
// and error code; anything else is reported as an internal error without
// leaking the underlying message.
func Error(w http.ResponseWriter, err error) {
	var httpErr HTTPError
	if !errors.As(err, &httpErr) {
		httpErr = ErrInternal
	}
	writeEnvelope(w, httpErr.Status, Envelope{
		Success: false,
		Error:   &ErrorDetail{Code: httpErr.Code, Message: httpErr.Message},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// maxBodySize caps request bodies at 1MB; billing payloads are tiny.
const maxBodySize = 1 << 20

// Decode reads a JSON request body into dst, rejecting unknown fields and
// oversized bodies.
func Decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return NewHTTPError(http.StatusBadRequest, "bad_request", "malformed request body")
	}
	return nil
}
