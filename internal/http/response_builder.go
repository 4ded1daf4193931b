// Package http provides the JSON API server and its handlers.
//
// This file implements a small builder for JSON responses and the mapping
// from ledger error kinds to HTTP status codes.

package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"presupuesto/internal/core"
	"presupuesto/internal/log"
)

// conflictRetryAfter is the Retry-After hint, in seconds, sent with 409.
const conflictRetryAfter = 1

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	payload    any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// JSON sets the value encoded as the response body.
func (b *JSONResponseBuilder) JSON(v any) *JSONResponseBuilder {
	b.payload = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	body, err := json.Marshal(b.payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"response encoding failed","kind":"internal"}`))
		return
	}
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// ErrorResponse creates an error response with the status derived from the
// error kind. Storage and unknown errors hide their detail from clients.
func ErrorResponse(err error) *JSONResponseBuilder {
	kind := core.Kind(err)
	b := NewJSONResponse()
	switch kind {
	case "validation":
		b.Status(http.StatusBadRequest)
	case "not_found":
		b.Status(http.StatusNotFound)
	case "conflict":
		b.Status(http.StatusConflict).Header("Retry-After", strconv.Itoa(conflictRetryAfter))
	default:
		return b.Status(http.StatusInternalServerError).
			JSON(errorBody{Error: "internal error", Kind: kind})
	}
	return b.JSON(errorBody{Error: err.Error(), Kind: kind})
}

// TooManyRequestsError creates a 429 response for the rate limiter.
func TooManyRequestsError(retryAfter int) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(http.StatusTooManyRequests).
		Header("Retry-After", strconv.Itoa(max(retryAfter, 1))).
		JSON(errorBody{Error: "rate limit exceeded", Kind: "rate_limited"})
}

// writeError logs err at a level matching its kind and writes the mapped
// response.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	logger := log.FromContext(r.Context())
	fields := log.NewFields().WithOperation(op).WithError(err).ToSlice()
	switch {
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrNotFound):
		logger.DebugContext(r.Context(), "Request rejected", fields...)
	case errors.Is(err, core.ErrConflict):
		logger.WarnContext(r.Context(), "Request conflicted", fields...)
	default:
		logger.ErrorContext(r.Context(), "Request failed", fields...)
	}
	ErrorResponse(err).Write(w)
}
