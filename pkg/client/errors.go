package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Sternrassler/docsync-client/pkg/fault"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInvalidMethod is returned for methods other than GET, POST, PUT and
	// DELETE.
	ErrInvalidMethod = errors.New("invalid method")
)

// errorBody is the optional JSON body of a non-2xx response.
type errorBody struct {
	Message string `json:"message"`
	Detail  any    `json:"detail"`
}

// classifyResponse builds the failure for a non-2xx response.
func classifyResponse(status int, body []byte) *fault.Error {
	return fault.HTTP(status, errorMessage(body))
}

// classifyTransport builds the failure for an attempt that produced no
// response. attemptCtx is the per-attempt context.
func classifyTransport(attemptCtx context.Context, err error) *fault.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fault.New(fault.KindTimeout, "request timed out", err)
	}
	return fault.New(fault.KindNetwork, "request failed", err)
}

// errorMessage extracts "message" or "detail" from an error body. Detail
// may be a string or any JSON value.
func errorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	if eb.Message != "" {
		return eb.Message
	}

	switch d := eb.Detail.(type) {
	case nil:
		return ""
	case string:
		return d
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// validMethod normalizes method and reports whether it is supported.
func validMethod(method string) (string, error) {
	m := strings.ToUpper(method)
	if m == "" {
		m = http.MethodGet
	}
	switch m {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidMethod, method)
	}
}

// statusLabel maps a failure to the status label used in request metrics.
func statusLabel(fe *fault.Error) string {
	if fe.Kind == fault.KindHTTP {
		return fmt.Sprintf("%d", fe.Status)
	}
	return string(fe.Kind)
}
