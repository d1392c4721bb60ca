package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dohr-michael/oxide/internal/buffer"
	"github.com/dohr-michael/oxide/internal/memory"
	"github.com/dohr-michael/oxide/internal/tasks"
)

var (
	ErrBadRequest     = errors.New("bad request")
	ErrNotCoordinator = errors.New("this node is not a coordinator")
	ErrUnsupported    = errors.New("not supported on worker nodes")
	ErrJournalOff     = errors.New("event journal is disabled")

	errBodyTooLarge = errors.New("request body too large")
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// DecodeError is a request body that could not be deserialized.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) (int, string) {
	var de *DecodeError
	switch {
	case errors.As(err, &de):
		return http.StatusInternalServerError, "DESERIALIZATION_FAILURE"
	case errors.Is(err, tasks.ErrTaskNotFound),
		errors.Is(err, buffer.ErrBufferNotFound),
		errors.Is(err, memory.ErrPoolNotFound),
		errors.Is(err, ErrJournalOff):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ErrNotCoordinator):
		return http.StatusNotFound, "NOT_COORDINATOR"
	case errors.Is(err, buffer.ErrTokenOutOfRange):
		return http.StatusGone, "TOKEN_OUT_OF_RANGE"
	case errors.Is(err, memory.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "POOL_EXHAUSTED"
	case errors.Is(err, tasks.ErrNotAcceptingWork):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, tasks.ErrInvalidTaskID), errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, ErrUnsupported):
		return http.StatusNotImplemented, "UNSUPPORTED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= 500 {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

func logWriteFailure(r *http.Request, err error) {
	slog.Warn("response write failed", "path", r.URL.Path, "error", err)
}
