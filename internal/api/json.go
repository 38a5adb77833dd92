package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// statusFor maps a pipeline error to an HTTP status and a client-facing
// message. Unknown errors are internal.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrNoPendingDuplicate):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, apperr.ErrDocumentTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, apperr.ErrUnsupportedFileType):
		return http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, apperr.ErrEmptyDocument):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, apperr.ErrNoDocuments):
		return http.StatusServiceUnavailable, pipeline.NoDocumentsGuidance
	case errors.Is(err, apperr.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable, "embedding service unavailable, try again later"
	case errors.Is(err, apperr.ErrTimeout):
		return http.StatusGatewayTimeout, "query timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError logs server-side failures and writes the mapped error body.
func writeError(w http.ResponseWriter, op string, err error, attrs ...any) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed", append(attrs, slog.String("error", err.Error()))...)
	}
	writeJSON(w, status, errorBody(msg))
}
