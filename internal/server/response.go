package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/me/flround/internal/dispatch"
	"github.com/me/flround/pkg/model"
)

// newRequestID returns the id echoed in X-Request-ID and in every envelope.
func newRequestID() string {
	return "req_" + uuid.NewString()[:8]
}

// writeEnvelope serialises one reply. Encoding errors are not recoverable at
// this point; the status line is already out.
func writeEnvelope[T any](w http.ResponseWriter, status int, body model.Response[T]) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondOK(w http.ResponseWriter, reqID string, data any) {
	writeEnvelope(w, http.StatusOK, model.Reply(reqID, data, nil))
}

func respondCreated(w http.ResponseWriter, reqID string, data any) {
	writeEnvelope(w, http.StatusCreated, model.Reply(reqID, data, nil))
}

func respondPage(w http.ResponseWriter, reqID string, data any, page *model.Pagination) {
	writeEnvelope(w, http.StatusOK, model.Reply(reqID, data, page))
}

// respondNoWork tells a polling client that nothing is assigned to it. The
// body is empty, so the request id only travels in X-Request-ID.
func respondNoWork(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	writeEnvelope(w, status, model.Failure(reqID, apiErr))
}

// respondInvalid is a 400 with one field error.
func respondInvalid(w http.ResponseWriter, reqID, msg, field, detail string) {
	respondError(w, reqID, http.StatusBadRequest,
		model.NewValidationError(msg, model.FieldError{Field: field, Message: detail}))
}

// respondDeliveryError maps a failed report delivery: reports for a round
// (or attempt) that is no longer open conflict, anything else is internal.
func respondDeliveryError(w http.ResponseWriter, reqID string, err error) {
	if errors.Is(err, dispatch.ErrStaleReport) {
		respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.ErrConflict, Message: err.Error()})
		return
	}
	respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
}
