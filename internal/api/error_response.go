package api

import (
	"context"
	"errors"
	"net/http"

	gojson "github.com/goccy/go-json"

	editerrors "github.com/visagelab/visage/pkg/errors"
)

// urlResponse is the wire form of a successful request.
type urlResponse struct {
	URL string `json:"url"`
}

// errorEnvelope is the wire form of a failed request.
type errorEnvelope struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := gojson.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response failed", "error", err)
	}
}

func (h *Handler) writeURL(w http.ResponseWriter, url string) {
	h.writeJSON(w, http.StatusOK, urlResponse{URL: url})
}

// writeError maps err onto the edit taxonomy and emits the flat envelope.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	editErr := asEditError(err)
	if editErr.HTTPStatusCode() >= http.StatusInternalServerError {
		h.logger.Error("request failed", "type", editErr.Type, "error", err)
	}
	h.writeJSONError(w, editErr.HTTPStatusCode(), editErr.Message)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorEnvelope{Error: message})
}

// asEditError normalizes arbitrary failures onto the edit taxonomy.
func asEditError(err error) *editerrors.EditError {
	var editErr *editerrors.EditError
	if errors.As(err, &editErr) {
		return editErr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return editerrors.NewCancelled("request superseded or abandoned")
	case errors.Is(err, context.DeadlineExceeded):
		return editerrors.NewModelTimeout("", "request budget exhausted")
	}
	return editerrors.NewStorageFailure("internal error", err)
}
