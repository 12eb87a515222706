// Package respond writes JSON bodies and classified errors for HTTP handlers.
package respond

import (
	"encoding/json"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/pkg/logging"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// JSON writes payload with the given status.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Error maps err through the apperr taxonomy. Internal and upstream failures
// are logged with the request id; the client only sees the public message.
func Error(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	if logger == nil {
		logger = logging.Default()
	}
	status := apperr.HTTPStatus(err)
	reqID := chimw.GetReqID(r.Context())
	if reqID != "" {
		w.Header().Set("X-Request-Id", reqID)
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	JSON(w, status, errorBody{
		Error:     apperr.PublicMessage(err),
		Code:      apperr.CodeOf(err),
		RequestID: reqID,
	})
}
