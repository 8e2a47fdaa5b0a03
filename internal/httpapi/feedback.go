package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type feedbackRequest struct {
	RequestID string `json:"request_id"`
	Helpful   bool   `json:"helpful"`
	Comment   string `json:"comment,omitempty"`
}

// Feedback handles POST /api/v1/feedback/submit. Feedback capture proper is
// an external collaborator outside this service's scope; this stub just
// logs the signal and acknowledges it so the UI has a stable endpoint to
// call.
func Feedback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		slog.Info("[Feedback] received", "request_id", req.RequestID, "helpful", req.Helpful)
		w.WriteHeader(http.StatusNoContent)
	}
}
