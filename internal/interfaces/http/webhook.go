package http

import (
	"errors"
	"net/http"

	"github.com/sawpanic/floatwatch/internal/idempotency"
	"github.com/sawpanic/floatwatch/internal/pipeline"
)

// PaymentWebhook accepts a payment event. Duplicates are acknowledged so the
// sender stops retrying; only a failed enqueue asks for a resend.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ingestor == nil {
		h.unavailable(w, r, "Ingestion")
		return
	}

	var ev pipeline.PaymentEvent
	if !h.decodeBody(w, r, &ev) {
		return
	}

	job, err := h.deps.Ingestor.Accept(r.Context(), &ev)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, WebhookResponse{Received: true, JobID: job.ID})
	case errors.Is(err, idempotency.ErrDuplicateEvent):
		h.writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Duplicate: true})
	case errors.Is(err, pipeline.ErrInvalidEvent), errors.Is(err, idempotency.ErrMissingID):
		h.writeError(w, r, http.StatusBadRequest, "invalid_event", err.Error())
	default:
		h.writeError(w, r, http.StatusServiceUnavailable, "enqueue_failed",
			"Event could not be accepted, retry later")
	}
}
