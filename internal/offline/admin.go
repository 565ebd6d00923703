package offline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// AdminHandler is the kiosk-local HTTP surface: operators submit charges
// through it and manage the pending queue (inspect, retry, discard, force a
// drain). It binds to loopback only; there is no auth layer here.
type AdminHandler struct {
	queue     *Queue
	submitter *Submitter
}

func NewAdminHandler(queue *Queue, submitter *Submitter) *AdminHandler {
	return &AdminHandler{queue: queue, submitter: submitter}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/charges", h.SubmitCharge)
	r.Get("/pending", h.ListPending)
	r.Post("/pending/{localId}/retry", h.RetryPending)
	r.Post("/pending/{localId}/discard", h.DiscardPending)
	r.Post("/drain", h.TriggerDrain)
	return r
}

type submitRequest struct {
	ChargePayload
	KnownBalance decimal.Decimal `json:"known_balance"`
}

func (h *AdminHandler) SubmitCharge(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid request body"})
		return
	}
	if req.MemberID == "" || req.BusinessID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "memberId and businessId are required"})
		return
	}

	result, err := h.submitter.Submit(r.Context(), req.ChargePayload, req.KnownBalance)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrRejected) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (h *AdminHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	items := h.queue.Pending()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(items),
		"items": items,
	})
}

func (h *AdminHandler) RetryPending(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Retry(chi.URLParam(r, "localId")); err != nil {
		h.sendQueueError(w, err)
		return
	}
	go h.queue.Drain(context.Background())
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AdminHandler) DiscardPending(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Discard(chi.URLParam(r, "localId")); err != nil {
		h.sendQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AdminHandler) TriggerDrain(w http.ResponseWriter, r *http.Request) {
	go h.queue.Drain(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

func (h *AdminHandler) sendQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotQueued) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Storage error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
