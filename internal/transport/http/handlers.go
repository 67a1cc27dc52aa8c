package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snehjoshi/queuegate/internal/gate"
)

// Handler groups the agent request handlers around one state machine.
type Handler struct {
	machine *gate.Machine
	started time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type navigateReq struct {
	URL string `json:"url"`
}

type healthResp struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Uptime  string `json:"uptime"`
	Polling bool   `json:"polling"`
	// Extensions is the number of running cookie extension schedules.
	Extensions int `json:"extensions"`
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, healthResp{
		Status:     "ok",
		State:      h.machine.Snapshot().Status.String(),
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Polling:    h.machine.Polling(),
		Extensions: h.machine.Extensions(),
	})
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.machine.Snapshot())
}

func (h *Handler) navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateReq
	if !DecodeJSON(w, r, &req, false) {
		return
	}
	if req.URL == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	err := h.machine.Navigate(detach(r), req.URL, r.Cookies()...)
	h.reply(w, err)
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.machine.Trigger(detach(r), chi.URLParam(r, "event")))
}

func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.machine.Poll(detach(r)))
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.machine.Retry(detach(r)))
}

func (h *Handler) bypass(w http.ResponseWriter, r *http.Request) {
	if !h.machine.Bypass() {
		WriteError(w, http.StatusForbidden, "bypass_disabled", "queue bypass is disabled")
		return
	}
	h.reply(w, nil)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.machine.Cancel(detach(r)))
}

func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	h.machine.Leave()
	h.reply(w, nil)
}

// reply answers with the current state, or maps a machine error to a status.
func (h *Handler) reply(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, h.machine.Snapshot())
	case errors.Is(err, gate.ErrUnknownEvent):
		WriteError(w, http.StatusNotFound, "event_not_found", err.Error())
	case errors.Is(err, gate.ErrCycleInProgress):
		WriteError(w, http.StatusConflict, "cycle_in_progress", err.Error())
	case errors.Is(err, gate.ErrNotQueued):
		WriteError(w, http.StatusConflict, "not_queued", err.Error())
	case errors.Is(err, gate.ErrNotFailed):
		WriteError(w, http.StatusConflict, "not_failed", err.Error())
	case errors.Is(err, gate.ErrClosed):
		WriteError(w, http.StatusServiceUnavailable, "closed", err.Error())
	default:
		WriteError(w, http.StatusBadGateway, "backend_error", err.Error())
	}
}

// detach keeps request values but not cancellation: an admission cycle must
// complete even if the UI drops the connection.
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
