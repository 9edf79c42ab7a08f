package handlers

import (
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/rushchat/libs/httpx"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/apperr"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/slots"
)

type createSlotRequest struct {
	Date            string `json:"date"`
	Time            string `json:"time"`
	Location        string `json:"location"`
	HostDisplayName string `json:"host_display_name"`
}

type bookSlotRequest struct {
	DisplayName string `json:"display_name"`
}

type outcomeRequest struct {
	Outcome string `json:"outcome"`
}

type listSlotsResponse struct {
	Slots []model.Slot `json:"slots"`
}

func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.principal(w, r); !ok {
		return
	}
	q := r.URL.Query()
	filter := model.SlotFilter{
		HostID:        strings.TrimSpace(q.Get("host_id")),
		OccupantID:    strings.TrimSpace(q.Get("occupant_id")),
		AvailableOnly: isTruthy(q.Get("available")),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, ok := model.ParseStatus(raw)
		if !ok {
			h.writeError(w, r, apperr.Validation("unknown status "+raw))
			return
		}
		filter.Status = status
	}

	out, err := h.registry.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, listSlotsResponse{Slots: out})
}

func (h *Handler) CreateSlot(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if !p.HasRole(string(model.RoleHost), string(model.RoleAdmin)) {
		h.writeError(w, r, apperr.Forbidden("only hosts can create slots"))
		return
	}
	var req createSlotRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.HostDisplayName)
	if name == "" {
		name = p.Name
	}

	slot, err := h.registry.Create(r.Context(), slots.CreateInput{
		HostID:          p.ID,
		HostDisplayName: name,
		Date:            req.Date,
		Time:            req.Time,
		Location:        req.Location,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, slot)
}

func (h *Handler) SlotSummary(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	hostID := strings.TrimSpace(r.URL.Query().Get("host_id"))
	if hostID == "" {
		hostID = p.ID
	}
	summary, err := h.registry.Summary(r.Context(), model.SlotFilter{HostID: hostID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, summary)
}

func (h *Handler) GetSlot(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.principal(w, r); !ok {
		return
	}
	slot, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, slot)
}

func (h *Handler) DeleteSlot(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if err := h.registry.Delete(r.Context(), r.PathValue("id"), p.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) BookSlot(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req bookSlotRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = p.Name
	}

	res, err := h.coord.RequestBooking(r.Context(), r.PathValue("id"), p.ID, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	res, err := h.coord.RequestCancellation(r.Context(), r.PathValue("id"), p.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) MarkOutcome(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req outcomeRequest
	if !h.decode(w, r, &req) {
		return
	}
	outcome, _ := model.ParseStatus(strings.TrimSpace(req.Outcome))

	res, err := h.coord.RequestOutcome(r.Context(), r.PathValue("id"), p.ID, outcome)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
