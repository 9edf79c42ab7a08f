package handlers

import (
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/rushchat/libs/httpx"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/apperr"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
)

type profileRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type connectCalendarRequest struct {
	CalendarEmail string `json:"calendar_email"`
	RefreshToken  string `json:"refresh_token"`
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	out, err := h.directory.Get(r.Context(), p.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// PutProfile upserts the caller's directory entry. The role always comes from
// the verified principal.
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = p.Name
	}
	role, ok := model.ParseRole(strings.ToLower(p.Role))
	if !ok {
		h.writeError(w, r, apperr.Forbidden("principal has no recognised role"))
		return
	}

	out, err := h.directory.Upsert(r.Context(), model.Participant{
		PrincipalID: p.ID,
		DisplayName: name,
		Email:       req.Email,
		Role:        role,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) ConnectCalendar(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req connectCalendarRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.directory.ConnectCalendar(r.Context(), p.ID, req.CalendarEmail, req.RefreshToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) DisconnectCalendar(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if err := h.directory.DisconnectCalendar(r.Context(), p.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
