// Package handlers exposes the chat-service HTTP API. Callers are identified
// by the principal headers the gateway sets after verifying their token.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/rushchat/libs/httpx"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/apperr"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/booking"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/directory"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/ranking"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/slots"
)

type Handler struct {
	registry  *slots.Registry
	coord     *booking.Coordinator
	rankings  *ranking.Aggregator
	directory *directory.Directory
	logger    *slog.Logger
}

func New(registry *slots.Registry, coord *booking.Coordinator, rankings *ranking.Aggregator, dir *directory.Directory, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, coord: coord, rankings: rankings, directory: dir, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/slots", h.ListSlots)
	mux.HandleFunc("POST /api/v1/slots", h.CreateSlot)
	mux.HandleFunc("GET /api/v1/slots/summary", h.SlotSummary)
	mux.HandleFunc("GET /api/v1/slots/{id}", h.GetSlot)
	mux.HandleFunc("DELETE /api/v1/slots/{id}", h.DeleteSlot)
	mux.HandleFunc("POST /api/v1/slots/{id}/book", h.BookSlot)
	mux.HandleFunc("POST /api/v1/slots/{id}/cancel", h.CancelBooking)
	mux.HandleFunc("POST /api/v1/slots/{id}/outcome", h.MarkOutcome)

	mux.HandleFunc("PUT /api/v1/rankings", h.SubmitRanking)
	mux.HandleFunc("GET /api/v1/rankings/me", h.MyRanking)
	mux.HandleFunc("GET /api/v1/leaderboard", h.Leaderboard)

	mux.HandleFunc("GET /api/v1/me", h.GetProfile)
	mux.HandleFunc("PUT /api/v1/me", h.PutProfile)
	mux.HandleFunc("PUT /api/v1/me/calendar", h.ConnectCalendar)
	mux.HandleFunc("DELETE /api/v1/me/calendar", h.DisconnectCalendar)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Msg != "" {
		msg = appErr.Msg
	}
	switch kind {
	case apperr.KindInternal, apperr.KindUnavailable:
		h.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "kind", string(kind), "err", err,
			"request_id", httpx.RequestIDFromContext(r.Context()))
		if kind == apperr.KindInternal {
			msg = "internal error"
		}
	}
	httpx.WriteError(w, apperr.HTTPStatus(kind), string(kind), msg)
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (httpx.Principal, bool) {
	p, ok := httpx.PrincipalFromRequest(r)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing principal")
		return httpx.Principal{}, false
	}
	return p, true
}

// decode reads an optional JSON body. An empty body leaves v untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	err := httpx.DecodeJSON(r, v)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return true
	case httpx.IsBodyTooLarge(err):
		h.writeError(w, r, apperr.Validation("request body too large"))
	default:
		h.writeError(w, r, apperr.Validation("invalid json body"))
	}
	return false
}
