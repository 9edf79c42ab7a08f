package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/md-rashed-zaman/rushchat/libs/httpx"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/apperr"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
)

type submitRankingRequest struct {
	Candidates []string `json:"candidates"`
}

type leaderboardResponse struct {
	Entries []model.LeaderboardEntry `json:"entries"`
}

func (h *Handler) SubmitRanking(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if !p.HasRole(string(model.RoleHost), string(model.RoleAdmin)) {
		h.writeError(w, r, apperr.Forbidden("only hosts can submit rankings"))
		return
	}
	var req submitRankingRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.rankings.Submit(r.Context(), p.ID, req.Candidates)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) MyRanking(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	out, err := h.rankings.Get(r.Context(), p.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// Leaderboard scores the candidates named by repeated candidate= parameters,
// or every occupant in the directory when none are given.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if !p.HasRole(string(model.RoleAdmin)) {
		h.writeError(w, r, apperr.Forbidden("leaderboard requires admin"))
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, apperr.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}

	var universe []string
	for _, c := range q["candidate"] {
		if c = strings.TrimSpace(c); c != "" {
			universe = append(universe, c)
		}
	}
	if len(universe) == 0 {
		ids, err := h.directory.ListCandidates(r.Context())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		universe = ids
	}

	entries, err := h.rankings.ComputeLeaderboard(r.Context(), universe, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, leaderboardResponse{Entries: entries})
}
