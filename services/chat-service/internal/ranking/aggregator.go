// Package ranking stores one preference list per ranker and reduces them into
// a leaderboard.
package ranking

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/md-rashed-zaman/rushchat/libs/db"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/apperr"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/storage"
)

const (
	DefaultMaxLength = 25
	DefaultLimit     = 25
)

type Config struct {
	MaxLength    int
	DefaultLimit int
	StoreTimeout time.Duration
}

type Aggregator struct {
	store        storage.RankingStore
	maxLength    int
	defaultLimit int
	storeTimeout time.Duration
	now          func() time.Time
}

func NewAggregator(store storage.RankingStore, cfg Config) *Aggregator {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Aggregator{
		store:        store,
		maxLength:    cfg.MaxLength,
		defaultLimit: cfg.DefaultLimit,
		storeTimeout: cfg.StoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Submit replaces rankerID's ranking. An empty list is a valid ranking.
func (a *Aggregator) Submit(ctx context.Context, rankerID string, candidates []string) (model.Ranking, error) {
	rankerID = strings.TrimSpace(rankerID)
	if rankerID == "" {
		return model.Ranking{}, apperr.Validation("ranker id is required")
	}
	if len(candidates) > a.maxLength {
		return model.Ranking{}, apperr.Validation("ranking exceeds the maximum length")
	}
	seen := make(map[string]struct{}, len(candidates))
	clean := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			return model.Ranking{}, apperr.Validation("candidate ids must not be empty")
		}
		if _, dup := seen[c]; dup {
			return model.Ranking{}, apperr.Validation("ranking contains duplicate candidate " + c)
		}
		seen[c] = struct{}{}
		clean = append(clean, c)
	}

	r := model.Ranking{RankerID: rankerID, Candidates: clean, UpdatedAt: a.now()}

	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	if err := a.store.PutRanking(ctx, r); err != nil {
		return model.Ranking{}, mapStoreErr(err)
	}
	return r, nil
}

func (a *Aggregator) Get(ctx context.Context, rankerID string) (model.Ranking, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()

	r, err := a.store.GetRanking(ctx, rankerID)
	if storage.IsNotFound(err) {
		return model.Ranking{}, apperr.NotFound("no ranking submitted")
	}
	if err != nil {
		return model.Ranking{}, mapStoreErr(err)
	}
	return r, nil
}

// ComputeLeaderboard reduces every stored ranking. A non-positive limit uses
// the configured default.
func (a *Aggregator) ComputeLeaderboard(ctx context.Context, universe []string, limit int) ([]model.LeaderboardEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()

	rankings, err := a.store.ListRankings(ctx)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if limit <= 0 {
		limit = a.defaultLimit
	}
	board := Aggregate(rankings, universe)
	if len(board) > limit {
		board = board[:limit]
	}
	return board, nil
}

// Aggregate scores each candidate at position i of a ranking of length L with
// L-i points and sorts by score descending, then id ascending. With a
// non-empty universe only its members are scored and unranked members get 0.
func Aggregate(rankings []model.Ranking, universe []string) []model.LeaderboardEntry {
	scores := map[string]int{}
	restrict := len(universe) > 0
	for _, id := range universe {
		scores[id] = 0
	}
	for _, r := range rankings {
		n := len(r.Candidates)
		for i, id := range r.Candidates {
			if _, ok := scores[id]; restrict && !ok {
				continue
			}
			scores[id] += n - i
		}
	}

	out := make([]model.LeaderboardEntry, 0, len(scores))
	for id, score := range scores {
		out = append(out, model.LeaderboardEntry{CandidateID: id, Score: score})
	}
	slices.SortFunc(out, func(x, y model.LeaderboardEntry) int {
		if x.Score != y.Score {
			return y.Score - x.Score
		}
		return strings.Compare(x.CandidateID, y.CandidateID)
	})
	return out
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), db.IsTransient(err):
		return apperr.Unavailable(err)
	default:
		return apperr.Internal(err)
	}
}
