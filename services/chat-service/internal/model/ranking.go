package model

import "time"

// Ranking is one principal's ordered preference list, most preferred first.
type Ranking struct {
	RankerID   string    `json:"ranker_id"`
	Candidates []string  `json:"candidates"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type LeaderboardEntry struct {
	CandidateID string `json:"candidate_id"`
	Score       int    `json:"score"`
}
