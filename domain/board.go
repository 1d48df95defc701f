package domain

import "time"

// Board groups cards. ID and CreatedAt are assigned by the store.
type Board struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateBoard carries the fields of a new board.
type CreateBoard struct {
	Name string `json:"name"`
}

// BoardSummary counts the cards of one board per status. It is computed on
// demand and never persisted.
type BoardSummary struct {
	Todo  int64 `json:"todo"`
	Doing int64 `json:"doing"`
	Done  int64 `json:"done"`
}

// StatusCount is one row of a per-status aggregation.
type StatusCount struct {
	Status Status
	Count  int64
}

// SummaryFromCounts folds per-status counts into a summary. Statuses missing
// from counts stay at zero.
func SummaryFromCounts(counts []StatusCount) BoardSummary {
	var s BoardSummary
	for _, c := range counts {
		switch c.Status {
		case StatusTodo:
			s.Todo += c.Count
		case StatusDoing:
			s.Doing += c.Count
		case StatusDone:
			s.Done += c.Count
		}
	}
	return s
}
