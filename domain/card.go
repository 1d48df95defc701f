package domain

import "time"

// Card is a single item on a board.
type Card struct {
	ID          int64     `json:"id"`
	BoardID     int64     `json:"boardId"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateCard carries the fields of a new card. The status is assigned by the
// store.
type CreateCard struct {
	BoardID     int64  `json:"boardId"`
	Description string `json:"description"`
}

// UpdateCard replaces the mutable fields of a card.
type UpdateCard struct {
	Description string `json:"description"`
	Status      Status `json:"status"`
}
