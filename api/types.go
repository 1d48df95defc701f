package api

import (
	"context"

	"kanban-api/domain"
)

// TokenValidator looks up bearer credentials.
type TokenValidator interface {
	// ValidateToken returns the token with the given id if it exists and has
	// not expired. Any error means the credential is not accepted.
	ValidateToken(ctx context.Context, id string) (domain.Token, error)
}

// Storage abstracts persistence for handlers.
type Storage interface {
	TokenValidator
	Ping(ctx context.Context) error
	Boards(ctx context.Context) ([]domain.Board, error)
	CreateBoard(ctx context.Context, b domain.CreateBoard) (domain.Board, error)
	BoardSummary(ctx context.Context, boardID int64) (domain.BoardSummary, error)
	DeleteBoard(ctx context.Context, boardID int64) (int64, error)
	Cards(ctx context.Context, boardID int64) ([]domain.Card, error)
	CreateCard(ctx context.Context, c domain.CreateCard) (domain.Card, error)
	UpdateCard(ctx context.Context, cardID int64, c domain.UpdateCard) (domain.Card, error)
	DeleteCard(ctx context.Context, cardID int64) (int64, error)
}

// Publisher announces committed changes to other processes.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// RateLimiter counts requests per client.
type RateLimiter interface {
	// Allow records a hit for key and reports whether it is within budget.
	Allow(ctx context.Context, key string) (bool, error)
}
