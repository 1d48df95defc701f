package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"kanban-api/domain"
)

// ErrNotFound is returned when a single-row read matches nothing.
var ErrNotFound = errors.New("not found")

// Dialect names the SQL flavour behind a Storage.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// PoolOptions sizes the connection pool. Zero values keep database/sql
// defaults.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Storage runs parameterized queries against the relational store.
type Storage struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New wraps an open pool.
func New(db *sql.DB, dialect Dialect) *Storage {
	return &Storage{db: db, dialect: dialect, now: time.Now}
}

// Open connects to the database named by url. postgres:// and postgresql://
// URLs use pgx; sqlite: and file: URLs use the embedded SQLite driver.
func Open(ctx context.Context, url string, opts PoolOptions) (*Storage, error) {
	driver, dsn, dialect, err := resolve(url)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// a second connection would see a different in-memory database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return New(db, dialect), nil
}

func resolve(url string) (driver, dsn string, dialect Dialect, err error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url, Postgres, nil
	case strings.HasPrefix(url, "sqlite:"), strings.HasPrefix(url, "file:"):
		dsn = strings.TrimPrefix(url, "sqlite:")
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		if !strings.Contains(dsn, "foreign_keys") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		}
		return "sqlite", dsn, SQLite, nil
	}
	return "", "", "", fmt.Errorf("unsupported database url %q", url)
}

// Dialect reports the SQL flavour of the underlying database.
func (s *Storage) Dialect() Dialect { return s.dialect }

// Ping checks that a connection can be borrowed from the pool.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Storage) Close() error {
	return s.db.Close()
}

// ValidateToken returns the token with the given id if it has not expired.
func (s *Storage) ValidateToken(ctx context.Context, id string) (domain.Token, error) {
	var t domain.Token
	err := s.db.QueryRowContext(ctx,
		`select id, expired_at from tokens where id = $1 and expired_at > $2`, id, s.timeArg(s.now())).
		Scan(&t.ID, timeCol{&t.ExpiredAt})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Token{}, ErrNotFound
	}
	if err != nil {
		return domain.Token{}, fmt.Errorf("validate token: %w", err)
	}
	return t, nil
}

// IssueToken stores a token valid until expiredAt.
func (s *Storage) IssueToken(ctx context.Context, id string, expiredAt time.Time) (domain.Token, error) {
	t := domain.Token{ID: id, ExpiredAt: expiredAt.UTC()}
	if _, err := s.db.ExecContext(ctx, `insert into tokens(id, expired_at) values($1, $2)`, t.ID, s.timeArg(t.ExpiredAt)); err != nil {
		return domain.Token{}, fmt.Errorf("issue token: %w", err)
	}
	return t, nil
}

// Boards lists every board ordered by id.
func (s *Storage) Boards(ctx context.Context) ([]domain.Board, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, created_at from boards order by id`)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()
	out := []domain.Board{}
	for rows.Next() {
		var b domain.Board
		if err := rows.Scan(&b.ID, &b.Name, timeCol{&b.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateBoard inserts a board and returns it with its assigned id.
func (s *Storage) CreateBoard(ctx context.Context, cb domain.CreateBoard) (domain.Board, error) {
	var b domain.Board
	err := s.db.QueryRowContext(ctx,
		`insert into boards(name) values($1) returning id, name, created_at`, cb.Name).
		Scan(&b.ID, &b.Name, timeCol{&b.CreatedAt})
	if err != nil {
		return domain.Board{}, fmt.Errorf("create board: %w", err)
	}
	return b, nil
}

// BoardSummary counts the cards of a board per status. A board without cards,
// or one that does not exist, yields an all-zero summary.
func (s *Storage) BoardSummary(ctx context.Context, boardID int64) (domain.BoardSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`select status, count(*) from cards where board_id = $1 group by status`, boardID)
	if err != nil {
		return domain.BoardSummary{}, fmt.Errorf("board summary: %w", err)
	}
	defer rows.Close()
	var counts []domain.StatusCount
	for rows.Next() {
		var c domain.StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return domain.BoardSummary{}, fmt.Errorf("scan summary: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return domain.BoardSummary{}, fmt.Errorf("board summary: %w", err)
	}
	return domain.SummaryFromCounts(counts), nil
}

// DeleteBoard removes a board and, through the schema, its cards. It returns
// the number of boards removed; removing a missing board is not an error.
func (s *Storage) DeleteBoard(ctx context.Context, boardID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from boards where id = $1`, boardID)
	if err != nil {
		return 0, fmt.Errorf("delete board: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Cards lists the cards of a board ordered by id.
func (s *Storage) Cards(ctx context.Context, boardID int64) ([]domain.Card, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, board_id, description, status, created_at from cards where board_id = $1 order by id`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()
	out := []domain.Card{}
	for rows.Next() {
		var c domain.Card
		if err := rows.Scan(&c.ID, &c.BoardID, &c.Description, &c.Status, timeCol{&c.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateCard inserts a card on an existing board. The store assigns the
// initial status.
func (s *Storage) CreateCard(ctx context.Context, cc domain.CreateCard) (domain.Card, error) {
	var c domain.Card
	err := s.db.QueryRowContext(ctx,
		`insert into cards(board_id, description) values($1, $2)
		 returning id, board_id, description, status, created_at`, cc.BoardID, cc.Description).
		Scan(&c.ID, &c.BoardID, &c.Description, &c.Status, timeCol{&c.CreatedAt})
	if err != nil {
		return domain.Card{}, fmt.Errorf("create card: %w", err)
	}
	return c, nil
}

// UpdateCard replaces the description and status of a card. It returns
// ErrNotFound when no card has the given id.
func (s *Storage) UpdateCard(ctx context.Context, cardID int64, uc domain.UpdateCard) (domain.Card, error) {
	var c domain.Card
	err := s.db.QueryRowContext(ctx,
		`update cards set description = $1, status = $2 where id = $3
		 returning id, board_id, description, status, created_at`, uc.Description, uc.Status, cardID).
		Scan(&c.ID, &c.BoardID, &c.Description, &c.Status, timeCol{&c.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Card{}, fmt.Errorf("update card %d: %w", cardID, ErrNotFound)
	}
	if err != nil {
		return domain.Card{}, fmt.Errorf("update card: %w", err)
	}
	return c, nil
}

// DeleteCard removes a card and returns the number of rows removed.
func (s *Storage) DeleteCard(ctx context.Context, cardID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from cards where id = $1`, cardID)
	if err != nil {
		return 0, fmt.Errorf("delete card: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
