package storage

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`create table if not exists boards (
		id bigserial primary key,
		name text not null,
		created_at timestamptz not null default now()
	)`,
	`create table if not exists cards (
		id bigserial primary key,
		board_id bigint not null references boards(id) on delete cascade,
		description text not null,
		status text not null default 'todo' check (status in ('todo', 'doing', 'done')),
		created_at timestamptz not null default now()
	)`,
	`create index if not exists cards_board_id_idx on cards(board_id)`,
	`create table if not exists tokens (
		id text primary key,
		expired_at timestamptz not null
	)`,
}

var sqliteSchema = []string{
	`create table if not exists boards (
		id integer primary key autoincrement,
		name text not null,
		created_at timestamp not null default current_timestamp
	)`,
	`create table if not exists cards (
		id integer primary key autoincrement,
		board_id integer not null references boards(id) on delete cascade,
		description text not null,
		status text not null default 'todo' check (status in ('todo', 'doing', 'done')),
		created_at timestamp not null default current_timestamp
	)`,
	`create index if not exists cards_board_id_idx on cards(board_id)`,
	`create table if not exists tokens (
		id text primary key,
		expired_at timestamp not null
	)`,
}

// Migrate creates the tables the service reads and writes. It is idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.dialect == SQLite {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
