// Package storage is the relational store behind the API.
//
// It owns the boards, cards and tokens tables and the SQL that reads and
// writes them. Postgres is the production target; SQLite serves local runs
// and tests. Both dialects accept the same $n placeholders and RETURNING
// clauses, so every query is shared.
//
// Deleting a board removes its cards through the foreign key. A card's
// status defaults to todo when it is inserted.
package storage
