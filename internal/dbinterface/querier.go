// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dbinterface provides database interfaces to avoid import cycles.
// It can be imported by both database implementations and the services built
// on top of them.
package dbinterface

import (
	"context"
	"database/sql"
)

// Queryer is the statement surface shared by connections and transactions.
// Repository helpers accept it so the same query code runs inside or outside
// a transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxQuerier is the interface for database transaction operations.
// It is implemented by *database.Tx and provides transaction-specific query
// methods with prepared statement caching, plus transaction control methods.
type TxQuerier interface {
	Queryer
	Commit() error
	Rollback() error
}

// Querier is the centralized interface for database operations.
// It is implemented by *database.DB and provides queries and transactions.
type Querier interface {
	Queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (TxQuerier, error)
}
