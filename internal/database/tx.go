// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/internal/dbinterface"
)

// BeginTx starts a transaction.
//
// Read-only transactions (opts.ReadOnly) run on the reader pool and are fully
// concurrent. Write transactions hold writerMu from here until Commit or
// Rollback, so at most one is open at any time. SQLite's default isolation is
// SERIALIZABLE.
//
// Statements already cached for the matching pool are reused through
// tx.StmtContext. Anything else runs directly on the transaction and is
// promoted to the cache after a successful commit.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (dbinterface.TxQuerier, error) {
	if opts != nil && opts.ReadOnly {
		tx, err := db.readerPool.BeginTx(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &Tx{tx: tx, db: db}, nil
	}

	db.writerMu.Lock()

	tx, err := db.writerConn.BeginTx(ctx, opts)
	if err != nil {
		db.writerMu.Unlock()
		if isSQLiteNestedTxErr(err) {
			recordWedgedTransaction()
			log.Error().
				Err(err).
				Str("stack", string(debug.Stack())).
				Msg("SQLite writer connection is wedged in a transaction, a previous transaction was never closed")
			return nil, fmt.Errorf("database connection wedged: %w", err)
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &Tx{tx: tx, db: db, write: true, unlock: db.writerMu.Unlock}, nil
}

// Tx wraps sql.Tx with statement cache reuse.
type Tx struct {
	tx         *sql.Tx
	db         *DB
	write      bool
	unlock     func()
	unlockOnce sync.Once

	mu      sync.Mutex
	promote map[string]struct{}
}

func (t *Tx) stmt(ctx context.Context, query string) *sql.Stmt {
	s, ok := t.db.lookupStmt(query, t.write)
	if !ok {
		t.mu.Lock()
		if t.promote == nil {
			t.promote = make(map[string]struct{})
		}
		t.promote[query] = struct{}{}
		t.mu.Unlock()
		return nil
	}
	return t.tx.StmtContext(ctx, s)
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s := t.stmt(ctx, query); s != nil {
		res, err := s.ExecContext(ctx, args...)
		if !isStmtClosedErr(err) {
			return res, err
		}
		t.db.dropStmt(query, t.write)
	}
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if s := t.stmt(ctx, query); s != nil {
		rows, err := s.QueryContext(ctx, args...)
		if !isStmtClosedErr(err) {
			return rows, err
		}
		t.db.dropStmt(query, t.write)
	}
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	if s := t.stmt(ctx, query); s != nil {
		row := s.QueryRowContext(ctx, args...)
		if !isStmtClosedErr(row.Err()) {
			return row
		}
		t.db.dropStmt(query, t.write)
	}
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Commit releases the writer lock only on success. A failed commit leaves the
// transaction open and the caller must still Rollback.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return err
	}
	if t.unlock != nil {
		t.unlockOnce.Do(t.unlock)
	}
	t.promoteStatements()
	return nil
}

// Rollback always releases the writer lock.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if t.unlock != nil {
		t.unlockOnce.Do(t.unlock)
	}
	return err
}

func (t *Tx) promoteStatements() {
	t.mu.Lock()
	queries := t.promote
	t.promote = nil
	t.mu.Unlock()

	if len(queries) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for query := range queries {
		if t.db.closing.Load() {
			return
		}
		if t.write {
			// the writer connection is free again but may be claimed by the
			// next transaction; only prepare while nobody holds it
			if !t.db.writerMu.TryLock() {
				return
			}
		}
		t.db.stmtMu.RLock()
		stmts, conn := t.db.pool(t.write)
		if stmts == nil {
			t.db.stmtMu.RUnlock()
			if t.write {
				t.db.writerMu.Unlock()
			}
			return
		}
		if _, found := stmts.Get(query); !found {
			if s, err := conn.PrepareContext(ctx, query); err == nil {
				stmts.Set(query, s, ttlcache.DefaultTTL)
			} else {
				log.Debug().Err(err).Str("query", query).Msg("failed to promote transaction statement to cache")
			}
		}
		t.db.stmtMu.RUnlock()
		if t.write {
			t.db.writerMu.Unlock()
		}
	}
}
