// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"strings"
	"unicode"

	"github.com/autobrr/autobrr/pkg/ttlcache"
)

const (
	stmtClosedErrMsg           = "statement is closed"
	sqliteNestedTxErrSubstring = "cannot start a transaction within a transaction"
)

var writePrefixes = []string{
	"INSERT", "UPDATE", "UPSERT", "REPLACE", "DELETE",
	"CREATE", "ALTER", "DROP", "VACUUM", "BEGIN", "COMMIT", "ROLLBACK",
}

// isWriteQuery routes a statement by its first keyword.
func isWriteQuery(query string) bool {
	q := strings.TrimLeftFunc(query, unicode.IsSpace)
	if len(q) > 8 {
		q = q[:8]
	}
	q = strings.ToUpper(q)
	for _, prefix := range writePrefixes {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func isSQLiteNestedTxErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), sqliteNestedTxErrSubstring)
}

func isStmtClosedErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), stmtClosedErrMsg)
}

// pool returns the statement cache and connection for the given side. Caller
// must hold stmtMu.
func (db *DB) pool(write bool) (*ttlcache.Cache[string, *sql.Stmt], *sql.DB) {
	if write {
		return db.writerStmts, db.writerConn
	}
	return db.readerStmts, db.readerPool
}

// cachedStmt returns a prepared statement for query, preparing it on the
// matching pool on a miss.
func (db *DB) cachedStmt(ctx context.Context, query string, write bool) (*sql.Stmt, error) {
	if db.closing.Load() {
		return nil, sql.ErrConnDone
	}

	db.stmtMu.RLock()
	defer db.stmtMu.RUnlock()

	stmts, conn := db.pool(write)
	if stmts == nil || conn == nil {
		return nil, sql.ErrConnDone
	}
	if s, found := stmts.Get(query); found && s != nil {
		return s, nil
	}

	// Concurrent misses may prepare twice; the loser is closed by the
	// cache's deallocation func.
	s, err := conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	stmts.Set(query, s, ttlcache.DefaultTTL)
	return s, nil
}

// lookupStmt only consults the cache. Write transactions own the single
// writer connection, so preparing on it from inside one would deadlock.
func (db *DB) lookupStmt(query string, write bool) (*sql.Stmt, bool) {
	if db.closing.Load() {
		return nil, false
	}

	db.stmtMu.RLock()
	defer db.stmtMu.RUnlock()

	stmts, _ := db.pool(write)
	if stmts == nil {
		return nil, false
	}
	s, found := stmts.Get(query)
	return s, found && s != nil
}

func (db *DB) dropStmt(query string, write bool) {
	db.stmtMu.RLock()
	defer db.stmtMu.RUnlock()

	if stmts, _ := db.pool(write); stmts != nil {
		stmts.Delete(query)
	}
}

// ExecContext routes write queries to the writer connection and reads to the
// reader pool. Do not use it for statements with RETURNING clauses.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	write := isWriteQuery(query)
	if write {
		db.writerMu.Lock()
		defer db.writerMu.Unlock()
	}

	for attempt := 0; ; attempt++ {
		stmt, err := db.cachedStmt(ctx, query, write)
		if err != nil {
			_, conn := db.pool(write)
			return conn.ExecContext(ctx, query, args...)
		}
		res, err := stmt.ExecContext(ctx, args...)
		if attempt == 0 && isStmtClosedErr(err) {
			// evicted between lookup and exec
			db.dropStmt(query, write)
			continue
		}
		return res, err
	}
}

// QueryContext routes like ExecContext.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	write := isWriteQuery(query)
	if write {
		db.writerMu.Lock()
		defer db.writerMu.Unlock()
	}

	for attempt := 0; ; attempt++ {
		stmt, err := db.cachedStmt(ctx, query, write)
		if err != nil {
			_, conn := db.pool(write)
			return conn.QueryContext(ctx, query, args...)
		}
		rows, err := stmt.QueryContext(ctx, args...)
		if attempt == 0 && isStmtClosedErr(err) {
			db.dropStmt(query, write)
			continue
		}
		return rows, err
	}
}

// QueryRowContext routes like ExecContext.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	write := isWriteQuery(query)
	if write {
		db.writerMu.Lock()
		defer db.writerMu.Unlock()
	}

	for attempt := 0; ; attempt++ {
		stmt, err := db.cachedStmt(ctx, query, write)
		if err != nil {
			_, conn := db.pool(write)
			return conn.QueryRowContext(ctx, query, args...)
		}
		row := stmt.QueryRowContext(ctx, args...)
		if attempt == 0 && isStmtClosedErr(row.Err()) {
			db.dropStmt(query, write)
			continue
		}
		return row
	}
}
