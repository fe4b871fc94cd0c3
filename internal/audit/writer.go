// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package audit records license decisions asynchronously.
//
// Appends never block the caller and never fail it: when the buffer is full
// or the writer is closed the entry is dropped and counted. A decision that
// has already been committed is never rolled back because its audit row
// could not be written.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/internal/models"
	"github.com/growkey/growkey/pkg/redact"
)

const (
	DefaultBufferSize = 1024
	writeTimeout      = 5 * time.Second
)

// Sink accepts audit entries.
type Sink interface {
	Append(ctx context.Context, entry models.AuditLogEntry)
}

// Repository persists a single entry.
type Repository interface {
	AppendAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error
}

// Stats is a snapshot of the writer counters.
type Stats struct {
	Written uint64
	Dropped uint64
	Failed  uint64
}

// Writer is a buffered Sink draining into a Repository from one goroutine,
// which keeps entries in append order.
type Writer struct {
	repo    Repository
	entries chan models.AuditLogEntry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	now func() time.Time
}

func NewWriter(repo Repository, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	w := &Writer{
		repo:    repo,
		entries: make(chan models.AuditLogEntry, bufferSize),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go w.run()
	return w
}

func (w *Writer) Append(_ context.Context, entry models.AuditLogEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = w.now().UTC()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.drop(entry, "writer closed")
		return
	}

	select {
	case w.entries <- entry:
	default:
		w.drop(entry, "buffer full")
	}
}

func (w *Writer) drop(entry models.AuditLogEntry, reason string) {
	w.dropped.Add(1)
	log.Warn().
		Str("license", redact.LicenseKey(entry.LicenseKey)).
		Str("action", entry.Action).
		Str("reason", reason).
		Msg("Audit entry dropped")
}

func (w *Writer) run() {
	defer close(w.done)

	for entry := range w.entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := w.repo.AppendAuditEntry(ctx, &entry)
		cancel()

		if err != nil {
			w.failed.Add(1)
			log.Error().Err(err).
				Str("license", redact.LicenseKey(entry.LicenseKey)).
				Str("action", entry.Action).
				Msg("Failed to write audit entry")
			continue
		}
		w.written.Add(1)
	}
}

// Close stops accepting entries and waits until the buffer is drained or ctx
// is done.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.entries)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) Stats() Stats {
	return Stats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
	}
}
