// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package logstream keeps the most recent server log lines in memory and fans
// them out to admin log-stream subscribers.
package logstream

import (
	"context"
	"sync"
)

const (
	DefaultBufferSize       = 1000
	DefaultSubscriberBuffer = 100
)

// Hub is a fixed-size ring of log lines plus a set of live subscribers.
type Hub struct {
	mu    sync.RWMutex
	lines []string
	next  int
	full  bool
	subs  map[chan string]struct{}
}

func NewHub(size int) *Hub {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Hub{
		lines: make([]string, size),
		subs:  make(map[chan string]struct{}),
	}
}

// Write stores line and offers it to every subscriber. Slow subscribers miss
// lines instead of blocking the logger.
func (h *Hub) Write(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lines[h.next] = line
	h.next = (h.next + 1) % len(h.lines)
	if h.next == 0 {
		h.full = true
	}

	for ch := range h.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

func (h *Hub) count() int {
	if h.full {
		return len(h.lines)
	}
	return h.next
}

// Count returns the number of buffered lines.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count()
}

// History returns up to n of the newest lines, oldest first. n <= 0 means all.
func (h *Hub) History(n int) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := h.count()
	if n <= 0 || n > total {
		n = total
	}
	if n == 0 {
		return nil
	}

	out := make([]string, n)
	start := (h.next - n + len(h.lines)) % len(h.lines)
	for i := range n {
		out[i] = h.lines[(start+i)%len(h.lines)]
	}
	return out
}

// Subscribe returns a channel of new lines. The channel is closed once ctx is
// done or cancel is called, whichever happens first.
func (h *Hub) Subscribe(ctx context.Context) (<-chan string, func()) {
	ch := make(chan string, DefaultSubscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	ctx, stop := context.WithCancel(ctx)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
