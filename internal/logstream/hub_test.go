// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package logstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLines(h *Hub, n int) {
	for i := range n {
		h.Write(fmt.Sprintf("line %d", i))
	}
}

func TestHubHistory(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		written int
		request int
		want    []string
	}{
		{name: "empty", size: 5, written: 0, request: 3, want: nil},
		{name: "partial", size: 100, written: 10, request: 3, want: []string{"line 7", "line 8", "line 9"}},
		{name: "all when n is zero", size: 10, written: 3, request: 0, want: []string{"line 0", "line 1", "line 2"}},
		{name: "wrapped", size: 5, written: 12, request: 10, want: []string{"line 7", "line 8", "line 9", "line 10", "line 11"}},
		{name: "exactly full", size: 3, written: 3, request: 3, want: []string{"line 0", "line 1", "line 2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHub(tt.size)
			writeLines(h, tt.written)
			assert.Equal(t, tt.want, h.History(tt.request))
			assert.Equal(t, len(h.History(0)), h.Count())
		})
	}
}

func TestHubSubscribeReceivesNewLines(t *testing.T) {
	h := NewHub(10)
	h.Write("before")

	ch, cancel := h.Subscribe(t.Context())
	defer cancel()

	h.Write("after")

	select {
	case line := <-ch:
		assert.Equal(t, "after", line)
	case <-time.After(time.Second):
		t.Fatal("no line received")
	}
}

func TestHubUnsubscribeOnContextDone(t *testing.T) {
	h := NewHub(10)
	ctx, cancel := context.WithCancel(t.Context())

	ch, _ := h.Subscribe(ctx)
	require.Equal(t, 1, h.Subscribers())

	cancel()

	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-ch
	assert.False(t, open)
}

func TestHubCancelIsIdempotent(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe(t.Context())
	cancel()
	cancel()
	assert.Zero(t, h.Subscribers())
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe(t.Context())
	defer cancel()

	done := make(chan struct{})
	go func() {
		writeLines(h, DefaultSubscriberBuffer*3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on slow subscriber")
	}
}

func TestHubConcurrentWriteAndSubscribe(t *testing.T) {
	h := NewHub(50)
	var wg sync.WaitGroup

	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			writeLines(h, 100)
		}()
		go func() {
			defer wg.Done()
			_, cancel := h.Subscribe(context.Background())
			cancel()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, h.Count())
	assert.Zero(t, h.Subscribers())
}
