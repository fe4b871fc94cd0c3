// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package logstream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestSwitchableWriterCapturesCompleteLines(t *testing.T) {
	var buf bytes.Buffer
	hub := NewHub(10)
	sw := NewSwitchableWriter(&buf, hub)

	_, err := sw.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, hub.History(0))

	_, err = sw.Write([]byte("ond\n\nthird\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, hub.History(0))
	assert.Equal(t, "first\nsecond\n\nthird\n", buf.String())
}

func TestSwitchableWriterRedactsStreamedLines(t *testing.T) {
	var buf bytes.Buffer
	hub := NewHub(10)
	sw := NewSwitchableWriter(&buf, hub)

	_, err := sw.Write([]byte(`{"level":"info","encryptionKey":"hunter2","message":"config loaded"}` + "\n"))
	require.NoError(t, err)

	history := hub.History(1)
	require.Len(t, history, 1)
	assert.NotContains(t, history[0], "hunter2")
	assert.Contains(t, history[0], "REDACTED")
}

func TestSwitchableWriterSwap(t *testing.T) {
	first := &closeRecorder{}
	second := &closeRecorder{}
	sw := NewSwitchableWriter(first, nil)

	assert.Nil(t, sw.Swap(second, second))
	_, err := sw.Write([]byte("to second\n"))
	require.NoError(t, err)
	assert.Empty(t, first.String())
	assert.Equal(t, "to second\n", second.String())

	old := sw.Swap(&bytes.Buffer{}, nil)
	require.NotNil(t, old)
	require.NoError(t, old.Close())
	assert.True(t, second.closed)
}

func TestSwitchableWriterPropagatesErrors(t *testing.T) {
	hub := NewHub(10)
	sw := NewSwitchableWriter(failingWriter{}, hub)

	_, err := sw.Write([]byte("lost\n"))
	assert.Error(t, err)
	assert.Zero(t, hub.Count())
}
