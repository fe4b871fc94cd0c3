// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package logstream

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"

	"github.com/growkey/growkey/pkg/redact"
)

// SwitchableWriter forwards writes to a target that can be replaced at
// runtime, e.g. when the log file path changes. Complete lines are redacted
// and copied into a Hub.
type SwitchableWriter struct {
	target atomic.Pointer[target]
	hub    *Hub

	mu      sync.Mutex
	partial bytes.Buffer
}

type target struct {
	w      io.Writer
	closer io.Closer
}

func NewSwitchableWriter(initial io.Writer, hub *Hub) *SwitchableWriter {
	sw := &SwitchableWriter{hub: hub}
	sw.target.Store(&target{w: initial})
	return sw
}

func (sw *SwitchableWriter) Write(p []byte) (int, error) {
	t := sw.target.Load()
	if t == nil || t.w == nil {
		return len(p), nil
	}

	n, err := t.w.Write(p)
	if err != nil {
		return n, err
	}
	if sw.hub != nil {
		sw.capture(p[:n])
	}
	return n, nil
}

func (sw *SwitchableWriter) capture(p []byte) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.partial.Write(p)
	for {
		data := sw.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := string(data[:idx])
		sw.partial.Next(idx + 1)
		if line != "" {
			sw.hub.Write(redact.String(line))
		}
	}
}

// Swap installs a new target and returns the previous closer, which the
// caller closes once nothing writes to it anymore.
func (sw *SwitchableWriter) Swap(w io.Writer, closer io.Closer) io.Closer {
	old := sw.target.Swap(&target{w: w, closer: closer})
	if old == nil {
		return nil
	}
	return old.closer
}

func (sw *SwitchableWriter) Hub() *Hub {
	return sw.hub
}
