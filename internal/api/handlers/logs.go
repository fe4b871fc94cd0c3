// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/growkey/growkey/internal/config"
	"github.com/growkey/growkey/internal/logstream"
)

const (
	defaultStreamHistory = 200
	keepaliveInterval    = 30 * time.Second
)

// LogsHandler serves log settings and the live log stream. Streamed lines are
// already redacted by the log writer.
type LogsHandler struct {
	appConfig *config.AppConfig
}

func NewLogsHandler(appConfig *config.AppConfig) *LogsHandler {
	return &LogsHandler{
		appConfig: appConfig,
	}
}

func (h *LogsHandler) Routes(r chi.Router) {
	r.Get("/log-settings", h.GetLogSettings)
	r.Put("/log-settings", h.UpdateLogSettings)
	r.Get("/logs/stream", h.StreamLogs)
}

func (h *LogsHandler) GetLogSettings(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.appConfig.GetLogSettings())
}

func (h *LogsHandler) UpdateLogSettings(w http.ResponseWriter, r *http.Request) {
	var update config.LogSettingsUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch {
	case update.Level != nil && !config.ValidLogLevel(*update.Level):
		RespondError(w, http.StatusBadRequest, "invalid log level: "+*update.Level)
		return
	case update.MaxSize != nil && *update.MaxSize < 1:
		RespondError(w, http.StatusBadRequest, "maxSize must be at least 1 MB")
		return
	case update.MaxBackups != nil && *update.MaxBackups < 0:
		RespondError(w, http.StatusBadRequest, "maxBackups cannot be negative")
		return
	}

	settings, err := h.appConfig.UpdateLogSettings(update)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, settings)
}

// StreamLogs sends recent history, then follows new lines as server-sent
// events until the client goes away.
func (h *LogsHandler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	hub := h.GetHub()
	lines, cancel := hub.Subscribe(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, line := range hub.History(parseLimit(r)) {
		if err := writeSSEData(w, line); err != nil {
			return
		}
	}
	flusher.Flush()

	streamLoop(r.Context(), w, flusher, lines)
}

func parseLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultStreamHistory
}

func streamLoop(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, lines <-chan string) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEData(w http.ResponseWriter, data string) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (h *LogsHandler) GetHub() *logstream.Hub {
	return h.appConfig.GetLogManager().GetHub()
}
