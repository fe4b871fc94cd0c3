// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/internal/audit"
	"github.com/growkey/growkey/internal/database"
)

type MetricsManager struct {
	registry *prometheus.Registry
	sessions *SessionMetrics
}

// NewMetricsManager builds a registry with runtime, store and session
// metrics. auditStats may be nil when no audit writer runs.
func NewMetricsManager(auditStats StatsFunc) *MetricsManager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(database.NewMetricsCollector())

	sessions := NewSessionMetrics()
	registry.MustRegister(sessions.collectors()...)

	if auditStats != nil {
		registry.MustRegister(NewAuditCollector(auditStats))
	}

	log.Info().Msg("Metrics manager initialized with collectors")

	return &MetricsManager{
		registry: registry,
		sessions: sessions,
	}
}

func (m *MetricsManager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// Sessions returns the recorder handed to the session engine.
func (m *MetricsManager) Sessions() *SessionMetrics {
	return m.sessions
}

// StatsFunc reports audit writer counters.
type StatsFunc func() audit.Stats
