// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics records token issuance and logout outcomes. Outcome labels
// are "success" or a failure kind such as "at_capacity".
type SessionMetrics struct {
	issued   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	logouts  *prometheus.CounterVec
}

func NewSessionMetrics() *SessionMetrics {
	return &SessionMetrics{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "growkey_token_requests_total",
			Help: "Token issuance requests by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "growkey_token_request_duration_seconds",
			Help:    "Time spent deciding a token issuance, lock wait included",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"outcome"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "growkey_logout_requests_total",
			Help: "Logout requests by outcome",
		}, []string{"outcome"}),
	}
}

func (m *SessionMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.issued, m.duration, m.logouts}
}

func (m *SessionMetrics) ObserveIssue(outcome string, elapsed time.Duration) {
	m.issued.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *SessionMetrics) ObserveLogout(outcome string) {
	m.logouts.WithLabelValues(outcome).Inc()
}
