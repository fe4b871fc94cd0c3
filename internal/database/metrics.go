// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	wedgedTransactionTotal atomic.Uint64
	sweptSessionsTotal     atomic.Uint64
)

func recordWedgedTransaction() {
	wedgedTransactionTotal.Add(1)
}

func recordSweptSessions(n int64) {
	if n > 0 {
		sweptSessionsTotal.Add(uint64(n))
	}
}

// MetricsCollector exposes store-level counters that live outside any
// request path.
type MetricsCollector struct {
	wedgedTransactionDesc *prometheus.Desc
	sweptSessionsDesc     *prometheus.Desc
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		wedgedTransactionDesc: prometheus.NewDesc(
			"growkey_db_wedged_transaction_total",
			"Number of times BeginTx detected a wedged transaction (indicates a bug)",
			nil,
			nil,
		),
		sweptSessionsDesc: prometheus.NewDesc(
			"growkey_db_swept_sessions_total",
			"Number of expired sessions removed by the per-license sweep",
			nil,
			nil,
		),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.wedgedTransactionDesc
	ch <- c.sweptSessionsDesc
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.wedgedTransactionDesc, prometheus.CounterValue, float64(wedgedTransactionTotal.Load()))
	ch <- prometheus.MustNewConstMetric(c.sweptSessionsDesc, prometheus.CounterValue, float64(sweptSessionsTotal.Load()))
}
