// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AuditCollector exports the audit writer counters at scrape time.
type AuditCollector struct {
	stats StatsFunc

	writtenDesc *prometheus.Desc
	droppedDesc *prometheus.Desc
	failedDesc  *prometheus.Desc
}

func NewAuditCollector(stats StatsFunc) *AuditCollector {
	return &AuditCollector{
		stats: stats,
		writtenDesc: prometheus.NewDesc(
			"growkey_audit_entries_written_total",
			"Audit entries persisted",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"growkey_audit_entries_dropped_total",
			"Audit entries dropped because the buffer was full or the writer closed",
			nil, nil,
		),
		failedDesc: prometheus.NewDesc(
			"growkey_audit_entries_failed_total",
			"Audit entries the store rejected",
			nil, nil,
		),
	}
}

func (c *AuditCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.writtenDesc
	ch <- c.droppedDesc
	ch <- c.failedDesc
}

func (c *AuditCollector) Collect(ch chan<- prometheus.Metric) {
	if c.stats == nil {
		return
	}
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.writtenDesc, prometheus.CounterValue, float64(s.Written))
	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(s.Dropped))
	ch <- prometheus.MustNewConstMetric(c.failedDesc, prometheus.CounterValue, float64(s.Failed))
}
