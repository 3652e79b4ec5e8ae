// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package validator

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the validator's Prometheus collectors.
type Metrics struct {
	checks  *prometheus.CounterVec
	results *prometheus.CounterVec
	risk    prometheus.Histogram
}

// NewMetrics registers validator collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		checks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termlimits",
			Subsystem: "validator",
			Name:      "checks_total",
			Help:      "Validation checks by check name and status",
		}, []string{"check", "status"}),
		results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termlimits",
			Subsystem: "validator",
			Name:      "results_total",
			Help:      "Validation results by assurance and decision",
		}, []string{"assurance", "allowed"}),
		risk: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "termlimits",
			Subsystem: "validator",
			Name:      "risk_score",
			Help:      "Environment risk scores of validated requests",
			Buckets:   []float64{0, 10, 20, 40, 60, 80, 100},
		}),
	}
}

func (m *Metrics) observe(r *Result) {
	if m == nil {
		return
	}
	for _, c := range r.Checks {
		m.checks.WithLabelValues(c.Name, string(c.Status)).Inc()
	}
	m.results.WithLabelValues(string(r.Assurance), strconv.FormatBool(r.Allowed)).Inc()
	m.risk.Observe(float64(r.RiskScore))
}
