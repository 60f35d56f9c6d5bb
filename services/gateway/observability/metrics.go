// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the gateway.
//
// # Description
//
// This package implements Prometheus metrics for monitoring admission
// decisions. Metrics include:
//   - Admission decision counters (by stage and outcome)
//   - Ban event counters (by scope)
//   - Fail-open counters (by component)
//   - Cost accounting counters (estimated vs. settled spend)
//   - Store script latency histograms
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting. The fail-open counter in particular should
// be alerted on: a sustained non-zero rate means requests are passing
// without enforcement.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for gateway metrics
const gateSubsystem = "gate"

// GateMetrics holds all Prometheus metrics for admission operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring the admission
// pipeline. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type GateMetrics struct {
	// RequestsTotal counts gateway requests by endpoint and status.
	// Labels: endpoint (chat, chat_stream, chat_ws, challenge, webhook), status (success, denied, error)
	RequestsTotal *prometheus.CounterVec

	// DecisionsTotal counts admission stage decisions.
	// Labels: stage (challenge, ban, rate_limit, global, bot_check, sanitize, cost), outcome (allow, deny, fail_open)
	DecisionsTotal *prometheus.CounterVec

	// BansTotal counts temporary bans applied.
	// Labels: scope (chat, strict)
	BansTotal *prometheus.CounterVec

	// FailOpenTotal counts requests admitted without enforcement because
	// a dependency was unavailable.
	// Labels: component (rate_limit, cost, bot_check)
	FailOpenTotal *prometheus.CounterVec

	// CostUSDTotal accumulates dollars charged against cost buckets.
	// Labels: phase (estimated, actual), model
	CostUSDTotal *prometheus.CounterVec

	// SettleRetriesTotal counts reconciliation retries after LLM completion.
	SettleRetriesTotal prometheus.Counter

	// ScriptDurationSeconds measures store script round-trip latency.
	// Labels: script (rate_check, cost_check, cost_settle, challenge)
	ScriptDurationSeconds *prometheus.HistogramVec

	// RetryAfterSeconds measures the backoff handed to rejected callers.
	// Labels: reason (rate_limited, banned, cost_throttled, global)
	RetryAfterSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint (chat_stream, chat_ws)
	ActiveStreams *prometheus.GaugeVec

	// ChallengesTotal counts challenge lifecycle events.
	// Labels: event (issued, consumed, rejected)
	ChallengesTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of GateMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *GateMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics with the default
// registry. Should be called once at application startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *GateMetrics {
	DefaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// newMetrics builds the metric set against an explicit registerer so
// tests can use an isolated registry.
func newMetrics(reg prometheus.Registerer) *GateMetrics {
	factory := promauto.With(reg)

	return &GateMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "requests_total",
				Help:      "Total gateway requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "admission_decisions_total",
				Help:      "Admission stage decisions by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),

		BansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "bans_total",
				Help:      "Temporary bans applied by scope",
			},
			[]string{"scope"},
		),

		FailOpenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "fail_open_total",
				Help:      "Requests admitted without enforcement due to dependency failure",
			},
			[]string{"component"},
		),

		CostUSDTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "cost_usd_total",
				Help:      "Dollars charged against cost buckets by phase and model",
			},
			[]string{"phase", "model"},
		),

		SettleRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "settle_retries_total",
				Help:      "Cost reconciliation retries after completion",
			},
		),

		ScriptDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "script_duration_seconds",
				Help:      "Store script round-trip latency in seconds",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1.0},
			},
			[]string{"script"},
		),

		RetryAfterSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "retry_after_seconds",
				Help:      "Backoff handed to rejected callers in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400},
			},
			[]string{"reason"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ChallengesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "challenges_total",
				Help:      "Challenge lifecycle events",
			},
			[]string{"event"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Stage identifies an admission pipeline stage for metrics labeling.
type Stage string

const (
	StageChallenge Stage = "challenge"
	StageBan       Stage = "ban"
	StageRateLimit Stage = "rate_limit"
	StageGlobal    Stage = "global"
	StageBotCheck  Stage = "bot_check"
	StageSanitize  Stage = "sanitize"
	StageCost      Stage = "cost"
)

// Outcome is the result of an admission stage for metrics labeling.
type Outcome string

const (
	OutcomeAllow    Outcome = "allow"
	OutcomeDeny     Outcome = "deny"
	OutcomeFailOpen Outcome = "fail_open"
)

// Endpoint identifies a gateway endpoint for metrics labeling.
type Endpoint string

const (
	EndpointChat       Endpoint = "chat"
	EndpointChatStream Endpoint = "chat_stream"
	EndpointChatWS     Endpoint = "chat_ws"
	EndpointChallenge  Endpoint = "challenge"
	EndpointWebhook    Endpoint = "webhook"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed gateway request.
func (m *GateMetrics) RecordRequest(endpoint Endpoint, status string) {
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordDecision records one admission stage decision.
func (m *GateMetrics) RecordDecision(stage Stage, outcome Outcome) {
	m.DecisionsTotal.WithLabelValues(string(stage), string(outcome)).Inc()
}

// RecordBan records a temporary ban applied to a scope.
func (m *GateMetrics) RecordBan(scope string) {
	m.BansTotal.WithLabelValues(scope).Inc()
}

// RecordFailOpen records a request admitted without enforcement.
func (m *GateMetrics) RecordFailOpen(component string) {
	m.FailOpenTotal.WithLabelValues(component).Inc()
}

// RecordCost records dollars charged against a cost bucket.
// phase is "estimated" at admission, "actual" at settlement.
func (m *GateMetrics) RecordCost(phase, model string, usd float64) {
	if usd < 0 {
		return
	}
	m.CostUSDTotal.WithLabelValues(phase, model).Add(usd)
}

// ObserveScript records the latency of one store script call.
func (m *GateMetrics) ObserveScript(script string, seconds float64) {
	m.ScriptDurationSeconds.WithLabelValues(script).Observe(seconds)
}

// ObserveRetryAfter records the backoff handed to a rejected caller.
func (m *GateMetrics) ObserveRetryAfter(reason string, seconds float64) {
	m.RetryAfterSeconds.WithLabelValues(reason).Observe(seconds)
}

// StreamStarted increments the active streams gauge.
func (m *GateMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *GateMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordChallenge records a challenge lifecycle event
// ("issued", "consumed", or "rejected").
func (m *GateMetrics) RecordChallenge(event string) {
	m.ChallengesTotal.WithLabelValues(event).Inc()
}
