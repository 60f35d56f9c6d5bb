// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admission implements the chat admission pipeline.
//
// # Description
//
// Every chat request walks the same stage sequence before any model
// token is spent:
//
//	RECEIVED
//	   │  sanitizer (length, control bytes, injection wrap)
//	   ▼
//	SANITIZED
//	   │  identity already extracted by middleware
//	   ▼
//	IDENTIFIED
//	   │  one-shot challenge consume (fail-closed)
//	   ▼
//	CHALLENGE_VALIDATED
//	   │  Turnstile verify (failure degrades, never blocks)
//	   ▼
//	BOT_CHECKED
//	   │  bans, global windows, per-identifier windows (fail-open)
//	   ▼
//	RATE_ALLOWED
//	   │  spend estimate against window + daily budgets (fail-open)
//	   ▼
//	COST_ALLOWED ──► caller dispatches ──► COMPLETED | ERROR
//
// The first stage to reject wins; later stages never run, so a banned
// client cannot burn challenge tokens or cost-bucket slots.
//
// # Failure Stance
//
// Challenge validation fails closed: a store outage yields 503, because
// admitting unverified traffic is exactly what the challenge exists to
// prevent. The limiter and cost stages fail open with a metric: those
// protect spend, and blocking all traffic to protect spend inverts the
// priority.
//
// # Thread Safety
//
// The Pipeline is safe for concurrent use. Tickets are owned by one
// request goroutine; only Settle is safe to race.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/guard/botcheck"
	"github.com/AleutianAI/AleutianGate/services/guard/challenge"
	"github.com/AleutianAI/AleutianGate/services/guard/config"
	"github.com/AleutianAI/AleutianGate/services/guard/costguard"
	"github.com/AleutianAI/AleutianGate/services/guard/identity"
	"github.com/AleutianAI/AleutianGate/services/guard/ratelimit"
	"github.com/AleutianAI/AleutianGate/services/guard/sanitize"
)

// =============================================================================
// Constants
// =============================================================================

// tracerName identifies admission spans.
const tracerName = "aleutian.gateway.admission"

// ScopeChat is the limiter scope for chat traffic.
const ScopeChat = "chat"

const (
	// settleAttempts bounds reconciliation retries.
	settleAttempts = 3

	// defaultSettleBackoff is the base delay between reconciliation
	// attempts; attempt n waits n times this.
	defaultSettleBackoff = 100 * time.Millisecond
)

// State names one position in the admission walk.
type State string

const (
	StateReceived           State = "RECEIVED"
	StateSanitized          State = "SANITIZED"
	StateIdentified         State = "IDENTIFIED"
	StateChallengeValidated State = "CHALLENGE_VALIDATED"
	StateBotChecked         State = "BOT_CHECKED"
	StateRateAllowed        State = "RATE_ALLOWED"
	StateCostAllowed        State = "COST_ALLOWED"
	StateDispatched         State = "DISPATCHED"
	StateCompleted          State = "COMPLETED"
	StateError              State = "ERROR"
)

// =============================================================================
// Types
// =============================================================================

// Config wires the pipeline's collaborators.
type Config struct {
	Live       *config.Service
	Challenges challenge.Service
	Limiter    ratelimit.Service
	Cost       costguard.Service
	Estimator  *costguard.Estimator
	Bots       botcheck.Verifier
	Sanitizer  sanitize.Service
	Metrics    *observability.GateMetrics

	// Model names the dispatch model for cost estimation.
	Model string

	// Options carries the pluggable audit and notification hooks.
	Options extensions.ServiceOptions
}

// AdmitRequest is one chat request presented for admission.
type AdmitRequest struct {
	// RequestID is the logical request's idempotency key.
	RequestID string

	// Identity is the middleware-extracted identity.
	Identity identity.Identity

	// Query is the raw user input.
	Query string

	// History holds prior conversation turns, raw.
	History []string

	// BotToken is the CF-Turnstile-Response header value, may be empty.
	BotToken string

	// SkipGlobal exempts the request from the shared global windows
	// (authenticated admin traffic).
	SkipGlobal bool
}

// Denial is a structured rejection. Kind and Status map directly onto
// the HTTP error taxonomy.
type Denial struct {
	Kind    string
	Status  int
	Message string

	RetryAfter           int
	Limits               *datatypes.LimitInfo
	ViolationCount       int64
	BanExpiresAt         int64
	RequiresVerification bool
}

// Envelope renders the denial as the wire error envelope.
func (d *Denial) Envelope(requestID string) *datatypes.ErrorResponse {
	return &datatypes.ErrorResponse{
		Error:                d.Kind,
		Message:              d.Message,
		RequestID:            requestID,
		Limits:               d.Limits,
		ViolationCount:       int(d.ViolationCount),
		BanExpiresAt:         d.BanExpiresAt,
		RetryAfterSeconds:    d.RetryAfter,
		RequiresVerification: d.RequiresVerification,
	}
}

// Ticket is an admitted request. It carries the sanitized inputs and
// the obligation to settle the cost estimate exactly once.
type Ticket struct {
	RequestID string
	Identity  identity.Identity

	// Query is the sanitized live query; History the cleaned turns.
	Query   string
	History []string

	// InjectionFlagged is true when the sanitizer wrapped a phrase.
	InjectionFlagged bool

	// Strict is true when the bot check failed and the strict limiter
	// profile was applied.
	Strict bool

	// EstimatedUSD is the recorded spend estimate, zero when cost
	// metering is off.
	EstimatedUSD float64

	// Model is the dispatch model the estimate priced.
	Model string

	// State is the furthest stage the request reached.
	State State

	pipeline   *Pipeline
	costPolicy costguard.Policy
	costActive bool
	settled    atomic.Bool
}

// Pipeline walks admission stages for chat requests.
type Pipeline struct {
	cfg           Config
	settleBackoff time.Duration
}

// New creates the Pipeline.
//
// # Limitations
//
//   - Panics when a required collaborator is missing; the pipeline has
//     no degraded construction mode.
func New(cfg Config) *Pipeline {
	if cfg.Live == nil || cfg.Challenges == nil || cfg.Limiter == nil ||
		cfg.Cost == nil || cfg.Sanitizer == nil || cfg.Bots == nil {
		panic("admission: all guard services are required")
	}
	if cfg.Estimator == nil {
		cfg.Estimator = costguard.NewEstimator()
	}
	cfg.Options = cfg.Options.EnsureDefaults()
	return &Pipeline{cfg: cfg, settleBackoff: defaultSettleBackoff}
}

// =============================================================================
// Admission Walk
// =============================================================================

// Admit walks the admission stages in order.
//
// # Outputs
//
//   - *Ticket: non-nil exactly when the request is admitted.
//   - *Denial: non-nil exactly when a stage rejected.
func (p *Pipeline) Admit(ctx context.Context, req AdmitRequest) (*Ticket, *Denial) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "admission.Admit",
		trace.WithAttributes(
			attribute.String("request.id", req.RequestID),
			attribute.String("client.stable_id", req.Identity.StableID),
		))
	defer span.End()

	snap := p.cfg.Live.Current()
	state := StateReceived

	deny := func(stage observability.Stage, d *Denial) (*Ticket, *Denial) {
		span.AddEvent("denied", trace.WithAttributes(
			attribute.String("stage", string(stage)),
			attribute.String("kind", d.Kind),
			attribute.String("state", string(state)),
		))
		p.recordDecision(stage, observability.OutcomeDeny)
		p.audit(ctx, req, string(stage), d.Kind)
		return nil, d
	}
	advance := func(to State) {
		state = to
		span.AddEvent(string(to))
	}

	// Step 1: sanitize. Rejection here is the cheapest possible exit.
	query, flagged, err := p.cfg.Sanitizer.Sanitize(req.Query)
	if err != nil {
		if errors.Is(err, sanitize.ErrTooLong) {
			return deny(observability.StageSanitize, &Denial{
				Kind:    datatypes.ErrCodeSanitizationFailed,
				Status:  http.StatusBadRequest,
				Message: "query exceeds maximum length",
			})
		}
		return deny(observability.StageSanitize, &Denial{
			Kind:    datatypes.ErrCodeSanitizationFailed,
			Status:  http.StatusBadRequest,
			Message: "query could not be sanitized",
		})
	}
	history := p.cfg.Sanitizer.CleanHistory(req.History)
	advance(StateSanitized)
	advance(StateIdentified)

	// Step 2: challenge, fail-closed.
	if snap.ChallengeEnabled {
		if d := p.checkChallenge(ctx, snap, req); d != nil {
			return deny(observability.StageChallenge, d)
		}
	}
	advance(StateChallengeValidated)

	// Step 3: bot check. Failure selects the strict limiter profile
	// for step 4; it never rejects on its own.
	strict := false
	if snap.TurnstileEnabled {
		result := p.cfg.Bots.Verify(ctx, req.BotToken, req.Identity.ClientIP)
		if !result.Success {
			strict = true
			p.recordDecision(observability.StageBotCheck, observability.OutcomeFailOpen)
			slog.Info("bot check failed, degrading to strict profile",
				"request_id", req.RequestID,
				"stable_id", req.Identity.StableID,
				"reason", result.Reason)
		} else {
			p.recordDecision(observability.StageBotCheck, observability.OutcomeAllow)
		}
	}
	advance(StateBotChecked)

	// Step 4: rate limit, fail-open.
	if d := p.checkRate(ctx, snap, req, strict); d != nil {
		stage := observability.StageRateLimit
		if d.Kind == datatypes.ErrCodeBanned {
			stage = observability.StageBan
		}
		return deny(stage, d)
	}
	advance(StateRateAllowed)

	// Step 5: cost, fail-open.
	estimate := 0.0
	costPolicy := costguard.Policy{}
	if snap.CostEnabled {
		costPolicy = CostPolicyFrom(snap)
		estimate = p.cfg.Estimator.Estimate(p.cfg.Model, query, history)
		if d := p.checkCost(ctx, req, estimate, costPolicy); d != nil {
			return deny(observability.StageCost, d)
		}
		p.recordCostMetric("estimated", estimate)
	}
	advance(StateCostAllowed)

	return &Ticket{
		RequestID:        req.RequestID,
		Identity:         req.Identity,
		Query:            query,
		History:          history,
		InjectionFlagged: flagged,
		Strict:           strict,
		EstimatedUSD:     estimate,
		Model:            p.cfg.Model,
		State:            state,
		pipeline:         p,
		costPolicy:       costPolicy,
		costActive:       snap.CostEnabled,
	}, nil
}

// =============================================================================
// Stages
// =============================================================================

// checkChallenge consumes the token embedded in the fingerprint.
//
// The structured fingerprint is fp:{challenge}:{hash}; the middle
// segment is the one-shot token, the last is the stable hash the token
// was issued to.
func (p *Pipeline) checkChallenge(ctx context.Context, snap *config.Snapshot, req AdmitRequest) *Denial {
	token := challengeToken(req.Identity.FullFP)
	if token == "" {
		return &Denial{
			Kind:    datatypes.ErrCodeInvalidChallenge,
			Status:  http.StatusUnauthorized,
			Message: "a challenge token is required; request one at /api/v1/auth/challenge",
		}
	}

	verdict, err := p.cfg.Challenges.ValidateAndConsume(ctx, token, req.Identity.StableID)
	if err != nil {
		// Fail closed. Admitting unverified traffic because the store
		// is down defeats the layer's purpose.
		slog.Error("challenge validation unavailable",
			"request_id", req.RequestID, "error", err)
		return &Denial{
			Kind:    datatypes.ErrCodeStoreUnavailable,
			Status:  http.StatusServiceUnavailable,
			Message: "verification temporarily unavailable",
		}
	}

	switch verdict {
	case challenge.VerdictOK:
		p.recordChallengeMetric("consumed")
		return nil
	case challenge.VerdictMismatch:
		p.recordChallengeMetric("rejected")
		return &Denial{
			Kind:    datatypes.ErrCodeChallengeMismatch,
			Status:  http.StatusUnauthorized,
			Message: "challenge belongs to a different client",
		}
	default:
		p.recordChallengeMetric("rejected")
		return &Denial{
			Kind:    datatypes.ErrCodeInvalidChallenge,
			Status:  http.StatusUnauthorized,
			Message: "challenge is expired, consumed, or unknown",
		}
	}
}

// checkRate runs the ban, global, and per-identifier windows.
func (p *Pipeline) checkRate(ctx context.Context, snap *config.Snapshot, req AdmitRequest, strict bool) *Denial {
	limits := ratelimit.Limits{PerMinute: snap.ChatPerMinute, PerHour: snap.ChatPerHour}
	if strict {
		limits = ratelimit.Limits{PerMinute: snap.StrictPerMinute, PerHour: snap.StrictPerHour}
	}

	check := ratelimit.Check{
		Scope:      ScopeChat,
		Identifier: req.Identity.StableID,
		IP:         req.Identity.ClientIP,
		// The full fingerprint rotates with each challenge, so a client
		// retrying under the same challenge consumes one slot.
		DedupKey: req.Identity.FullFP,
		Limits:   limits,
	}
	if snap.GlobalEnabled && !req.SkipGlobal {
		check.Global = ratelimit.Limits{PerMinute: snap.GlobalPerMinute, PerHour: snap.GlobalPerHour}
	}

	start := time.Now()
	decision, err := p.cfg.Limiter.Allow(ctx, check)
	p.observeScript("rate_check", time.Since(start))
	if err != nil {
		slog.Warn("rate limiter degraded to fail-open",
			"request_id", req.RequestID, "error", err)
		p.recordFailOpen("rate_limit")
		return nil
	}

	switch decision.Kind {
	case ratelimit.KindAllowed:
		p.recordDecision(observability.StageRateLimit, observability.OutcomeAllow)
		return nil

	case ratelimit.KindBanned:
		p.observeRetryAfter("banned", decision.RetryAfter)
		return &Denial{
			Kind:           datatypes.ErrCodeBanned,
			Status:         http.StatusTooManyRequests,
			Message:        "temporarily banned due to repeated violations",
			RetryAfter:     decision.RetryAfter,
			ViolationCount: decision.ViolationCount,
			BanExpiresAt:   decision.BanExpiresAt,
		}

	default:
		p.observeRetryAfter("rate_limited", decision.RetryAfter)
		if decision.BanExpiresAt > 0 {
			// This violation armed or escalated a ban.
			p.recordBanMetric(ScopeChat)
			p.notifyBan(ctx, req, decision)
		}
		msg := "rate limit exceeded"
		if decision.Global {
			msg = "service is busy, please retry shortly"
		}
		return &Denial{
			Kind:       datatypes.ErrCodeRateLimited,
			Status:     http.StatusTooManyRequests,
			Message:    msg,
			RetryAfter: decision.RetryAfter,
			Limits: &datatypes.LimitInfo{
				PerMinute: limits.PerMinute,
				PerHour:   limits.PerHour,
			},
			ViolationCount: decision.ViolationCount,
			BanExpiresAt:   decision.BanExpiresAt,
		}
	}
}

// checkCost records the estimate against both spend windows.
func (p *Pipeline) checkCost(ctx context.Context, req AdmitRequest, estimate float64, policy costguard.Policy) *Denial {
	start := time.Now()
	decision, err := p.cfg.Cost.CheckAndRecord(ctx, req.Identity.StableID, req.RequestID, estimate, policy)
	p.observeScript("cost_check", time.Since(start))
	if err != nil {
		slog.Warn("cost throttler degraded to fail-open",
			"request_id", req.RequestID, "error", err)
		p.recordFailOpen("cost")
		return nil
	}

	if !decision.Denied() {
		p.recordDecision(observability.StageCost, observability.OutcomeAllow)
		return nil
	}

	kind := datatypes.ErrCodeCostThrottled
	msg := "spending limit reached, please slow down"
	if decision.Status == costguard.StatusDailyCapExceeded ||
		decision.Reason == string(costguard.StatusDailyCapExceeded) {
		kind = datatypes.ErrCodeDailyCapExceeded
		msg = "daily spending cap reached"
	}
	p.observeRetryAfter("cost_throttled", decision.RetryAfter)
	return &Denial{
		Kind:       kind,
		Status:     http.StatusTooManyRequests,
		Message:    msg,
		RetryAfter: decision.RetryAfter,
		// The client may solve a challenge and retry once the flag
		// lifts; throttles target probable abuse, not paying users.
		RequiresVerification: true,
	}
}

// =============================================================================
// Settlement
// =============================================================================

// Settle replaces the ticket's estimate with the settled amount.
//
// # Description
//
// Called exactly once per admitted request, on success, backend error,
// and client disconnect alike; the actual may be zero when dispatch
// produced nothing billable. Retries up to three times with linear
// backoff; a request that cannot settle keeps its estimate on the
// books, which over-counts, and over-counting is the safe direction.
//
// # Thread Safety
//
// Safe to call concurrently; only the first call settles.
func (t *Ticket) Settle(ctx context.Context, actualUSD float64) error {
	if !t.settled.CompareAndSwap(false, true) {
		return nil
	}
	if !t.costActive {
		return nil
	}
	if actualUSD < 0 {
		actualUSD = 0
	}

	p := t.pipeline
	var lastErr error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		start := time.Now()
		_, err := p.cfg.Cost.Reconcile(ctx, t.Identity.StableID, t.RequestID, actualUSD, t.costPolicy)
		p.observeScript("cost_settle", time.Since(start))
		if err == nil {
			p.recordCostMetric("actual", actualUSD)
			return nil
		}
		lastErr = err

		if attempt < settleAttempts {
			p.recordSettleRetry()
			select {
			case <-time.After(time.Duration(attempt) * p.settleBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	slog.Error("cost settlement failed, estimate left on the books",
		"request_id", t.RequestID,
		"stable_id", t.Identity.StableID,
		"actual_usd", actualUSD,
		"error", lastErr)
	return lastErr
}

// =============================================================================
// Helpers
// =============================================================================

// challengeToken extracts the one-shot token from a structured
// fingerprint, or "" when the fingerprint has no token segment.
func challengeToken(fullFP string) string {
	if !strings.HasPrefix(fullFP, "fp:") {
		return ""
	}
	segments := strings.Split(fullFP, ":")
	if len(segments) < 3 {
		return ""
	}
	return segments[1]
}

// CostPolicyFrom translates the live snapshot into a costguard policy.
func CostPolicyFrom(snap *config.Snapshot) costguard.Policy {
	return costguard.Policy{
		Window:       time.Duration(snap.CostWindowSeconds) * time.Second,
		ThresholdUSD: snap.CostThresholdUSD,
		DailyCapUSD:  snap.CostDailyCapUSD,
		ThrottleTTL:  time.Duration(snap.CostThrottleSeconds) * time.Second,
		CapTTL:       time.Duration(snap.CostCapThrottleSeconds) * time.Second,
	}
}

func (p *Pipeline) audit(ctx context.Context, req AdmitRequest, stage, kind string) {
	event := extensions.AuditEvent{
		EventType: "admission_denied",
		Timestamp: time.Now().UTC(),
		RequestID: req.RequestID,
		StableID:  req.Identity.StableID,
		ClientIP:  req.Identity.ClientIP,
		Scope:     ScopeChat,
		Outcome:   "deny",
		Reason:    kind,
		Metadata:  map[string]any{"stage": stage},
	}
	if err := p.cfg.Options.AuditLogger.Log(ctx, event); err != nil {
		slog.Warn("audit log failed", "request_id", req.RequestID, "error", err)
	}
}

func (p *Pipeline) notifyBan(ctx context.Context, req AdmitRequest, d ratelimit.Decision) {
	event := extensions.BanEvent{
		Kind:           string(d.Kind),
		Scope:          ScopeChat,
		ClientIP:       req.Identity.ClientIP,
		StableID:       req.Identity.StableID,
		ViolationCount: d.ViolationCount,
		ExpiresAt:      time.Unix(d.BanExpiresAt, 0),
	}
	if err := p.cfg.Options.BanNotifier.Notify(ctx, event); err != nil {
		slog.Warn("ban notification failed", "client_ip", req.Identity.ClientIP, "error", err)
	}
}

// Metric wrappers tolerate a nil metrics handle so the pipeline can be
// exercised without a registry.

func (p *Pipeline) recordDecision(stage observability.Stage, outcome observability.Outcome) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordDecision(stage, outcome)
	}
}

func (p *Pipeline) recordFailOpen(component string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordFailOpen(component)
		p.cfg.Metrics.RecordDecision(observability.Stage(component), observability.OutcomeFailOpen)
	}
}

func (p *Pipeline) recordBanMetric(scope string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordBan(scope)
	}
}

func (p *Pipeline) recordChallengeMetric(event string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordChallenge(event)
	}
}

func (p *Pipeline) recordCostMetric(phase string, usd float64) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordCost(phase, p.cfg.Model, usd)
	}
}

func (p *Pipeline) recordSettleRetry() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SettleRetriesTotal.Inc()
	}
}

func (p *Pipeline) observeScript(script string, d time.Duration) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ObserveScript(script, d.Seconds())
	}
}

func (p *Pipeline) observeRetryAfter(reason string, seconds int) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ObserveRetryAfter(reason, float64(seconds))
	}
}
