// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianGate/services/gateway/admission"
	"github.com/AleutianAI/AleutianGate/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGate/services/guard/botcheck"
	"github.com/AleutianAI/AleutianGate/services/guard/challenge"
	"github.com/AleutianAI/AleutianGate/services/guard/config"
	"github.com/AleutianAI/AleutianGate/services/guard/costguard"
	"github.com/AleutianAI/AleutianGate/services/guard/identity"
	"github.com/AleutianAI/AleutianGate/services/guard/ratelimit"
	"github.com/AleutianAI/AleutianGate/services/guard/sanitize"
	"github.com/AleutianAI/AleutianGate/services/guard/store"
	"github.com/AleutianAI/AleutianGate/services/rag"
	"github.com/AleutianAI/AleutianGate/services/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// passVerifier always reports a human.
type passVerifier struct{}

func (passVerifier) Verify(context.Context, string, string) botcheck.Result {
	return botcheck.Result{Success: true}
}

// stubDispatcher serves canned answers.
type stubDispatcher struct {
	answer rag.Answer
	usage  rag.Usage
	tokens []string
	err    error

	mu      sync.Mutex
	prompts []rag.Prompt
}

func (s *stubDispatcher) record(p rag.Prompt) {
	s.mu.Lock()
	s.prompts = append(s.prompts, p)
	s.mu.Unlock()
}

func (s *stubDispatcher) Answer(_ context.Context, p rag.Prompt) (rag.Answer, rag.Usage, error) {
	s.record(p)
	if s.err != nil {
		return rag.Answer{}, rag.Usage{}, s.err
	}
	return s.answer, s.usage, nil
}

func (s *stubDispatcher) Stream(_ context.Context, p rag.Prompt, onToken func(string) error) (rag.Answer, rag.Usage, error) {
	s.record(p)
	for _, tok := range s.tokens {
		if err := onToken(tok); err != nil {
			return rag.Answer{}, rag.Usage{}, err
		}
	}
	return s.answer, s.usage, s.err
}

// recordingUsage captures ledger entries.
type recordingUsage struct {
	mu      sync.Mutex
	entries []usage.Entry
}

func (r *recordingUsage) Record(_ context.Context, e usage.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

type env struct {
	mr         *miniredis.Miniredis
	st         *store.Store
	live       *config.Service
	challenges challenge.Service
	cost       costguard.Service
	limiter    ratelimit.Service
	dispatcher *stubDispatcher
	ledger     *recordingUsage
	deps       ChatDeps
}

// newEnv wires the full admission stack over miniredis with a canned
// dispatcher behind it.
func newEnv(t *testing.T, defaults config.Snapshot) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { st.Close() })

	live := config.New(st, defaults)
	t.Cleanup(live.Stop)

	sanitizer := sanitize.New(sanitize.Config{})
	t.Cleanup(func() { _ = sanitizer.Close() })

	challenges := challenge.New(st)
	cost := costguard.New(st)
	limiter := ratelimit.New(st)

	pipeline := admission.New(admission.Config{
		Live:       live,
		Challenges: challenges,
		Limiter:    limiter,
		Cost:       cost,
		Estimator:  costguard.NewEstimator(),
		Bots:       passVerifier{},
		Sanitizer:  sanitizer,
		Model:      "gpt-4o-mini",
	})

	dispatcher := &stubDispatcher{
		answer: rag.Answer{
			Text:    "the market opens at 09:30",
			Sources: []rag.Source{{Source: "hours.md", Score: 0.9}},
		},
		usage:  rag.Usage{PromptTokens: 100, CompletionTokens: 40},
		tokens: []string{"the market ", "opens at 09:30"},
	}
	ledger := &recordingUsage{}

	return &env{
		mr:         mr,
		st:         st,
		live:       live,
		challenges: challenges,
		cost:       cost,
		limiter:    limiter,
		dispatcher: dispatcher,
		ledger:     ledger,
		deps: ChatDeps{
			Pipeline:   pipeline,
			Dispatcher: dispatcher,
			Estimator:  costguard.NewEstimator(),
			Usage:      ledger,
		},
	}
}

// router builds a gin engine with the identity chain the real server
// uses in front of the chat endpoints.
func (e *env) router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Identity(identity.NewExtractor(false)))
	r.POST("/api/v1/chat", HandleChat(e.deps))
	r.POST("/api/v1/chat/stream", HandleChatStream(e.deps))
	r.GET("/api/v1/chat/ws", HandleChatWS(e.deps))
	r.GET("/api/v1/auth/challenge", HandleChallenge(e.challenges, e.live, nil))
	return r
}

func noChallengeDefaults() config.Snapshot {
	d := config.Defaults()
	d.ChallengeEnabled = false
	return d
}
