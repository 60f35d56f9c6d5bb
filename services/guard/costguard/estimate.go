// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package costguard

import (
	"strings"
	"unicode/utf8"
)

// Pricing is one model's price in USD per 1000 tokens.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultPricing maps model-name prefixes to prices. The longest
// matching prefix wins, so dated releases resolve to their family.
// Self-hosted models are listed at zero; the estimate floor still
// charges them a nominal amount.
var defaultPricing = map[string]Pricing{
	"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo":     {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"llama":             {},
	"mistral":           {},
}

// Estimator predicts the cost of a chat call before dispatch.
//
// # Limitations
//
// Token counts are approximated at four characters per token, which
// overshoots slightly for English prose and undershoots for CJK text.
// The floor keeps trivially short queries from rounding to a zero
// estimate, which would make the daily cap unreachable by volume.
type Estimator struct {
	Pricing map[string]Pricing
	// Fallback applies when no prefix matches the model name.
	Fallback Pricing
	// FloorUSD is the minimum estimate returned for any call.
	FloorUSD float64
	// OutputTokens is the assumed completion length.
	OutputTokens int
}

// NewEstimator returns an estimator with the default price table.
func NewEstimator() *Estimator {
	return &Estimator{
		Pricing:      defaultPricing,
		Fallback:     Pricing{InputPer1K: 0.003, OutputPer1K: 0.015},
		FloorUSD:     0.0005,
		OutputTokens: 500,
	}
}

// Estimate returns the predicted USD cost of one call covering the
// query, the accumulated history, and an assumed completion.
func (e *Estimator) Estimate(model, query string, history []string) float64 {
	chars := utf8.RuneCountInString(query)
	for _, h := range history {
		chars += utf8.RuneCountInString(h)
	}
	inputTokens := (chars + 3) / 4

	p := e.pricingFor(model)
	cost := float64(inputTokens)/1000*p.InputPer1K +
		float64(e.OutputTokens)/1000*p.OutputPer1K
	if cost < e.FloorUSD {
		cost = e.FloorUSD
	}
	return cost
}

// ActualCost prices a completed call from the backend's token counts.
// No floor applies; the settled amount is whatever the call cost.
func (e *Estimator) ActualCost(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	p := e.pricingFor(model)
	return float64(inputTokens)/1000*p.InputPer1K +
		float64(outputTokens)/1000*p.OutputPer1K
}

func (e *Estimator) pricingFor(model string) Pricing {
	best, bestLen := e.Fallback, 0
	for prefix, p := range e.Pricing {
		if len(prefix) > bestLen && strings.HasPrefix(model, prefix) {
			best, bestLen = p, len(prefix)
		}
	}
	return best
}
