// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions_AllPointsPresent(t *testing.T) {
	opts := DefaultOptions()

	require.NotNil(t, opts.AuditLogger)
	require.NotNil(t, opts.BanNotifier)

	assert.NoError(t, opts.AuditLogger.Log(context.Background(), AuditEvent{}))
	assert.NoError(t, opts.BanNotifier.Notify(context.Background(), BanEvent{}))
}

func TestEnsureDefaults_FillsNils(t *testing.T) {
	opts := ServiceOptions{}.EnsureDefaults()

	assert.NotNil(t, opts.AuditLogger)
	assert.NotNil(t, opts.BanNotifier)
}

func TestEnsureDefaults_PreservesCustom(t *testing.T) {
	custom := &recordingAuditor{}
	opts := ServiceOptions{AuditLogger: custom}.EnsureDefaults()

	assert.Same(t, custom, opts.AuditLogger)
	assert.NotNil(t, opts.BanNotifier)
}

type recordingAuditor struct {
	events []AuditEvent
}

func (r *recordingAuditor) Log(_ context.Context, event AuditEvent) error {
	r.events = append(r.events, event)
	return nil
}

func TestCustomAuditorReceivesEvents(t *testing.T) {
	rec := &recordingAuditor{}
	opts := ServiceOptions{AuditLogger: rec}.EnsureDefaults()

	err := opts.AuditLogger.Log(context.Background(), AuditEvent{
		EventType: "admission.denied",
		RequestID: "req-1",
		Outcome:   "denied",
		Reason:    "rate_limited",
	})
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	assert.Equal(t, "admission.denied", rec.events[0].EventType)
	assert.Equal(t, "rate_limited", rec.events[0].Reason)
}
