// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Occupancy reports one identifier's current window usage.
type Occupancy struct {
	Scope       string `json:"scope"`
	Identifier  string `json:"identifier"`
	MinuteCount int64  `json:"minute_count"`
	HourCount   int64  `json:"hour_count"`
}

// BanStatus reports one IP's ban state in a scope.
type BanStatus struct {
	Scope          string `json:"scope"`
	IP             string `json:"ip"`
	Banned         bool   `json:"banned"`
	RemainingSecs  int64  `json:"remaining_seconds,omitempty"`
	ViolationCount int64  `json:"violation_count"`
}

// Inspector provides the read and repair operations behind the admin
// API. It shares the limiter's key layout but never mutates window
// state; the only write is lifting a ban.
type Inspector struct {
	svc *service
}

// NewInspector creates an Inspector over the same store as the limiter.
func NewInspector(s Service) *Inspector {
	svc, ok := s.(*service)
	if !ok {
		panic("ratelimit: inspector requires the standard service")
	}
	return &Inspector{svc: svc}
}

// Occupancy counts live entries in both windows without mutating them.
// Expired members still present (not yet purged by an admit) are
// excluded by score.
func (i *Inspector) Occupancy(ctx context.Context, scope, identifier string) (Occupancy, error) {
	now := i.svc.now().Unix()
	client := i.svc.store.Client()

	minute, err := client.ZCount(ctx, windowKey(scope, identifier, suffixMinute),
		"("+strconv.FormatInt(now-60, 10), "+inf").Result()
	if err != nil {
		return Occupancy{}, fmt.Errorf("counting minute window: %w", err)
	}
	hour, err := client.ZCount(ctx, windowKey(scope, identifier, suffixHour),
		"("+strconv.FormatInt(now-3600, 10), "+inf").Result()
	if err != nil {
		return Occupancy{}, fmt.Errorf("counting hour window: %w", err)
	}

	return Occupancy{
		Scope:       scope,
		Identifier:  identifier,
		MinuteCount: minute,
		HourCount:   hour,
	}, nil
}

// BanStatus reports whether the IP is banned in the scope and its
// violation count.
func (i *Inspector) BanStatus(ctx context.Context, scope, ip string) (BanStatus, error) {
	client := i.svc.store.Client()

	status := BanStatus{Scope: scope, IP: ip}
	ttl, err := client.TTL(ctx, bannedKey(scope, ip)).Result()
	if err != nil {
		return BanStatus{}, fmt.Errorf("reading ban flag: %w", err)
	}
	if ttl > 0 {
		status.Banned = true
		status.RemainingSecs = int64(ttl / time.Second)
	}

	raw, err := client.Get(ctx, banKey(scope, ip)).Result()
	if err == nil {
		status.ViolationCount, _ = strconv.ParseInt(raw, 10, 64)
	}
	return status, nil
}

// LiftBan removes the IP's active ban and resets its violation
// counter so the next violation starts the escalation from step one.
func (i *Inspector) LiftBan(ctx context.Context, scope, ip string) error {
	client := i.svc.store.Client()
	if err := client.Del(ctx, bannedKey(scope, ip), banKey(scope, ip)).Err(); err != nil {
		return fmt.Errorf("lifting ban for %s in %s: %w", ip, scope, err)
	}
	return nil
}
