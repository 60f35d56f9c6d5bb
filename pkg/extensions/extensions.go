// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines interfaces for enterprise functionality.
//
// This package provides extension points that allow AleutianEnterprise
// to add capabilities without modifying the core AleutianGate codebase.
// The open source version uses no-op defaults for all interfaces.
//
// # Extension Categories
//
//   - audit.go: Admission audit logging (AuditLogger)
//   - notifier.go: Ban and throttle event delivery (BanNotifier)
//
// # Usage in AleutianGate (Open Source)
//
// The open source version uses no-op implementations:
//
//	opts := extensions.DefaultOptions()
//	svc, err := gateway.New(cfg, &opts)
//
// # Usage in AleutianEnterprise
//
// Enterprise provides concrete implementations:
//
//	opts := extensions.ServiceOptions{
//	    AuditLogger: enterprise.NewSplunkAuditor(config),
//	    BanNotifier: enterprise.NewPagerNotifier(config),
//	}
//	svc, err := gateway.New(cfg, &opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
// Multiple goroutines may call methods simultaneously.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Pass this to the gateway constructor to enable enterprise features.
// All fields are optional; nil values are replaced with no-op defaults
// by DefaultOptions() or by the services that consume them.
type ServiceOptions struct {
	// AuditLogger records admission outcomes for compliance reporting.
	AuditLogger AuditLogger

	// BanNotifier delivers ban and throttle events to external systems.
	BanNotifier BanNotifier
}

// DefaultOptions returns ServiceOptions with no-op implementations.
//
// Used by the open source build; every extension point is present and
// callable, and none has any effect.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuditLogger: NopAuditLogger{},
		BanNotifier: NopBanNotifier{},
	}
}

// EnsureDefaults replaces nil extension points with no-op defaults.
//
// Services call this on externally supplied options so partial
// ServiceOptions structs are safe to use.
func (o ServiceOptions) EnsureDefaults() ServiceOptions {
	if o.AuditLogger == nil {
		o.AuditLogger = NopAuditLogger{}
	}
	if o.BanNotifier == nil {
		o.BanNotifier = NopBanNotifier{}
	}
	return o
}
