// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gatectl is the operator CLI for the AleutianGate gateway.
//
// # Usage
//
//	# One-shot reports
//	gatectl usage 1a2b3c --server http://gateway:12310 --token $TOK
//	gatectl limits chat 1a2b3c
//
//	# Interventions
//	gatectl bans lift chat 203.0.113.9
//	gatectl config set rate_limit_per_minute 25
//
//	# Live dashboard
//	gatectl watch 1a2b3c --interval 2
//
// # Environment Variables
//
//   - GATEWAY_URL: gateway base URL (default: http://localhost:12310)
//   - GATEWAY_ADMIN_TOKEN: admin bearer token
//   - GATECTL_PERSONALITY: output style (full/standard/minimal/machine)
//   - GATECTL_LOG_DIR: enables JSON file logging when set
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
