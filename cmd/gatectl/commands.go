// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGate/pkg/logging"
	"github.com/AleutianAI/AleutianGate/pkg/ux"
)

// --- Global Command Variables ---
var (
	serverURL        string
	adminToken       string
	personalityLevel string
	watchInterval    int
	skipConfirm      bool

	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "gatectl",
		Short: "A cli to operate the AleutianGate admission gateway",
		Long: `gatectl talks to a running gateway's admin API: inspect per-client
spend and window occupancy, lift bans, and tune policy knobs at runtime.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}

			logger, _ = logging.New(logging.Config{
				Level:   os.Getenv("GATECTL_LOG_LEVEL"),
				LogDir:  os.Getenv("GATECTL_LOG_DIR"),
				Service: "gatectl",
			})

			if adminToken == "" {
				adminToken = os.Getenv("GATEWAY_ADMIN_TOKEN")
			}
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	// --- Challenge ---
	challengeCmd = &cobra.Command{
		Use:   "challenge [fingerprint]",
		Short: "Request a challenge token for a fingerprint (debugging the issue flow)",
		Args:  cobra.ExactArgs(1),
		RunE:  runChallenge,
	}

	// --- Usage ---
	usageCmd = &cobra.Command{
		Use:   "usage [stable-id]",
		Short: "Show a client's spend window, day ledger, and throttle state",
		Args:  cobra.ExactArgs(1),
		RunE:  runUsage,
	}

	// --- Limits ---
	limitsCmd = &cobra.Command{
		Use:   "limits [scope] [id]",
		Short: "Show sliding-window occupancy for an identifier in a scope",
		Args:  cobra.ExactArgs(2),
		RunE:  runLimits,
	}

	// --- Bans ---
	bansCmd = &cobra.Command{
		Use:   "bans",
		Short: "Manage progressive bans",
	}
	bansLiftCmd = &cobra.Command{
		Use:   "lift [scope] [ip]",
		Short: "Lift an active ban and reset the violation escalation",
		Args:  cobra.ExactArgs(2),
		RunE:  runBansLift,
	}

	// --- Config ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect and override runtime policy",
	}
	configGetCmd = &cobra.Command{
		Use:   "get",
		Short: "Show the effective policy snapshot and active overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigGet,
	}
	configSetCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a runtime override (takes effect immediately)",
		Args:  cobra.ExactArgs(2),
		RunE:  runConfigSet,
	}

	// --- Watch ---
	watchCmd = &cobra.Command{
		Use:   "watch [stable-id]",
		Short: "Live dashboard of one client's spend and window occupancy",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		getEnvString("GATEWAY_URL", "http://localhost:12310"),
		"Gateway base URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", "",
		"Admin bearer token (or GATEWAY_ADMIN_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full, standard, minimal, or machine (scripting)")

	rootCmd.AddCommand(challengeCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(limitsCmd)

	rootCmd.AddCommand(bansCmd)
	bansCmd.AddCommand(bansLiftCmd)
	bansLiftCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false,
		"Skip the confirmation prompt")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().IntVar(&watchInterval, "interval", 2,
		"Poll interval in seconds")
	watchCmd.Flags().StringVar(&watchScope, "scope", "chat",
		"Limiter scope to watch alongside spend")
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
