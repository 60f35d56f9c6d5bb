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
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGate/pkg/ux"
	"github.com/AleutianAI/AleutianGate/pkg/validation"
)

// commandTimeout bounds one admin API call from the CLI.
const commandTimeout = 15 * time.Second

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}

func runChallenge(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	client := newAdminClient(serverURL, adminToken)
	var grant struct {
		Challenge string
		ExpiresIn int
	}
	err := ux.WithSpinner("Requesting challenge", func() error {
		resp, err := client.challenge(ctx, args[0])
		if err != nil {
			return err
		}
		grant.Challenge = resp.Challenge
		grant.ExpiresIn = resp.ExpiresInSeconds
		return nil
	})
	if err != nil {
		return err
	}

	if ux.GetPersonality().Level == ux.LevelMachine {
		fmt.Println(grant.Challenge)
		return nil
	}
	ux.Success("challenge issued")
	fmt.Println(ux.KeyValues([][2]string{
		{"token", grant.Challenge},
		{"expires_in", fmt.Sprintf("%ds", grant.ExpiresIn)},
	}))
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateStableID(args[0]); err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	report, err := newAdminClient(serverURL, adminToken).usage(ctx, args[0])
	if err != nil {
		return err
	}
	logger.Debug("usage fetched", "stable_id", args[0], "day_usd", report.DayUSD)

	if ux.GetPersonality().Level == ux.LevelMachine {
		return printJSON(report)
	}

	throttle := "none"
	if report.ThrottledFor > 0 {
		throttle = fmt.Sprintf("%s (%ds remaining)", report.ThrottleReason, report.ThrottledFor)
	}
	ux.Box("Spend for "+report.StableID, ux.KeyValues([][2]string{
		{"window", fmt.Sprintf("$%.4f", report.WindowUSD)},
		{"today", fmt.Sprintf("$%.4f", report.DayUSD)},
		{"requests today", fmt.Sprintf("%d", report.DayEntries)},
		{"throttle", throttle},
	}))
	return nil
}

func runLimits(cmd *cobra.Command, args []string) error {
	scope, id := args[0], args[1]
	if err := validation.ValidateScope(scope); err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	occ, err := newAdminClient(serverURL, adminToken).limits(ctx, scope, id)
	if err != nil {
		return err
	}

	if ux.GetPersonality().Level == ux.LevelMachine {
		return printJSON(occ)
	}
	ux.Box(fmt.Sprintf("Occupancy %s/%s", occ.Scope, occ.Identifier), ux.KeyValues([][2]string{
		{"minute window", fmt.Sprintf("%d", occ.MinuteCount)},
		{"hour window", fmt.Sprintf("%d", occ.HourCount)},
	}))
	return nil
}

func runBansLift(cmd *cobra.Command, args []string) error {
	scope, ip := args[0], args[1]
	if err := validation.ValidateScope(scope); err != nil {
		return err
	}
	if err := validation.ValidateIP(ip); err != nil {
		return err
	}

	if !skipConfirm && ux.IsInteractive() {
		var confirmed bool
		form := huh.NewConfirm().
			Title(fmt.Sprintf("Lift the %s ban for %s?", scope, ip)).
			Description("This also resets the violation count, so the next ban starts at the shortest duration.").
			Affirmative("Lift it").
			Negative("Cancel").
			Value(&confirmed)
		if err := form.Run(); err != nil {
			return err
		}
		if !confirmed {
			ux.Muted("aborted")
			return nil
		}
	}

	ctx, cancel := commandContext()
	defer cancel()

	if err := newAdminClient(serverURL, adminToken).liftBan(ctx, scope, ip); err != nil {
		return err
	}
	logger.Export("info", "ban lifted", "scope", scope, "ip", ip)
	ux.Success(fmt.Sprintf("ban lifted for %s in %s", ip, scope))
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	report, err := newAdminClient(serverURL, adminToken).getConfig(ctx)
	if err != nil {
		return err
	}

	if ux.GetPersonality().Level == ux.LevelMachine {
		return printJSON(report)
	}

	effective, err := json.MarshalIndent(report.Effective, "", "  ")
	if err != nil {
		return err
	}
	ux.Title("Effective policy")
	fmt.Println(string(effective))

	if len(report.Overrides) == 0 {
		ux.Muted("no runtime overrides")
		return nil
	}
	keys := make([]string, 0, len(report.Overrides))
	for k := range report.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, report.Overrides[k]})
	}
	ux.Box("Runtime overrides", ux.KeyValues(pairs))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	ctx, cancel := commandContext()
	defer cancel()

	if err := newAdminClient(serverURL, adminToken).setConfig(ctx, key, value); err != nil {
		return err
	}
	logger.Export("info", "config override set", "key", key, "value", value)
	ux.Success(fmt.Sprintf("%s = %s", key, value))
	return nil
}

func printJSON(v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
