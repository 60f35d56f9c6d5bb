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
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGate/pkg/ux"
	"github.com/AleutianAI/AleutianGate/pkg/validation"
)

var watchScope string

// runWatch drives the live dashboard. Outside a terminal it refuses to
// start rather than spraying ANSI frames into a pipe.
func runWatch(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateStableID(args[0]); err != nil {
		return err
	}
	if err := validation.ValidateScope(watchScope); err != nil {
		return err
	}
	if !ux.IsInteractive() {
		return fmt.Errorf("watch needs a terminal; use 'gatectl usage' for one-shot output")
	}

	m := newWatchModel(newAdminClient(serverURL, adminToken), args[0], watchScope,
		time.Duration(watchInterval)*time.Second)
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// =============================================================================
// Messages
// =============================================================================

// snapshotMsg carries one poll's results.
type snapshotMsg struct {
	usage  usageReport
	limits struct {
		minute int64
		hour   int64
	}
	err error
}

// tickMsg requests the next poll.
type tickMsg time.Time

// =============================================================================
// Model
// =============================================================================

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(ux.ColorTealPrimary)
	watchErrStyle   = lipgloss.NewStyle().Foreground(ux.ColorError)
	watchHelpStyle  = lipgloss.NewStyle().Foreground(ux.ColorMuted)
)

type watchModel struct {
	client   *adminClient
	stableID string
	scope    string
	interval time.Duration

	table   table.Model
	spinner spinner.Model

	lastErr   error
	refreshed time.Time
	quitting  bool
}

func newWatchModel(client *adminClient, stableID, scope string, interval time.Duration) watchModel {
	columns := []table.Column{
		{Title: "Metric", Width: 24},
		{Title: "Value", Width: 28},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(ux.ColorTealDeep)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ux.ColorTealBright)

	return watchModel{
		client:   client,
		stableID: stableID,
		scope:    scope,
		interval: interval,
		table:    t,
		spinner:  sp,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}

	case snapshotMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.refreshed = time.Now()
			m.table.SetRows(m.rows(msg))
		}
		return m, m.tick()

	case tickMsg:
		return m, m.poll()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.quitting {
		return ""
	}

	header := watchTitleStyle.Render(
		fmt.Sprintf("AleutianGate  %s  (scope %s)", m.stableID, m.scope))

	status := m.spinner.View() + " polling every " + m.interval.String()
	if !m.refreshed.IsZero() {
		status += "  refreshed " + m.refreshed.Format("15:04:05")
	}
	if m.lastErr != nil {
		status = watchErrStyle.Render("poll failed: " + m.lastErr.Error())
	}

	help := watchHelpStyle.Render("r refresh  q quit")
	return header + "\n\n" + m.table.View() + "\n" + status + "\n" + help + "\n"
}

// =============================================================================
// Commands
// =============================================================================

func (m watchModel) poll() tea.Cmd {
	client, stableID, scope := m.client, m.stableID, m.scope
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var msg snapshotMsg
		report, err := client.usage(ctx, stableID)
		if err != nil {
			msg.err = err
			return msg
		}
		msg.usage = report

		occ, err := client.limits(ctx, scope, stableID)
		if err != nil {
			msg.err = err
			return msg
		}
		msg.limits.minute = occ.MinuteCount
		msg.limits.hour = occ.HourCount
		return msg
	}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) rows(s snapshotMsg) []table.Row {
	throttle := "none"
	if s.usage.ThrottledFor > 0 {
		throttle = fmt.Sprintf("%s (%ds)", s.usage.ThrottleReason, s.usage.ThrottledFor)
	}
	return []table.Row{
		{"spend (window)", fmt.Sprintf("$%.4f", s.usage.WindowUSD)},
		{"spend (today)", fmt.Sprintf("$%.4f", s.usage.DayUSD)},
		{"requests today", fmt.Sprintf("%d", s.usage.DayEntries)},
		{"throttle", throttle},
		{"minute window", fmt.Sprintf("%d", s.limits.minute)},
		{"hour window", fmt.Sprintf("%d", s.limits.hour)},
	}
}
