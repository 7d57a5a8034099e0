// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/keywarden/lib/keymix"
	"github.com/bureau-foundation/keywarden/lib/schema"
)

// renderer writes tables styled for out. Colors are dropped when out
// is not a terminal.
type renderer struct {
	out      io.Writer
	header   lipgloss.Style
	faint    lipgloss.Style
	statuses map[schema.TunnelStatus]lipgloss.Style
	degraded lipgloss.Style
	now      time.Time
}

func newRenderer(out io.Writer) *renderer {
	styles := lipgloss.NewRenderer(out)
	return &renderer{
		out:    out,
		header: styles.NewStyle().Bold(true),
		faint:  styles.NewStyle().Faint(true),
		statuses: map[schema.TunnelStatus]lipgloss.Style{
			schema.TunnelEstablished: styles.NewStyle().Foreground(lipgloss.Color("2")),
			schema.TunnelRekeying:    styles.NewStyle().Foreground(lipgloss.Color("4")),
			schema.TunnelNegotiating: styles.NewStyle().Foreground(lipgloss.Color("4")),
			schema.TunnelDown:        styles.NewStyle().Foreground(lipgloss.Color("3")),
			schema.TunnelFailed:      styles.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		},
		degraded: styles.NewStyle().Foreground(lipgloss.Color("3")),
		now:      time.Now(),
	}
}

// table writes rows under headers, padding each column to its widest
// cell. Cells may already carry styling; widths ignore escape codes.
func (r *renderer) table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for column, header := range headers {
		widths[column] = lipgloss.Width(header)
	}
	for _, row := range rows {
		for column, cell := range row {
			widths[column] = max(widths[column], lipgloss.Width(cell))
		}
	}

	line := func(cells []string, style *lipgloss.Style) {
		var builder strings.Builder
		for column, cell := range cells {
			if style != nil {
				cell = style.Render(cell)
			}
			builder.WriteString(cell)
			if column < len(cells)-1 {
				builder.WriteString(strings.Repeat(" ", widths[column]-lipgloss.Width(cell)+2))
			}
		}
		fmt.Fprintln(r.out, builder.String())
	}
	line(headers, &r.header)
	for _, row := range rows {
		line(row, nil)
	}
}

func (r *renderer) tunnels(tunnels []schema.TunnelInfo) {
	if len(tunnels) == 0 {
		fmt.Fprintln(r.out, r.faint.Render("no tunnels registered"))
		return
	}
	rows := make([][]string, 0, len(tunnels))
	for _, tunnel := range tunnels {
		state := tunnel.State
		status := string(state.Status)
		if style, ok := r.statuses[state.Status]; ok {
			status = style.Render(status)
		}
		mode := tunnel.Mode
		if mode == string(keymix.ModeDegraded) {
			mode = r.degraded.Render(mode)
		}
		rows = append(rows, []string{
			state.TunnelID,
			state.NodeA + " <-> " + state.NodeB,
			status,
			strconv.FormatUint(state.CurrentKeyEpoch, 10),
			orDash(mode),
			orDash(shortFingerprint(tunnel.KeyFingerprint)),
			r.when(tunnel.LastRekey),
			r.when(tunnel.NextRekey),
			strconv.Itoa(tunnel.Failures),
		})
	}
	r.table([]string{"TUNNEL", "NODES", "STATUS", "EPOCH", "MODE", "KEY", "LAST REKEY", "NEXT REKEY", "FAILURES"}, rows)

	for _, tunnel := range tunnels {
		if tunnel.LastError != "" {
			fmt.Fprintf(r.out, "%s %s\n", r.faint.Render(tunnel.State.TunnelID+":"), tunnel.LastError)
		}
	}
}

func (r *renderer) metrics(metrics schema.Metrics) {
	qkd := "unknown"
	if metrics.QKDAvailable >= 0 {
		qkd = strconv.Itoa(metrics.QKDAvailable) + " keys"
	}
	fmt.Fprintf(r.out, "\ncycles: %d started, %d succeeded, %d failed, %d pqc-only\n",
		metrics.CyclesStarted, metrics.CyclesSucceeded, metrics.CyclesFailed, metrics.CyclesDegraded)
	fmt.Fprintf(r.out, "envelopes sent: %d, acks rejected: %d\n", metrics.EnvelopesSent, metrics.AcksRejected)
	fmt.Fprintf(r.out, "QKD: %s available, %d unavailable responses\n", qkd, metrics.QKDUnavailable)
}

func (r *renderer) cycles(cycles []schema.CycleTiming) {
	if len(cycles) == 0 {
		return
	}
	fmt.Fprintln(r.out)
	rows := make([][]string, 0, len(cycles))
	for _, cycle := range cycles {
		rows = append(rows, []string{
			cycle.Tunnel,
			strconv.FormatUint(cycle.Epoch, 10),
			cycle.Result,
			cycle.Mode,
			milliseconds(cycle.QKDFetchMS),
			milliseconds(cycle.PQCGenMS),
			milliseconds(cycle.MixMS),
			milliseconds(cycle.DispatchMS),
			milliseconds(cycle.EndToEndMS),
		})
	}
	r.table([]string{"TUNNEL", "EPOCH", "RESULT", "MODE", "QKD", "PQC", "MIX", "DISPATCH", "TOTAL"}, rows)
}

// when formats a Unix time relative to now.
func (r *renderer) when(unix int64) string {
	if unix == 0 {
		return "-"
	}
	delta := time.Unix(unix, 0).Sub(r.now).Round(time.Second)
	if delta < 0 {
		return (-delta).String() + " ago"
	}
	return "in " + delta.String()
}

func milliseconds(value float64) string {
	return strconv.FormatFloat(value, 'f', 1, 64) + "ms"
}

func shortFingerprint(fingerprint string) string {
	if len(fingerprint) > 16 {
		return fingerprint[:16]
	}
	return fingerprint
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
