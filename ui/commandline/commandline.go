// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains the command-line UI tools of the cpab tool: tables, progress bars and
// human-readable formatting.
package commandline

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

// tableBorderColor is the color of the borders of the tables.
const tableBorderColor = "#705090"

// Row of a table: a name and a value.
type Row struct {
	Name, Value string
}

// Table renders the rows as a two-column table, with the names right aligned, styled for the terminal w
// writes to (no colors if it's not a terminal).
func Table(w io.Writer, rows ...Row) string {
	renderer := lipgloss.NewRenderer(w)
	normalStyle := renderer.NewStyle().Padding(0, 1)
	rightAlignedStyle := renderer.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(renderer.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	for _, row := range rows {
		table.Row(row.Name, row.Value)
	}
	return table.String()
}

// PrintTable prints the Table of the rows to stdout.
func PrintTable(rows ...Row) {
	fmt.Println(Table(os.Stdout, rows...))
}

// FormatBytes returns a human-readable size, e.g. "1.2 kB".
func FormatBytes[I interface{ ~int | ~int64 | ~uint64 | ~uintptr }](n I) string {
	return humanize.Bytes(uint64(n))
}

// FormatCount returns a human-readable count with thousands separators, e.g. "12,345".
func FormatCount(n int) string {
	return humanize.Comma(int64(n))
}

// FormatDuration pretty prints a duration with at most 3 significant digits, e.g. "1.23s" or "45.6ms".
func FormatDuration(d time.Duration) string {
	switch abs := max(d, -d); {
	case abs >= 100*time.Second:
		return d.Round(time.Second).String()
	case abs >= 10*time.Second:
		return d.Round(100 * time.Millisecond).String()
	case abs >= time.Second:
		return d.Round(10 * time.Millisecond).String()
	case abs >= 100*time.Millisecond:
		return d.Round(time.Millisecond).String()
	case abs >= 10*time.Millisecond:
		return d.Round(100 * time.Microsecond).String()
	case abs >= time.Millisecond:
		return d.Round(10 * time.Microsecond).String()
	default:
		return d.String()
	}
}

// IsNotebook returns whether running inside a Jupyter notebook (GoNB or bash_kernel), where the terminal
// escape codes are not supported.
func IsNotebook() bool {
	for _, env := range []string{"GONB_PIPE", "NOTEBOOK_BASH_KERNEL_CAPABILITIES"} {
		if _, found := os.LookupEnv(env); found {
			return true
		}
	}
	return false
}
