// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	warnStyle   = cellStyle.Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).Bold(true)
)

// column of a report: an empty header on all columns renders the report without header row.
type column struct {
	header string
	align  lipgloss.Position
}

// report is a titled table with one style per column. Rows flagged with a warning are
// highlighted, and counted so the caller can tell how many need attention.
type report struct {
	title    string
	columns  []column
	table    *lgtable.Table
	warnings []bool
}

func newReport(title string, columns ...column) *report {
	r := &report{title: title, columns: columns}
	r.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(r.style)
	headers := make([]string, len(columns))
	var hasHeaders bool
	for ii, c := range columns {
		headers[ii] = c.header
		hasHeaders = hasHeaders || c.header != ""
	}
	if hasHeaders {
		r.table.Headers(headers...)
	}
	return r
}

func (r *report) style(row, col int) lipgloss.Style {
	if row == lgtable.HeaderRow {
		return headerStyle
	}
	s := cellStyle.Faint(row%2 == 1)
	if row < len(r.warnings) && r.warnings[row] {
		s = warnStyle
	}
	if col < len(r.columns) {
		s = s.Align(r.columns[col].align)
	}
	return s
}

// Row appends a row, padding missing cells with "-".
func (r *report) Row(warn bool, cells ...string) {
	for len(cells) < len(r.columns) {
		cells = append(cells, "-")
	}
	r.warnings = append(r.warnings, warn)
	r.table.Row(cells...)
}

// NumRows returns the number of rows, excluding the header.
func (r *report) NumRows() int { return len(r.warnings) }

// NumWarnings returns the number of highlighted rows.
func (r *report) NumWarnings() int {
	var count int
	for _, warn := range r.warnings {
		if warn {
			count++
		}
	}
	return count
}

// Render returns the title followed by the table.
func (r *report) Render() string {
	var sb strings.Builder
	if r.title != "" {
		sb.WriteString(titleStyle.Render(r.title))
		sb.WriteString("\n")
	}
	sb.WriteString(r.table.Render())
	return sb.String()
}
