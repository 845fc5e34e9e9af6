// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/audionorm/ml/layers/runningnorm"
	"github.com/gomlx/gomlx/ml/context"
)

// layerRow formats the summary of one running normalization layer. It is flagged if the layer
// never tracked any value.
func layerRow(s runningnorm.Summary) (untracked bool, row []string) {
	stddev := "-"
	if !math.IsNaN(s.MeanStdDev) {
		stddev = fmt.Sprintf("%.4g", s.MeanStdDev)
	}
	affine := "no"
	if s.Learned {
		affine = "yes"
	}
	return s.MaxTracked == 0, []string{
		s.Scope,
		humanize.Comma(int64(s.Positions)),
		humanize.Commaf(s.MaxTracked),
		fmt.Sprintf("%.4g", s.MeanOfMeans),
		stddev,
		affine,
	}
}

// Layers returns a report with the running normalization layers under scopedCtx. Layers that
// never tracked any value are flagged.
func Layers(scopedCtx *context.Context) *report {
	table := newReport("Running Normalization Layers",
		column{"Scope", lipgloss.Left},
		column{"Positions", lipgloss.Right},
		column{"Max Tracked", lipgloss.Right},
		column{"Mean", lipgloss.Right},
		column{"StdDev", lipgloss.Right},
		column{"Affine", lipgloss.Center})
	for _, s := range runningnorm.Summarize(scopedCtx) {
		untracked, row := layerRow(s)
		table.Row(untracked, row...)
	}
	return table
}
