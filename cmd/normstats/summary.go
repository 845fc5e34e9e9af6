// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// Summary returns a table with the sizes of the variables under scopedCtx, and the global step.
func Summary(ctx, scopedCtx *context.Context, checkpointPath string) *report {
	table := newReport("Summary", column{align: lipgloss.Right}, column{align: lipgloss.Left})
	table.Row(false, "checkpoint", checkpointPath)
	table.Row(false, "scope", scopedCtx.Scope())
	if globalStepVar := ctx.GetVariableByScopeAndName(context.RootScope, optimizers.GlobalStepVariableName); globalStepVar != nil {
		if globalStep, ok := globalStepVar.Value().Value().(int64); ok {
			table.Row(false, "global_step", humanize.Comma(globalStep))
		}
	}

	var numVars, totalSize int
	var totalMemory uintptr
	scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	table.Row(false, "# variables", humanize.Comma(int64(numVars)))
	table.Row(false, "# parameters", humanize.Comma(int64(totalSize)))
	table.Row(false, "# bytes", humanize.Bytes(uint64(totalMemory)))
	return table
}
