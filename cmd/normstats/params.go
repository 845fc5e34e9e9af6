// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/audionorm/ml/layers/runningnorm"
	"github.com/gomlx/gomlx/ml/context"
	"golang.org/x/exp/maps"
)

type scopeKey struct{ Scope, Key string }

func compareScopeKeys(a, b scopeKey) int {
	if cmp := strings.Compare(a.Scope, b.Scope); cmp != 0 {
		return cmp
	}
	return strings.Compare(a.Key, b.Key)
}

// isRunningNormParam reports whether key configures the running normalization layers.
func isRunningNormParam(key string) bool {
	switch key {
	case runningnorm.ParamMomentum, runningnorm.ParamEpsilon, runningnorm.ParamScale, runningnorm.ParamFreezeAfter:
		return true
	}
	return false
}

// Params returns a report with all hyperparameters of ctx, sorted by scope and name. The ones
// configuring running normalization layers are highlighted.
func Params(ctx *context.Context) *report {
	table := newReport("Hyperparameters",
		column{"Scope", lipgloss.Left},
		column{"Name", lipgloss.Left},
		column{"Type", lipgloss.Left},
		column{"Value", lipgloss.Right})
	values := make(map[scopeKey]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		values[scopeKey{Scope: scope, Key: key}] = value
	})
	keys := maps.Keys(values)
	slices.SortFunc(keys, compareScopeKeys)
	for _, sk := range keys {
		value := values[sk]
		table.Row(isRunningNormParam(sk.Key), sk.Scope, sk.Key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	}
	return table
}
