// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runningnorm

import (
	"math"
	"slices"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary of the running statistics of one normalizer, as found in a context.
type Summary struct {
	// Scope holding the running statistics variables.
	Scope string

	// Positions is the number of independently tracked positions.
	Positions int

	// MaxTracked is the largest count of tracked values over all positions.
	MaxTracked float64

	// MeanOfMeans is the average of the running mean over all positions.
	MeanOfMeans float64

	// MeanStdDev is the average over all positions of the running standard deviation, derived
	// like in inference. It is NaN if the running power is not tracked.
	MeanStdDev float64

	// Learned reports whether a learnable scale/shift lives in the same scope.
	Learned bool

	// Means and StdDevs per position, flattened. StdDevs is nil if the running power is not
	// tracked.
	Means, StdDevs []float64
}

// Summarize scans the variables in the scope of ctx (and its sub-scopes), and returns a
// Summary for every scope holding running statistics, sorted by scope.
func Summarize(ctx *context.Context) []Summary {
	type scopeVars struct {
		count, mean, power *context.Variable
		learned            bool
	}
	byScope := make(map[string]*scopeVars)
	get := func(scope string) *scopeVars {
		sv, found := byScope[scope]
		if !found {
			sv = &scopeVars{}
			byScope[scope] = sv
		}
		return sv
	}
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		switch v.Name() {
		case NumTrackedValuesVariableName:
			get(v.Scope()).count = v
		case RunningMeanVariableName:
			get(v.Scope()).mean = v
		case RunningPowerVariableName:
			get(v.Scope()).power = v
		case LearnedScaleVariableName, LearnedShiftVariableName:
			get(v.Scope()).learned = true
		}
	})

	var summaries []Summary
	for scope, sv := range byScope {
		if sv.count == nil || sv.mean == nil {
			continue
		}
		count := flatFloat64(sv.count.Value())
		mean := flatFloat64(sv.mean.Value())
		s := Summary{
			Scope:       scope,
			Positions:   len(count),
			MaxTracked:  floats.Max(count),
			MeanOfMeans: stat.Mean(mean, nil),
			MeanStdDev:  math.NaN(),
			Learned:     sv.learned,
			Means:       mean,
		}
		if sv.power != nil {
			power := flatFloat64(sv.power.Value())
			stddev := make([]float64, len(power))
			for ii := range power {
				n := max(count[ii], 2)
				stddev[ii] = math.Sqrt(n / (n - 1) * (power[ii] - mean[ii]*mean[ii]))
			}
			s.MeanStdDev = stat.Mean(stddev, nil)
			s.StdDevs = stddev
		}
		summaries = append(summaries, s)
	}
	slices.SortFunc(summaries, func(a, b Summary) int {
		switch {
		case a.Scope < b.Scope:
			return -1
		case a.Scope > b.Scope:
			return 1
		}
		return 0
	})
	return summaries
}

// flatFloat64 copies the values of a Float16, Float32 or Float64 tensor.
func flatFloat64(t *tensors.Tensor) []float64 {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.CopyFlatData[float64](t)
	case dtypes.Float16:
		flat16 := tensors.CopyFlatData[float16.Float16](t)
		flat := make([]float64, len(flat16))
		for ii, v := range flat16 {
			flat[ii] = float64(v.Float32())
		}
		return flat
	}
	flat32 := tensors.CopyFlatData[float32](t)
	flat := make([]float64, len(flat32))
	for ii, v := range flat32 {
		flat[ii] = float64(v)
	}
	return flat
}
