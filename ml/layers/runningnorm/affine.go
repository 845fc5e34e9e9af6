// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runningnorm

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

const (
	// LearnedScaleVariableName is the trainable multiplicative factor applied after normalization.
	LearnedScaleVariableName = "scale"

	// LearnedShiftVariableName is the trainable offset subtracted after scaling.
	LearnedShiftVariableName = "shift"
)

// newAffine creates the learnable scale (initialized to 1) and shift (initialized to 0), each
// with size 1 on every axis except the independent ones. It returns nils if independentAxes
// is empty.
func newAffine(ctx *context.Context, layout Layout, independentAxes []int, dtype dtypes.DType) (scale, shift *context.Variable, err error) {
	if len(independentAxes) == 0 {
		return
	}
	dims, err := layout.IndependentShape(independentAxes)
	if err != nil {
		return nil, nil, err
	}
	scale = getOrCreateVariable(ctx, LearnedScaleVariableName, filledTensor(dtype, 1, dims), true)
	shift = getOrCreateVariable(ctx, LearnedShiftVariableName, filledTensor(dtype, 0, dims), true)
	return
}

// applyAffine computes x*scale - shift, skipping absent terms.
func applyAffine(x *Node, scale, shift *context.Variable) *Node {
	g := x.Graph()
	if scale != nil {
		x = Mul(x, scale.ValueGraph(g))
	}
	if shift != nil {
		x = Sub(x, shift.ValueGraph(g))
	}
	return x
}

func resetAffine(scale, shift *context.Variable) {
	if scale != nil {
		resetVariable(scale, 1)
	}
	if shift != nil {
		resetVariable(shift, 0)
	}
}

// getOrCreateVariable returns the variable if it already exists in the scope (for instance
// loaded from a checkpoint), or creates it with the given initial value.
func getOrCreateVariable(ctx *context.Context, name string, initial *tensors.Tensor, trainable bool) *context.Variable {
	return ctx.Checked(false).VariableWithValue(name, initial).SetTrainable(trainable)
}

func resetVariable(v *context.Variable, value float64) {
	v.SetValue(filledTensor(v.Shape().DType, value, v.Shape().Dimensions))
}

// filledTensor only handles the float dtypes accepted by Config.
func filledTensor(dtype dtypes.DType, value float64, dims []int) *tensors.Tensor {
	switch dtype {
	case dtypes.Float64:
		return tensors.FromScalarAndDimensions(value, dims...)
	case dtypes.Float16:
		return tensors.FromScalarAndDimensions(float16.Fromfloat32(float32(value)), dims...)
	}
	return tensors.FromScalarAndDimensions(float32(value), dims...)
}
