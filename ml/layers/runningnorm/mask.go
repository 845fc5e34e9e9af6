// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runningnorm

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// ComputeMask returns a mask with x's shape and dtype holding 1 where the position along
// sequenceAxis is smaller than the valid length of the example (lengths[b], indexed along
// batchAxis), and 0 elsewhere.
//
// If lengths is nil every position is valid and the mask is all ones. Otherwise, lengths must
// be a vector with one entry per batch element, and sequenceAxis must be a valid axis.
func ComputeMask(x, lengths *Node, batchAxis, sequenceAxis int) *Node {
	if lengths == nil {
		return OnesLike(x)
	}
	dims := x.Shape().Dimensions
	if sequenceAxis < 0 || sequenceAxis >= len(dims) {
		Panicf("ComputeMask: lengths given, but no valid sequence axis (%d) for x.shape=%s", sequenceAxis, x.Shape())
	}
	if batchAxis < 0 || batchAxis >= len(dims) {
		Panicf("ComputeMask: invalid batch axis %d for x.shape=%s", batchAxis, x.Shape())
	}
	if lengths.Rank() != 1 || lengths.Shape().Dimensions[0] != dims[batchAxis] {
		Panicf("ComputeMask: lengths must have one value per batch element (%d), got lengths.shape=%s",
			dims[batchAxis], lengths.Shape())
	}
	g := x.Graph()
	positions := Iota(g, shapes.Make(dtypes.Int32, dims...), sequenceAxis)

	// Lengths laid along the batch axis, then broadcast to all other axes.
	lengthDims := make([]int, len(dims))
	for axis := range lengthDims {
		lengthDims[axis] = 1
	}
	lengthDims[batchAxis] = dims[batchAxis]
	limits := Reshape(ConvertDType(lengths, dtypes.Int32), lengthDims...)
	limits = BroadcastToDims(limits, dims...)
	return ConvertDType(LessThan(positions, limits), x.DType())
}

// Statistics returns the masked mean and, if withPower is set, the masked second moment of x,
// reduced over axes, which are kept with dimension 1 so the results broadcast against x.
// It also returns n, the number of valid (mask == 1) values in each reduction window.
//
// Windows without any valid value are divided by 1 instead of 0, so mean and power are 0 there.
func Statistics(x, mask *Node, axes []int, withPower bool) (mean, power, n *Node) {
	n = ReduceAndKeep(mask, ReduceSum, axes...)
	denominator := MaxScalar(n, 1)
	masked := Mul(x, mask)
	mean = Div(ReduceAndKeep(masked, ReduceSum, axes...), denominator)
	if withPower {
		power = Div(ReduceAndKeep(Square(masked), ReduceSum, axes...), denominator)
	}
	return
}

// unbiasedVariance uses n/(n-1) with n clamped to at least 2. For windows with a single
// valid value this differs from the max(n, 1) used for mean and power; existing checkpoints
// depend on this exact formula.
func unbiasedVariance(mean, power, n *Node) *Node {
	n = MaxScalar(n, 2)
	return Mul(Div(n, AddScalar(n, -1)), Sub(power, Square(mean)))
}
