// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transforms holds host-side utilities to prepare audio datasets for models using
// masked normalization: batching of variable-length examples, fragmentation of parallel
// signals, label encoding and dataset-wide moment normalization.
package transforms

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Collate stacks examples into a batch with a new leading axis.
//
// The examples must have the same rank and dtype, and may only differ in the dimension of one
// axis (usually time). By default shorter examples are zero-padded at the end to the longest one;
// with cutEnd, longer examples are cut to the shortest one.
//
// It returns the batch and, if the examples differ along an axis, the original length of each
// example along that axis (capped by the cut, if cutEnd is set), which can be passed as the
// valid lengths of a masked normalization. lengths is nil if all examples have the same shape.
func Collate(examples []*tensors.Tensor, cutEnd bool) (batch *tensors.Tensor, lengths []int32, err error) {
	if len(examples) == 0 {
		return nil, nil, errors.New("Collate: no examples given")
	}
	first := examples[0].Shape()
	varyingAxis := -1
	for ii, example := range examples {
		shape := example.Shape()
		if shape.DType != first.DType || shape.Rank() != first.Rank() {
			return nil, nil, errors.Errorf("Collate: example #%d has shape %s, incompatible with example #0 shape %s",
				ii, shape, first)
		}
		for axis, dim := range shape.Dimensions {
			if dim == first.Dimensions[axis] {
				continue
			}
			if varyingAxis != -1 && varyingAxis != axis {
				return nil, nil, errors.Errorf("Collate: examples are only allowed to differ in one axis, "+
					"but they differ in axes %d and %d (example #%d shape %s, example #0 shape %s)",
					varyingAxis, axis, ii, shape, first)
			}
			varyingAxis = axis
		}
	}
	if varyingAxis == -1 {
		return stack(examples), nil, nil
	}

	target := first.Dimensions[varyingAxis]
	for _, example := range examples {
		dim := example.Shape().Dimensions[varyingAxis]
		if cutEnd {
			target = min(target, dim)
		} else {
			target = max(target, dim)
		}
	}
	lengths = make([]int32, len(examples))
	resized := make([]*tensors.Tensor, len(examples))
	for ii, example := range examples {
		dim := example.Shape().Dimensions[varyingAxis]
		lengths[ii] = int32(min(dim, target))
		if dim == target {
			resized[ii] = example
			continue
		}
		resized[ii] = resizeAxis(example, varyingAxis, 0, dim, target)
	}
	return stack(resized), lengths, nil
}
