// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transforms

import (
	"slices"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
)

// axisLayout describes a row-major tensor as outer x axis x inner blocks.
func axisLayout(shape shapes.Shape, axis int) (outer, inner int) {
	outer, inner = 1, shape.DType.Size()
	for ii, dim := range shape.Dimensions {
		switch {
		case ii < axis:
			outer *= dim
		case ii > axis:
			inner *= dim
		}
	}
	return
}

// resizeAxis returns a copy of t holding the range [start, stop) of axis, zero-padded up to
// size along that axis. stop is clipped to the dimension of the axis.
func resizeAxis(t *tensors.Tensor, axis, start, stop, size int) *tensors.Tensor {
	shape := t.Shape()
	stop = min(stop, shape.Dimensions[axis])
	dims := slices.Clone(shape.Dimensions)
	dims[axis] = size
	result := tensors.FromShape(shapes.Make(shape.DType, dims...))
	outer, inner := axisLayout(shape, axis)
	srcStride := shape.Dimensions[axis] * inner
	dstStride := size * inner
	n := (min(stop, start+size) - start) * inner
	if n <= 0 {
		return result
	}
	t.ConstBytes(func(src []byte) {
		result.MutableBytes(func(dst []byte) {
			for o := range outer {
				copy(dst[o*dstStride:o*dstStride+n], src[o*srcStride+start*inner:])
			}
		})
	})
	return result
}

// sliceAxis returns t[..., start:stop, ...] along axis, with stop clipped like in Go slices
// of a longer array.
func sliceAxis(t *tensors.Tensor, axis, start, stop int) *tensors.Tensor {
	stop = min(stop, t.Shape().Dimensions[axis])
	return resizeAxis(t, axis, start, stop, stop-start)
}

// stack concatenates tensors of identical shape along a new leading axis.
func stack(parts []*tensors.Tensor) *tensors.Tensor {
	shape := parts[0].Shape()
	dims := append([]int{len(parts)}, shape.Dimensions...)
	result := tensors.FromShape(shapes.Make(shape.DType, dims...))
	size := int(shape.Memory())
	result.MutableBytes(func(dst []byte) {
		for ii, part := range parts {
			part.ConstBytes(func(src []byte) {
				copy(dst[ii*size:(ii+1)*size], src)
			})
		}
	})
	return result
}
