// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runningnorm

import (
	"strings"

	"github.com/pkg/errors"
)

// Unconstrained marks an axis of a shape descriptor whose size is only known at call time,
// typically the batch and time axes.
const Unconstrained = -1

// Layout assigns semantic roles to the positional axes of a tensor.
//
// Each character of the format names one axis, e.g. "bcft" for batch, channel, frequency
// and time. The shape descriptor gives, for each axis, its fixed size or Unconstrained.
type Layout struct {
	format string
	shape  []int
}

// NewLayout validates the format and shape descriptor. Characters are case-insensitive.
//
// A nil shape is accepted and means every axis is Unconstrained.
func NewLayout(format string, shape []int) (Layout, error) {
	format = strings.ToLower(format)
	if format == "" {
		return Layout{}, errors.New("empty layout format")
	}
	if shape == nil {
		shape = make([]int, len(format))
		for ii := range shape {
			shape[ii] = Unconstrained
		}
	}
	if len(shape) != len(format) {
		return Layout{}, errors.Errorf("layout %q has %d axes, but shape %v has %d entries",
			format, len(format), shape, len(shape))
	}
	for ii, c := range format {
		if strings.IndexRune(format, c) != ii {
			return Layout{}, errors.Errorf("layout %q repeats axis %q", format, c)
		}
		if shape[ii] != Unconstrained && shape[ii] <= 0 {
			return Layout{}, errors.Errorf("layout %q: invalid size %d for axis %q", format, shape[ii], c)
		}
	}
	return Layout{format: format, shape: append([]int(nil), shape...)}, nil
}

// Format returns the lower-cased layout string.
func (l Layout) Format() string { return l.format }

// Rank is the number of axes.
func (l Layout) Rank() int { return len(l.format) }

// Dim returns the configured size of the axis at position axis, or Unconstrained.
func (l Layout) Dim(axis int) int { return l.shape[axis] }

// Shape returns a copy of the shape descriptor.
func (l Layout) Shape() []int { return append([]int(nil), l.shape...) }

// Axis returns the position of the axis named by a single character.
func (l Layout) Axis(name string) (int, error) {
	if len(name) != 1 {
		return 0, errors.Errorf("axis name must be a single character, got %q", name)
	}
	axis := strings.Index(l.format, strings.ToLower(name))
	if axis < 0 {
		return 0, errors.Errorf("axis %q not present in layout %q", name, l.format)
	}
	return axis, nil
}

// Axes resolves each character of names to its position, in the order given.
func (l Layout) Axes(names string) ([]int, error) {
	axes := make([]int, 0, len(names))
	for _, c := range names {
		axis, err := l.Axis(string(c))
		if err != nil {
			return nil, err
		}
		for _, prev := range axes {
			if prev == axis {
				return nil, errors.Errorf("axis %q listed twice in %q", c, names)
			}
		}
		axes = append(axes, axis)
	}
	return axes, nil
}

// ReducedShape returns the shape descriptor with the given axes collapsed to 1.
func (l Layout) ReducedShape(axes []int) []int {
	reduced := l.Shape()
	for _, axis := range axes {
		reduced[axis] = 1
	}
	return reduced
}

// IndependentShape returns a shape that is 1 everywhere except on the given axes, which keep
// their configured size. It fails if any of those axes is Unconstrained.
func (l Layout) IndependentShape(axes []int) ([]int, error) {
	dims := make([]int, l.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	for _, axis := range axes {
		if l.shape[axis] == Unconstrained {
			return nil, errors.Errorf("independent axis %q of layout %q must have a concrete size",
				l.format[axis], l.format)
		}
		dims[axis] = l.shape[axis]
	}
	return dims, nil
}
