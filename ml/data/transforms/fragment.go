// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transforms

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// FragmentConfig configures FragmentParallelSignals.
//
// Each of the per-signal fields takes either one value per signal or a single value used for
// all signals.
type FragmentConfig struct {
	// Axis along which to fragment each signal.
	Axis []int

	// Step between the start of consecutive fragments.
	Step []int

	// MaxLength of the fragments. The last fragments may be shorter.
	MaxLength []int

	// MinLength of the fragments: shorter trailing fragments are dropped. Defaults to 1.
	MinLength []int

	// Rng, if set, is used to draw a random start offset for the fragments, aligned for all
	// signals. If nil, fragments start at 0.
	Rng *rand.Rand
}

// perSignal expands values to n values, broadcasting a single value. If values is empty,
// defaults is used instead, and if that is empty too it fails.
func perSignal(name string, values []int, n int, defaults ...int) ([]int, error) {
	if len(values) == 0 {
		if len(defaults) == 0 {
			return nil, errors.Errorf("FragmentConfig.%s must be set", name)
		}
		values = defaults
	}
	switch len(values) {
	case 1:
		expanded := make([]int, n)
		for ii := range expanded {
			expanded[ii] = values[0]
		}
		return expanded, nil
	case n:
		return values, nil
	}
	return nil, errors.Errorf("FragmentConfig.%s has %d values, but %d signals were given", name, len(values), n)
}

// FragmentParallelSignals cuts each of the parallel signals (e.g. a waveform and its
// spectrogram) into fragments along its axis, such that the i-th fragments of all signals cover
// the same time segment.
//
// It returns, for each signal, the list of its fragments. It fails if the signals don't yield the
// same number of fragments.
//
// Example: for signals shaped [2, 10] and [2, 5] fragmented along axis 1 with steps {4, 2} and
// max lengths {4, 2}, both get 3 fragments with lengths {4, 4, 2} and {2, 2, 1}. With min lengths
// {4, 2} the short trailing fragments are dropped, and each signal gets 2 fragments.
func FragmentParallelSignals(signals []*tensors.Tensor, cfg FragmentConfig) ([][]*tensors.Tensor, error) {
	n := len(signals)
	if n == 0 {
		return nil, errors.New("FragmentParallelSignals: no signals given")
	}
	axes, err := perSignal("Axis", cfg.Axis, n, 0)
	if err != nil {
		return nil, err
	}
	steps, err := perSignal("Step", cfg.Step, n)
	if err != nil {
		return nil, err
	}
	maxLengths, err := perSignal("MaxLength", cfg.MaxLength, n)
	if err != nil {
		return nil, err
	}
	minLengths, err := perSignal("MinLength", cfg.MinLength, n, 1)
	if err != nil {
		return nil, err
	}
	for ii, signal := range signals {
		if axes[ii] < 0 || axes[ii] >= signal.Shape().Rank() {
			return nil, errors.Errorf("FragmentParallelSignals: axis %d is out of range for signal #%d of shape %s",
				axes[ii], ii, signal.Shape())
		}
		if steps[ii] <= 0 {
			return nil, errors.Errorf("FragmentParallelSignals: step must be > 0, got %d for signal #%d", steps[ii], ii)
		}
		if minLengths[ii] <= 0 || maxLengths[ii] < minLengths[ii] {
			return nil, errors.Errorf("FragmentParallelSignals: invalid lengths for signal #%d: min=%d, max=%d",
				ii, minLengths[ii], maxLengths[ii])
		}
	}

	// Start is measured in steps, so it is aligned across signals.
	var start float64
	if cfg.Rng != nil {
		maxStart := 1.0
		for ii, signal := range signals {
			dim := signal.Shape().Dimensions[axes[ii]]
			maxStart = max(min(maxStart, float64(dim-maxLengths[ii])/float64(steps[ii])), 0)
		}
		start = cfg.Rng.Float64() * maxStart
		for ii := range signals {
			start = math.Trunc(start*float64(steps[ii])) / float64(steps[ii])
		}
	}

	fragmented := make([][]*tensors.Tensor, n)
	for ii, signal := range signals {
		axis, step := axes[ii], steps[ii]
		minLen, maxLen := minLengths[ii], maxLengths[ii]
		dim := signal.Shape().Dimensions[axis]
		startIdx := int(math.Round(start * float64(step)))
		var fragments []*tensors.Tensor
		if startIdx >= minLen {
			fragments = append(fragments, sliceAxis(signal, axis, 0, startIdx))
		}
		for idx := startIdx; idx < dim-minLen+1; idx += step {
			fragments = append(fragments, sliceAxis(signal, axis, idx, idx+maxLen))
		}
		fragmented[ii] = fragments
	}
	for ii := range fragmented {
		if len(fragmented[ii]) != len(fragmented[0]) {
			return nil, errors.Errorf("FragmentParallelSignals: signal #%d of shape %s yields %d fragments, "+
				"but signal #0 of shape %s yields %d", ii, signals[ii].Shape(), len(fragmented[ii]),
				signals[0].Shape(), len(fragmented[0]))
		}
	}
	return fragmented, nil
}
