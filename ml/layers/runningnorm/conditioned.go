// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runningnorm

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// ConditionedNorm normalizes each example with the statistics of its condition (e.g. speaker
// or recording domain): statistics never mix across conditions. A learnable scale and shift,
// shared by all conditions, is applied afterwards.
type ConditionedNorm struct {
	norms        []*Norm
	scale, shift *context.Variable
	scope        string
}

// NewConditioned creates numConditions normalizers configured by cfg (without their own
// learnable affine transformation), in the sub-scopes "condition_<i>" of ctx.In(cfg.Name),
// plus the shared scale and shift for cfg.IndependentAxes.
func NewConditioned(ctx *context.Context, numConditions int, cfg Config) (*ConditionedNorm, error) {
	if numConditions <= 0 {
		return nil, errors.Errorf("conditioned norm: numConditions must be > 0, got %d", numConditions)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultScope
	}
	ctx = ctx.In(cfg.Name)
	c := &ConditionedNorm{
		norms: make([]*Norm, numConditions),
		scope: ctx.Scope(),
	}
	perCondition := cfg
	perCondition.IndependentAxes = ""
	for ii := range c.norms {
		perCondition.Name = fmt.Sprintf("condition_%d", ii)
		norm, err := New(ctx, perCondition)
		if err != nil {
			return nil, errors.WithMessagef(err, "conditioned norm, condition #%d", ii)
		}
		c.norms[ii] = norm
	}
	layout := c.norms[0].layout
	independentAxes, err := layout.Axes(cfg.IndependentAxes)
	if err != nil {
		return nil, errors.WithMessage(err, "conditioned norm independent axes")
	}
	c.scale, c.shift, err = newAffine(ctx, layout, independentAxes, c.norms[0].cfg.DType)
	if err != nil {
		return nil, errors.WithMessage(err, "conditioned norm")
	}
	return c, nil
}

// NumConditions returns the number of conditions (and of private normalizers).
func (c *ConditionedNorm) NumConditions() int { return len(c.norms) }

// Condition returns the private normalizer of the given condition.
func (c *ConditionedNorm) Condition(condition int) *Norm { return c.norms[condition] }

// Scope returns the absolute scope holding the shared scale and shift.
func (c *ConditionedNorm) Scope() string { return c.scope }

// Apply normalizes x, with one condition id per example. lengths is optional, see Norm.Apply.
//
// conditions is an integer tensor shaped [batch size]. Each condition's statistics are
// computed only from its own examples, and the running statistics of a condition absent from
// the batch are left untouched. Examples with a condition outside [0, NumConditions) are
// zero in the output.
//
// It panics (with exceptions.Panicf) if x doesn't match the configured layout, or if
// conditions is not shaped as above.
func (c *ConditionedNorm) Apply(ctx *context.Context, x, conditions, lengths *Node) *Node {
	base := c.norms[0]
	base.checkInput(x)
	batchSize := x.Shape().Dimensions[base.batchAxis]
	if !conditions.DType().IsInt() || conditions.Rank() != 1 || conditions.Shape().Dimensions[0] != batchSize {
		Panicf("conditioned norm %q: conditions must be integers shaped [%d], got conditions.shape=%s",
			c.scope, batchSize, conditions.Shape())
	}
	if lengths != nil && (lengths.Rank() != 1 || lengths.Shape().Dimensions[0] != batchSize) {
		Panicf("conditioned norm %q: lengths must have one value per example (%d), got lengths.shape=%s",
			c.scope, batchSize, lengths.Shape())
	}

	mask := ComputeMask(x, lengths, base.batchAxis, base.sequenceAxis)
	output := ZerosLike(x)
	var known *Node
	for condition, norm := range c.norms {
		selected := c.selectExamples(x, conditions, condition)
		normalized := norm.normalize(ctx, x, Mul(mask, ConvertDType(selected, x.DType())), true)
		output = Where(selected, normalized, output)
		if known == nil {
			known = selected
		} else {
			known = LogicalOr(known, selected)
		}
	}
	output = applyAffine(output, c.scale, c.shift)
	return Mul(output, Mul(mask, ConvertDType(known, x.DType())))
}

// selectExamples returns a boolean shaped as x, true on the examples of the given condition.
func (c *ConditionedNorm) selectExamples(x, conditions *Node, condition int) *Node {
	batchAxis := c.norms[0].batchAxis
	selected := Equal(conditions, Scalar(x.Graph(), conditions.DType(), condition))
	dims := make([]int, x.Rank())
	for axis := range dims {
		dims[axis] = 1
	}
	dims[batchAxis] = x.Shape().Dimensions[batchAxis]
	return BroadcastToDims(Reshape(selected, dims...), x.Shape().Dimensions...)
}

// ResetRunningStats resets the running statistics of every condition.
func (c *ConditionedNorm) ResetRunningStats() {
	for _, norm := range c.norms {
		norm.ResetRunningStats()
	}
}

// ResetParameters resets the running statistics of every condition, the shared scale to 1
// and the shared shift to 0.
func (c *ConditionedNorm) ResetParameters() {
	c.ResetRunningStats()
	resetAffine(c.scale, c.shift)
}

// LearnedScale returns the shared learnable scale, or nil if there are no independent axes.
func (c *ConditionedNorm) LearnedScale() *tensors.Tensor {
	if c.scale == nil {
		return nil
	}
	return c.scale.Value()
}

// LearnedShift returns the shared learnable shift, or nil if there are no independent axes.
func (c *ConditionedNorm) LearnedShift() *tensors.Tensor {
	if c.shift == nil {
		return nil
	}
	return c.shift.Value()
}
