// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runningnorm

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// Builder configures a Norm (or a ConditionedNorm) with chained calls. Create it with Build,
// and finish it with Done or DoneConditioned.
type Builder struct {
	ctx *context.Context
	cfg Config
}

// Build starts the configuration of a normalizer for inputs with the given layout and shape,
// in the scope of ctx.
//
// It starts from ConfigFromContext, so hyperparameters set in ctx are the defaults. Example:
//
//	norm, err := runningnorm.Build(ctx, "bct", runningnorm.Unconstrained, 64, runningnorm.Unconstrained).
//		StatisticsAxes("bt").
//		Momentum(0).
//		Done()
func Build(ctx *context.Context, layout string, shape ...int) *Builder {
	return &Builder{ctx: ctx, cfg: ConfigFromContext(ctx, layout, shape...)}
}

// Name sets the sub-scope holding the variables. Defaults to DefaultScope.
func (b *Builder) Name(name string) *Builder {
	b.cfg.Name = name
	return b
}

// StatisticsAxes sets the axes reduced to compute the statistics. Default is "bft".
func (b *Builder) StatisticsAxes(axes string) *Builder {
	b.cfg.StatisticsAxes = axes
	return b
}

// IndependentAxes sets the axes along which the learnable scale and shift vary. Default is "c".
// Empty disables them.
func (b *Builder) IndependentAxes(axes string) *Builder {
	b.cfg.IndependentAxes = axes
	return b
}

// BatchAxis sets the character of the batch axis. Default is "b".
func (b *Builder) BatchAxis(axis string) *Builder {
	b.cfg.BatchAxis = axis
	return b
}

// SequenceAxis sets the character of the time axis, or "" if there is none. Default is "t".
func (b *Builder) SequenceAxis(axis string) *Builder {
	b.cfg.SequenceAxis = axis
	return b
}

// Scale sets whether to normalize by the standard deviation.
func (b *Builder) Scale(value bool) *Builder {
	b.cfg.Scale = value
	return b
}

// Epsilon sets the value added to the standard deviation before dividing.
func (b *Builder) Epsilon(value float64) *Builder {
	b.cfg.Epsilon = value
	return b
}

// Momentum sets the weight of the previous running statistics. 0 selects the adaptive momentum.
func (b *Builder) Momentum(value float64) *Builder {
	b.cfg.Momentum = value
	return b
}

// FreezeAfter sets the number of tracked values after which running statistics stop updating.
func (b *Builder) FreezeAfter(numValues int) *Builder {
	b.cfg.FreezeAfter = numValues
	return b
}

// DType sets the dtype of the variables and of the inputs. Default is Float32.
func (b *Builder) DType(dtype dtypes.DType) *Builder {
	b.cfg.DType = dtype
	return b
}

// Config returns the configuration built so far.
func (b *Builder) Config() Config {
	return b.cfg
}

// Done validates the configuration and creates the Norm, see New.
func (b *Builder) Done() (*Norm, error) {
	return New(b.ctx, b.cfg)
}

// DoneConditioned validates the configuration and creates a ConditionedNorm with numConditions
// conditions, see NewConditioned.
func (b *Builder) DoneConditioned(numConditions int) (*ConditionedNorm, error) {
	return NewConditioned(b.ctx, numConditions, b.cfg)
}
