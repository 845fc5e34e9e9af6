// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runningnorm implements a masked normalization layer that keeps running statistics
// across training steps, and a conditioned variant that normalizes each condition (speaker,
// domain, noise type, ...) of a batch with its own statistics.
//
// The same Norm covers batch normalization (the batch axis is among the statistics axes, so
// population statistics are tracked in context variables and replayed at inference), and
// instance/layer normalization (statistics are computed on every call and never stored).
//
// Sequences of different lengths are supported by passing the valid length of each example:
// padded positions don't contribute to the statistics and are zero in the output.
package runningnorm

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

const (
	// DefaultScope is the sub-scope created for the variables of a Norm if Config.Name is empty.
	DefaultScope = "running_norm"

	// NumTrackedValuesVariableName counts, per position, how many values contributed to the running statistics.
	NumTrackedValuesVariableName = "num_tracked_values"

	// RunningMeanVariableName holds the running mean.
	RunningMeanVariableName = "running_mean"

	// RunningPowerVariableName holds the running second moment. Only present if Config.Scale is set.
	RunningPowerVariableName = "running_power"
)

// Config of a Norm. Axes are referred to by their character in Layout.
//
// Use DefaultConfig or ConfigFromContext to get a Config with the default values.
type Config struct {
	// Name of the sub-scope holding the variables. Defaults to DefaultScope.
	Name string

	// Layout names the axes of the input, e.g. "bcft".
	Layout string

	// Shape gives the size of each axis of Layout, or Unconstrained.
	Shape []int

	// StatisticsAxes are reduced to compute mean and power. If it includes BatchAxis the
	// statistics are tracked across calls.
	StatisticsAxes string

	// IndependentAxes are the axes along which the learnable scale and shift vary.
	// Empty disables the learnable affine transformation.
	IndependentAxes string

	// BatchAxis is the single character of the batch axis.
	BatchAxis string

	// SequenceAxis is the single character of the time axis, or empty if there is none.
	// It is required to pass lengths to Norm.Apply.
	SequenceAxis string

	// Scale enables normalization by the standard deviation, in addition to centering.
	Scale bool

	// Epsilon is added to the standard deviation before dividing.
	Epsilon float64

	// Momentum is the weight of the previous running statistics when blending in a new batch.
	// 0 selects an adaptive momentum of 1-n/count, which weights every tracked value equally.
	Momentum float64

	// FreezeAfter, if > 0, stops updating the running statistics once the maximum count of
	// tracked values reaches it: the normalizer then behaves as in inference.
	FreezeAfter int

	// DType of the variables, either Float16, Float32 or Float64. Inputs must have the same dtype.
	// With Float16 the number of tracked values is only exact up to 2048, so FreezeAfter and the
	// adaptive momentum become approximate after that.
	DType dtypes.DType
}

// DefaultConfig returns the configuration of a classic normalization of "bcft" style inputs:
// statistics over batch, frequency and time, learnable scale and shift per channel.
func DefaultConfig(layout string, shape ...int) Config {
	return Config{
		Name:            DefaultScope,
		Layout:          layout,
		Shape:           shape,
		StatisticsAxes:  "bft",
		IndependentAxes: "c",
		BatchAxis:       "b",
		SequenceAxis:    "t",
		Scale:           true,
		Epsilon:         1e-5,
		Momentum:        0.95,
		DType:           dtypes.Float32,
	}
}

// Norm is a masked normalizer with optional running statistics and learnable affine
// transformation. Create it with New.
//
// A Norm owns its variables: running statistics are only modified by Apply (in training) and
// by the Reset methods. Apply must not be executed concurrently for the same Norm.
type Norm struct {
	cfg    Config
	layout Layout
	scope  string

	batchAxis, sequenceAxis int // sequenceAxis is -1 if there is none.
	statisticsAxes          []int

	running      *runningState // nil if statistics are not tracked.
	scale, shift *context.Variable
}

// runningState holds the tracked statistics, shaped as the input with the statistics axes
// collapsed to 1.
type runningState struct {
	count, mean *context.Variable
	power       *context.Variable // nil if Config.Scale is false.
}

// New validates cfg and creates the normalizer variables in the scope ctx.In(cfg.Name).
//
// If the variables already exist in the context (e.g. loaded from a checkpoint), they are reused.
func New(ctx *context.Context, cfg Config) (*Norm, error) {
	n, err := newNorm(cfg)
	if err != nil {
		return nil, err
	}
	ctx = ctx.In(n.cfg.Name)
	n.scope = ctx.Scope()
	if err = n.createVariables(ctx); err != nil {
		return nil, errors.WithMessagef(err, "running norm in scope %q", n.scope)
	}
	klog.V(1).Infof("running norm %q: layout=%q statistics=%q tracking=%v scale=%v momentum=%g freeze_after=%d",
		n.scope, n.layout.Format(), n.cfg.StatisticsAxes, n.running != nil, n.cfg.Scale, n.cfg.Momentum, n.cfg.FreezeAfter)
	return n, nil
}

// newNorm resolves the configuration without creating variables.
func newNorm(cfg Config) (*Norm, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultScope
	}
	if cfg.DType == dtypes.InvalidDType {
		cfg.DType = dtypes.Float32
	}
	if cfg.DType != dtypes.Float32 && cfg.DType != dtypes.Float64 && cfg.DType != dtypes.Float16 {
		return nil, errors.Errorf("running norm: unsupported dtype %s, only Float16, Float32 and Float64", cfg.DType)
	}
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, errors.Errorf("running norm: momentum must be in [0, 1), got %g", cfg.Momentum)
	}
	if cfg.Epsilon < 0 {
		return nil, errors.Errorf("running norm: epsilon must be >= 0, got %g", cfg.Epsilon)
	}
	if cfg.FreezeAfter < 0 {
		return nil, errors.Errorf("running norm: freeze_after must be >= 0, got %d", cfg.FreezeAfter)
	}
	layout, err := NewLayout(cfg.Layout, cfg.Shape)
	if err != nil {
		return nil, errors.WithMessage(err, "running norm")
	}
	n := &Norm{cfg: cfg, layout: layout, sequenceAxis: -1}
	if n.batchAxis, err = layout.Axis(cfg.BatchAxis); err != nil {
		return nil, errors.WithMessage(err, "running norm batch axis")
	}
	if cfg.SequenceAxis != "" {
		if n.sequenceAxis, err = layout.Axis(cfg.SequenceAxis); err != nil {
			return nil, errors.WithMessage(err, "running norm sequence axis")
		}
	}
	if n.statisticsAxes, err = layout.Axes(cfg.StatisticsAxes); err != nil {
		return nil, errors.WithMessage(err, "running norm statistics axes")
	}
	if len(n.statisticsAxes) == 0 {
		return nil, errors.New("running norm: no statistics axes configured")
	}
	return n, nil
}

// tracksRunningStats returns whether the batch axis is among the statistics axes.
func (n *Norm) tracksRunningStats() bool {
	for _, axis := range n.statisticsAxes {
		if axis == n.batchAxis {
			return true
		}
	}
	return false
}

func (n *Norm) createVariables(ctx *context.Context) error {
	if n.tracksRunningStats() {
		dims := n.layout.ReducedShape(n.statisticsAxes)
		for axis, dim := range dims {
			if dim == Unconstrained {
				return errors.Errorf("axis %q is not a statistics axis, so it must have a concrete size to track running statistics",
					n.layout.Format()[axis])
			}
		}
		dtype := n.cfg.DType
		n.running = &runningState{
			count: getOrCreateVariable(ctx, NumTrackedValuesVariableName, filledTensor(dtype, 0, dims), false),
			mean:  getOrCreateVariable(ctx, RunningMeanVariableName, filledTensor(dtype, 0, dims), false),
		}
		if n.cfg.Scale {
			n.running.power = getOrCreateVariable(ctx, RunningPowerVariableName, filledTensor(dtype, 1, dims), false)
		}
	}
	independentAxes, err := n.layout.Axes(n.cfg.IndependentAxes)
	if err != nil {
		return errors.WithMessage(err, "independent axes")
	}
	n.scale, n.shift, err = newAffine(ctx, n.layout, independentAxes, n.cfg.DType)
	return err
}

// Config returns the configuration used, with defaults filled in.
func (n *Norm) Config() Config { return n.cfg }

// Scope returns the absolute scope of the normalizer variables.
func (n *Norm) Scope() string { return n.scope }

// Apply normalizes x, whose axes are described by the layout.
//
// lengths is optional: if given, it holds the valid length (along the sequence axis) of each
// example, and positions past it are excluded from the statistics and zeroed in the output.
//
// If running statistics are tracked, in training (context.Context.IsTraining) and not frozen, x
// is normalized with the statistics of the current batch, which are blended into the running
// statistics. Otherwise, x is normalized with the running statistics. Without tracking, the
// statistics of the current call are always used.
//
// It panics (with exceptions.Panicf) if x doesn't match the configured layout.
func (n *Norm) Apply(ctx *context.Context, x, lengths *Node) *Node {
	n.checkInput(x)
	mask := ComputeMask(x, lengths, n.batchAxis, n.sequenceAxis)
	normalized := n.normalize(ctx, x, mask, false)
	normalized = applyAffine(normalized, n.scale, n.shift)
	return Mul(normalized, mask)
}

// normalize x with the statistics selected by the training mode, without the affine
// transformation or the final masking.
//
// If keepWhenEmpty is set, the running statistics are left untouched when mask selects no value.
func (n *Norm) normalize(ctx *context.Context, x, mask *Node, keepWhenEmpty bool) *Node {
	switch {
	case n.running == nil:
		normalized, _, _, _ := n.estimate(x, mask)
		return normalized
	case !ctx.IsTraining(x.Graph()):
		return n.replay(x)
	default:
		return n.accumulate(x, mask, keepWhenEmpty)
	}
}

func (n *Norm) checkInput(x *Node) {
	if x.Rank() != n.layout.Rank() {
		Panicf("running norm %q: input rank %d doesn't match layout %q (x.shape=%s)",
			n.scope, x.Rank(), n.layout.Format(), x.Shape())
	}
	if x.DType() != n.cfg.DType {
		Panicf("running norm %q: input dtype %s doesn't match configured dtype %s", n.scope, x.DType(), n.cfg.DType)
	}
	for axis, dim := range x.Shape().Dimensions {
		if want := n.layout.Dim(axis); want != Unconstrained && want != dim {
			Panicf("running norm %q: axis %q of x.shape=%s should have dimension %d",
				n.scope, n.layout.Format()[axis], x.Shape(), want)
		}
	}
}

// estimate normalizes x with its own masked statistics.
func (n *Norm) estimate(x, mask *Node) (normalized, mean, power, count *Node) {
	mean, power, count = Statistics(x, mask, n.statisticsAxes, n.cfg.Scale)
	normalized = Sub(x, mean)
	if n.cfg.Scale {
		std := Sqrt(unbiasedVariance(mean, power, count))
		normalized = Div(normalized, AddScalar(std, n.cfg.Epsilon))
	}
	return
}

// replay normalizes x with the running statistics.
func (n *Norm) replay(x *Node) *Node {
	g := x.Graph()
	mean := StopGradient(n.running.mean.ValueGraph(g))
	normalized := Sub(x, mean)
	if n.cfg.Scale {
		count := n.running.count.ValueGraph(g)
		power := n.running.power.ValueGraph(g)
		std := StopGradient(Sqrt(unbiasedVariance(mean, power, count)))
		normalized = Div(normalized, AddScalar(std, n.cfg.Epsilon))
	}
	return normalized
}

// accumulate normalizes x with its own statistics and updates the running statistics.
// If FreezeAfter is configured, the choice between this and replay is made in the graph.
func (n *Norm) accumulate(x, mask *Node, keepWhenEmpty bool) *Node {
	g := x.Graph()
	state := n.running
	normalized, mean, power, count := n.estimate(x, mask)
	count = StopGradient(count)

	oldCount := state.count.ValueGraph(g)
	newCount := Add(oldCount, count)
	var momentum *Node
	if n.cfg.Momentum == 0 {
		// Positions that never saw a valid value keep momentum 1.
		momentum = OneMinus(Div(count, MaxScalar(newCount, 1)))
	} else {
		momentum = Scalar(g, x.DType(), n.cfg.Momentum)
	}
	oldMean := state.mean.ValueGraph(g)
	newMean := Add(Mul(momentum, oldMean), Mul(OneMinus(momentum), StopGradient(mean)))
	var oldPower, newPower *Node
	if state.power != nil {
		oldPower = state.power.ValueGraph(g)
		newPower = Add(Mul(momentum, oldPower), Mul(OneMinus(momentum), StopGradient(power)))
	}

	// keep is a scalar boolean: if true the running statistics are not updated.
	var keep *Node
	if n.cfg.FreezeAfter > 0 {
		frozen := GreaterOrEqual(ReduceAllMax(oldCount), Scalar(g, oldCount.DType(), float64(n.cfg.FreezeAfter)))
		normalized = whereScalar(frozen, n.replay(x), normalized)
		keep = frozen
	}
	if keepWhenEmpty {
		empty := Equal(ReduceAllMax(count), ScalarZero(g, count.DType()))
		if keep == nil {
			keep = empty
		} else {
			keep = LogicalOr(keep, empty)
		}
	}
	if keep != nil {
		newCount = whereScalar(keep, oldCount, newCount)
		newMean = whereScalar(keep, oldMean, newMean)
		if newPower != nil {
			newPower = whereScalar(keep, oldPower, newPower)
		}
	}

	state.count.SetValueGraph(newCount)
	state.mean.SetValueGraph(newMean)
	if newPower != nil {
		state.power.SetValueGraph(newPower)
	}
	return normalized
}

// whereScalar selects between onTrue and onFalse (same shape) with a scalar condition.
func whereScalar(condition, onTrue, onFalse *Node) *Node {
	return Where(BroadcastToDims(condition, onTrue.Shape().Dimensions...), onTrue, onFalse)
}

// Frozen reports whether the running statistics stopped updating because FreezeAfter values
// were tracked.
func (n *Norm) Frozen() bool {
	if n.cfg.FreezeAfter <= 0 || n.running == nil {
		return false
	}
	return floats.Max(flatFloat64(n.running.count.Value())) >= float64(n.cfg.FreezeAfter)
}

// ResetRunningStats zeroes the count and the running mean, and sets the running power to 1.
// It is a no-op if running statistics are not tracked.
func (n *Norm) ResetRunningStats() {
	if n.running == nil {
		return
	}
	resetVariable(n.running.count, 0)
	resetVariable(n.running.mean, 0)
	if n.running.power != nil {
		resetVariable(n.running.power, 1)
	}
}

// ResetParameters resets the running statistics, the learnable scale to 1 and the learnable
// shift to 0.
func (n *Norm) ResetParameters() {
	n.ResetRunningStats()
	resetAffine(n.scale, n.shift)
}

// NumTrackedValues returns the current count of tracked values, or nil if not tracking.
func (n *Norm) NumTrackedValues() *tensors.Tensor {
	if n.running == nil {
		return nil
	}
	return n.running.count.Value()
}

// RunningMean returns the current running mean, or nil if not tracking.
func (n *Norm) RunningMean() *tensors.Tensor {
	if n.running == nil {
		return nil
	}
	return n.running.mean.Value()
}

// RunningPower returns the current running second moment, or nil if not tracking or not scaling.
func (n *Norm) RunningPower() *tensors.Tensor {
	if n.running == nil || n.running.power == nil {
		return nil
	}
	return n.running.power.Value()
}

// LearnedScale returns the current learnable scale, or nil if there are no independent axes.
func (n *Norm) LearnedScale() *tensors.Tensor {
	if n.scale == nil {
		return nil
	}
	return n.scale.Value()
}

// LearnedShift returns the current learnable shift, or nil if there are no independent axes.
func (n *Norm) LearnedShift() *tensors.Tensor {
	if n.shift == nil {
		return nil
	}
	return n.shift.Value()
}

// String implements fmt.Stringer.
func (n *Norm) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("layout=%q", n.layout.Format()))
	parts = append(parts, fmt.Sprintf("statistics=%q", n.cfg.StatisticsAxes))
	if n.scale != nil {
		parts = append(parts, fmt.Sprintf("independent=%q", n.cfg.IndependentAxes))
	}
	if n.running != nil {
		parts = append(parts, fmt.Sprintf("momentum=%g", n.cfg.Momentum))
	}
	return fmt.Sprintf("RunningNorm(%s)", strings.Join(parts, ", "))
}
