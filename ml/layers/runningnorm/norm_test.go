package runningnorm

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

// filled3D returns a [d0][d1][d2] array with all values set to value.
func filled3D(d0, d1, d2 int, value float32) [][][]float32 {
	x := make([][][]float32, d0)
	for i := range x {
		x[i] = make([][]float32, d1)
		for j := range x[i] {
			x[i][j] = make([]float32, d2)
			for k := range x[i][j] {
				x[i][j][k] = value
			}
		}
	}
	return x
}

// scenarioConfig is the "bct" normalizer with 10 channels, statistics over batch and time and
// momentum 0.5.
func scenarioConfig() Config {
	cfg := DefaultConfig("bct", Unconstrained, 10, Unconstrained)
	cfg.StatisticsAxes = "bt"
	cfg.Momentum = 0.5
	return cfg
}

// applyOnce runs one forward pass of norm on x with the given lengths (nil for none).
func applyOnce(t *testing.T, ctx *context.Context, norm *Norm, training bool, x [][][]float32, lengths []int32) [][][]float32 {
	backend := graphtest.BuildTestBackend()
	var output *tensors.Tensor
	require.NotPanics(t, func() {
		output = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			ctx.SetTraining(g, training)
			var lengthsNode *Node
			if lengths != nil {
				lengthsNode = Const(g, lengths)
			}
			return norm.Apply(ctx, Const(g, x), lengthsNode)
		})
	})
	return output.Value().([][][]float32)
}

func requireAllClose(t *testing.T, want float64, got *tensors.Tensor, msgAndArgs ...any) {
	for _, v := range flatFloat64(got) {
		require.InDelta(t, want, v, 1e-5, msgAndArgs...)
	}
}

func TestComputeMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := Const(g, filled3D(3, 10, 4, 2))
		return []*Node{
			ComputeMask(x, Const(g, []int32{1, 2, 3}), 0, 2),
			ComputeMask(x, nil, 0, 2),
		}
	})
	mask := outputs[0].Value().([][][]float32)
	wantRows := [][]float32{{1, 0, 0, 0}, {1, 1, 0, 0}, {1, 1, 1, 0}}
	for b, want := range wantRows {
		for c := range 10 {
			require.Equal(t, want, mask[b][c], "mask[%d][%d]", b, c)
		}
	}
	require.Equal(t, filled3D(3, 10, 4, 1), outputs[1].Value())
}

func TestComputeMaskErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	// More lengths than batch elements.
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return ComputeMask(Const(g, filled3D(2, 3, 4, 1)), Const(g, []int32{1, 2, 3}), 0, 2)
		})
	})
	// Lengths without a sequence axis.
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return ComputeMask(Const(g, filled3D(2, 3, 4, 1)), Const(g, []int32{1, 2}), 0, -1)
		})
	})
}

func TestStatistics(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := Const(g, filled3D(3, 10, 4, 2))
		mask := ComputeMask(x, Const(g, []int32{1, 2, 3}), 0, 2)
		mean, power, n := Statistics(x, mask, []int{0, 2}, true)
		return []*Node{mean, power, n}
	})
	for ii, want := range []float32{2, 4, 6} {
		require.Equal(t, []int{1, 10, 1}, outputs[ii].Shape().Dimensions)
		require.Equal(t, filled3D(1, 10, 1, want), outputs[ii].Value(), "output #%d", ii)
	}

	// Fully masked windows: no division by zero.
	outputs = context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := Const(g, filled3D(2, 1, 3, 5))
		mask := ComputeMask(x, Const(g, []int32{0, 2}), 0, 2)
		mean, power, n := Statistics(x, mask, []int{2}, false)
		require.Nil(t, power)
		return []*Node{mean, n}
	})
	require.Equal(t, [][][]float32{{{0}}, {{5}}}, outputs[0].Value())
	require.Equal(t, [][][]float32{{{0}}, {{2}}}, outputs[1].Value())
}

func TestNormRunningStats(t *testing.T) {
	ctx := context.New()
	norm, err := New(ctx, scenarioConfig())
	require.NoError(t, err)
	requireAllClose(t, 0, norm.RunningMean())
	requireAllClose(t, 1, norm.RunningPower())
	requireAllClose(t, 0, norm.NumTrackedValues())
	require.Equal(t, []int{1, 10, 1}, norm.RunningMean().Shape().Dimensions)
	require.Equal(t, []int{1, 10, 1}, norm.LearnedScale().Shape().Dimensions)

	output := applyOnce(t, ctx, norm, true, filled3D(3, 10, 4, 2), []int32{1, 2, 3})
	require.Equal(t, filled3D(3, 10, 4, 0), output)
	requireAllClose(t, 1, norm.RunningMean())
	requireAllClose(t, 2.5, norm.RunningPower())
	requireAllClose(t, 6, norm.NumTrackedValues())
	require.False(t, norm.Frozen())
}

func TestNormMomentum(t *testing.T) {
	cfg := DefaultConfig("bct", Unconstrained, 2, Unconstrained)
	cfg.StatisticsAxes = "bt"

	t.Run("fixed", func(t *testing.T) {
		cfg.Momentum = 0.5
		ctx := context.New()
		norm, err := New(ctx, cfg)
		require.NoError(t, err)
		applyOnce(t, ctx, norm, true, filled3D(2, 2, 3, 2), nil)
		applyOnce(t, ctx, norm, true, filled3D(2, 2, 3, 4), nil)
		const m = 0.5
		requireAllClose(t, m*(m*0+(1-m)*2)+(1-m)*4, norm.RunningMean())
		requireAllClose(t, m*(m*1+(1-m)*4)+(1-m)*16, norm.RunningPower())
		requireAllClose(t, 12, norm.NumTrackedValues())
	})

	t.Run("adaptive", func(t *testing.T) {
		cfg.Momentum = 0
		ctx := context.New()
		norm, err := New(ctx, cfg)
		require.NoError(t, err)
		applyOnce(t, ctx, norm, true, filled3D(2, 2, 3, 2), nil)
		requireAllClose(t, 2, norm.RunningMean())
		requireAllClose(t, 4, norm.RunningPower())
		// Second batch with 3 valid values per channel against 6 tracked so far.
		applyOnce(t, ctx, norm, true, filled3D(1, 2, 3, 5), nil)
		requireAllClose(t, (6*2+3*5)/9.0, norm.RunningMean())
		requireAllClose(t, (6*4+3*25)/9.0, norm.RunningPower())
		requireAllClose(t, 9, norm.NumTrackedValues())
	})

	t.Run("adaptive_fully_masked", func(t *testing.T) {
		cfg.Momentum = 0
		ctx := context.New()
		norm, err := New(ctx, cfg)
		require.NoError(t, err)
		applyOnce(t, ctx, norm, true, filled3D(2, 2, 3, 2), []int32{0, 0})
		requireAllClose(t, 0, norm.RunningMean())
		requireAllClose(t, 1, norm.RunningPower())
		requireAllClose(t, 0, norm.NumTrackedValues())
	})
}

func TestNormInference(t *testing.T) {
	ctx := context.New()
	norm, err := New(ctx, scenarioConfig())
	require.NoError(t, err)
	applyOnce(t, ctx, norm, true, filled3D(3, 10, 4, 2), []int32{1, 2, 3})

	output := applyOnce(t, ctx, norm, false, filled3D(3, 10, 4, 2), []int32{1, 2, 3})
	// Running mean 1, running variance 6/5*(2.5-1) = 1.8.
	want := float32(1 / (math.Sqrt(1.8) + 1e-5))
	require.InDelta(t, want, output[2][3][2], 1e-5)
	require.InDelta(t, want, output[0][0][0], 1e-5)
	require.Equal(t, float32(0), output[0][0][1])
	require.Equal(t, float32(0), output[2][9][3])
	requireAllClose(t, 1, norm.RunningMean())
	requireAllClose(t, 2.5, norm.RunningPower())
	requireAllClose(t, 6, norm.NumTrackedValues())
}

func TestNormFreeze(t *testing.T) {
	cfg := scenarioConfig()
	cfg.FreezeAfter = 6
	ctx := context.New()
	norm, err := New(ctx, cfg)
	require.NoError(t, err)
	require.False(t, norm.Frozen())
	applyOnce(t, ctx, norm, true, filled3D(3, 10, 4, 2), []int32{1, 2, 3})
	require.True(t, norm.Frozen())

	for range 2 {
		output := applyOnce(t, ctx, norm, true, filled3D(3, 10, 4, 4), []int32{1, 2, 3})
		requireAllClose(t, 1, norm.RunningMean())
		requireAllClose(t, 2.5, norm.RunningPower())
		requireAllClose(t, 6, norm.NumTrackedValues())
		// Normalized with the running statistics, not the batch ones.
		require.InDelta(t, float32(3/(math.Sqrt(1.8)+1e-5)), output[1][4][1], 1e-5)
		require.Equal(t, float32(0), output[1][4][2])
	}

	norm.ResetRunningStats()
	require.False(t, norm.Frozen())
}

func TestNormMaskAfterAffine(t *testing.T) {
	ctx := context.New()
	norm, err := New(ctx, scenarioConfig())
	require.NoError(t, err)
	norm.shift.SetValue(filledTensor(dtypes.Float32, 1, []int{1, 10, 1}))
	norm.scale.SetValue(filledTensor(dtypes.Float32, 3, []int{1, 10, 1}))
	output := applyOnce(t, ctx, norm, true, filled3D(3, 10, 4, 2), []int32{1, 2, 3})
	lengths := []int{1, 2, 3}
	for b := range 3 {
		for c := range 10 {
			for tt := range 4 {
				if tt >= lengths[b] {
					require.Equal(t, float32(0), output[b][c][tt], "output[%d][%d][%d]", b, c, tt)
				} else {
					require.InDelta(t, float32(-1), output[b][c][tt], 1e-5, "output[%d][%d][%d]", b, c, tt)
				}
			}
		}
	}
}

func TestNormResetParameters(t *testing.T) {
	ctx := context.New()
	norm, err := New(ctx, scenarioConfig())
	require.NoError(t, err)
	applyOnce(t, ctx, norm, true, filled3D(3, 10, 4, 2), []int32{1, 2, 3})
	norm.shift.SetValue(filledTensor(dtypes.Float32, 7, []int{1, 10, 1}))
	norm.scale.SetValue(filledTensor(dtypes.Float32, 7, []int{1, 10, 1}))

	for range 2 {
		norm.ResetParameters()
		requireAllClose(t, 1, norm.LearnedScale())
		requireAllClose(t, 0, norm.LearnedShift())
		requireAllClose(t, 0, norm.RunningMean())
		requireAllClose(t, 1, norm.RunningPower())
		requireAllClose(t, 0, norm.NumTrackedValues())
	}
}

func TestNormWithoutRunningStats(t *testing.T) {
	// Instance normalization: statistics over time only, never stored.
	cfg := DefaultConfig("bct", Unconstrained, 2, Unconstrained)
	cfg.StatisticsAxes = "t"
	cfg.IndependentAxes = ""
	ctx := context.New()
	norm, err := New(ctx, cfg)
	require.NoError(t, err)
	require.Nil(t, norm.RunningMean())
	require.Nil(t, norm.RunningPower())
	require.Nil(t, norm.NumTrackedValues())
	require.Nil(t, norm.LearnedScale())
	require.False(t, norm.Frozen())
	norm.ResetParameters() // No-op.

	x := filled3D(2, 2, 4, 0)
	for b := range x {
		for c := range x[b] {
			for tt := range x[b][c] {
				x[b][c][tt] = float32(tt)
			}
		}
	}
	// Same result in training or inference.
	for _, training := range []bool{true, false} {
		output := applyOnce(t, ctx, norm, training, x, nil)
		// mean=1.5, power=3.5, var=4/3*(3.5-2.25)
		std := math.Sqrt(4.0 / 3.0 * 1.25)
		for tt := range 4 {
			require.InDelta(t, (float64(tt)-1.5)/(std+1e-5), float64(output[1][1][tt]), 1e-5)
		}
	}
}

func TestNewErrors(t *testing.T) {
	for name, mutate := range map[string]func(cfg *Config){
		"unconstrained independent axis": func(cfg *Config) { cfg.IndependentAxes = "t" },
		"unknown statistics axis":        func(cfg *Config) { cfg.StatisticsAxes = "bx" },
		"unknown batch axis":             func(cfg *Config) { cfg.BatchAxis = "n" },
		"unknown sequence axis":          func(cfg *Config) { cfg.SequenceAxis = "f" },
		"shape length mismatch":          func(cfg *Config) { cfg.Shape = []int{Unconstrained, 10} },
		"untracked axis unconstrained": func(cfg *Config) {
			cfg.Shape = []int{Unconstrained, Unconstrained, Unconstrained}
			cfg.IndependentAxes = ""
		},
		"invalid momentum": func(cfg *Config) { cfg.Momentum = 1 },
		"invalid dtype":    func(cfg *Config) { cfg.DType = dtypes.Int32 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := scenarioConfig()
			mutate(&cfg)
			_, err := New(context.New(), cfg)
			require.Error(t, err)
		})
	}
}

func TestApplyErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	norm, err := New(ctx, scenarioConfig())
	require.NoError(t, err)
	// Wrong rank.
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return norm.Apply(ctx, Const(g, [][]float32{{1, 2}}), nil)
		})
	})
	// Wrong channel dimension.
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return norm.Apply(ctx, Const(g, filled3D(2, 3, 4, 1)), nil)
		})
	})
	// Lengths longer than the batch.
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return norm.Apply(ctx, Const(g, filled3D(2, 10, 4, 1)), Const(g, []int32{1, 2, 3}))
		})
	})
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	norm, err := New(ctx, scenarioConfig())
	require.NoError(t, err)
	x := filled3D(3, 10, 4, 2)
	x[1][3][1] = 7
	applyOnce(t, ctx, norm, true, x, []int32{1, 2, 3})
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	restoredCtx := context.New()
	_, err = checkpoints.Build(restoredCtx).Dir(dir).Immediate().Done()
	require.NoError(t, err)
	restored, err := New(restoredCtx, scenarioConfig())
	require.NoError(t, err)
	require.True(t, norm.RunningMean().Equal(restored.RunningMean()))
	require.True(t, norm.RunningPower().Equal(restored.RunningPower()))
	require.True(t, norm.NumTrackedValues().Equal(restored.NumTrackedValues()))
	require.True(t, norm.LearnedScale().Equal(restored.LearnedScale()))
	require.True(t, norm.LearnedShift().Equal(restored.LearnedShift()))

	// Same inference results after reload.
	want := applyOnce(t, ctx, norm, false, x, []int32{1, 2, 3})
	got := applyOnce(t, restoredCtx, restored, false, x, []int32{1, 2, 3})
	require.Equal(t, want, got)
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamMomentum, 0.0)
	ctx.SetParam(ParamFreezeAfter, 1000)
	ctx.SetParam(ParamScale, false)
	cfg := ConfigFromContext(ctx.In("encoder"), "bcft", Unconstrained, 4, 80, Unconstrained)
	require.Equal(t, 0.0, cfg.Momentum)
	require.Equal(t, 1000, cfg.FreezeAfter)
	require.False(t, cfg.Scale)
	require.Equal(t, 1e-5, cfg.Epsilon)
	require.Equal(t, "bft", cfg.StatisticsAxes)

	norm, err := New(ctx.In("encoder"), cfg)
	require.NoError(t, err)
	require.Nil(t, norm.RunningPower())
	require.Equal(t, "/encoder/running_norm", norm.Scope())
	require.Equal(t, []int{1, 4, 1, 1}, norm.RunningMean().Shape().Dimensions)
}

func TestSummarize(t *testing.T) {
	ctx := context.New()
	norm, err := New(ctx.In("model"), scenarioConfig())
	require.NoError(t, err)
	untracked := scenarioConfig()
	untracked.Name = "instance_norm"
	untracked.StatisticsAxes = "t"
	_, err = New(ctx.In("model"), untracked)
	require.NoError(t, err)
	applyOnce(t, ctx, norm, true, filled3D(3, 10, 4, 2), []int32{1, 2, 3})

	summaries := Summarize(ctx)
	require.Len(t, summaries, 1)
	s := summaries[0]
	require.Equal(t, "/model/running_norm", s.Scope)
	require.Equal(t, 10, s.Positions)
	require.InDelta(t, 6.0, s.MaxTracked, 1e-6)
	require.InDelta(t, 1.0, s.MeanOfMeans, 1e-6)
	require.InDelta(t, math.Sqrt(1.8), s.MeanStdDev, 1e-5)
	require.True(t, s.Learned)
	require.Len(t, s.Means, 10)
	require.InDeltaSlice(t, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, s.Means, 1e-6)
	require.Len(t, s.StdDevs, 10)
}

func TestFloat16Variables(t *testing.T) {
	ctx := context.New()
	cfg := scenarioConfig()
	cfg.DType = dtypes.Float16
	norm, err := New(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, dtypes.Float16, norm.RunningMean().DType())
	require.Equal(t, dtypes.Float16, norm.LearnedScale().DType())

	// Initial state: nothing tracked, power 1.
	summaries := Summarize(ctx)
	require.Len(t, summaries, 1)
	require.Zero(t, summaries[0].MaxTracked)
	require.Zero(t, summaries[0].MeanOfMeans)
	require.InDelta(t, math.Sqrt2, summaries[0].MeanStdDev, 1e-3)
	require.Equal(t, []float64{1, 1, 1}, flatFloat64(filledTensor(dtypes.Float16, 1, []int{3})))
}
