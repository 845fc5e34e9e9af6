// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/gomlx/audionorm/ml/layers/runningnorm"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/stretchr/testify/require"
)

// saveCheckpoint trains one step of an encoder normalizer, creates an untrained decoder
// normalizer, and saves everything to a checkpoint in a temporary directory.
func saveCheckpoint(t *testing.T) string {
	dir := t.TempDir()
	ctx := context.New()
	ctx.SetParam(runningnorm.ParamFreezeAfter, 100)
	ctx.SetParam(runningnorm.ParamMomentum, 0.0)
	ctx.SetParam("learning_rate", 0.01)
	modelCtx := ctx.In("model")

	cfg := runningnorm.ConfigFromContext(modelCtx.In("encoder"), "bct", runningnorm.Unconstrained, 2, runningnorm.Unconstrained)
	cfg.StatisticsAxes = "bt"
	encoder, err := runningnorm.New(modelCtx.In("encoder"), cfg)
	require.NoError(t, err)
	cfg.Scale = false
	cfg.IndependentAxes = ""
	_, err = runningnorm.New(modelCtx.In("decoder"), cfg)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	x := [][][]float32{{{1, 3, 5}, {2, 2, 2}}, {{1, 1, 0}, {4, 4, 0}}}
	_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		return encoder.Apply(ctx, Const(g, x), Const(g, []int32{3, 2}))
	})

	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())
	return dir
}

func TestLayers(t *testing.T) {
	dir := saveCheckpoint(t)
	_, scopedCtx, err := loadCheckpoint(dir, "/model")
	require.NoError(t, err)

	summaries := runningnorm.Summarize(scopedCtx)
	require.Len(t, summaries, 2)

	// Decoder: never trained, no learned affine, no running power.
	untracked, row := layerRow(summaries[0])
	require.True(t, untracked)
	require.Equal(t, []string{"/model/decoder/running_norm", "2", "0", "0", "-", "no"}, row)

	// Encoder: 5 valid frames per channel; channel means are 2.2 and 2.8.
	untracked, row = layerRow(summaries[1])
	require.False(t, untracked)
	require.Equal(t, "/model/encoder/running_norm", row[0])
	require.Equal(t, "2", row[1])
	require.Equal(t, "5", row[2])
	require.Equal(t, "2.5", row[3])
	require.Equal(t, "yes", row[5])

	layers := Layers(scopedCtx)
	require.Equal(t, 2, layers.NumRows())
	require.Equal(t, 1, layers.NumWarnings())
	rendered := layers.Render()
	require.Contains(t, rendered, "Running Normalization Layers")
	require.Contains(t, rendered, "/model/encoder/running_norm")
	require.Contains(t, rendered, "Max Tracked")

	_, otherScope, err := loadCheckpoint(dir, "/other")
	require.NoError(t, err)
	require.Zero(t, Layers(otherScope).NumRows())
}

func TestSummaryAndParams(t *testing.T) {
	dir := saveCheckpoint(t)
	ctx, scopedCtx, err := loadCheckpoint(dir, "/model")
	require.NoError(t, err)

	summary := Summary(ctx, scopedCtx, dir)
	require.Zero(t, summary.NumWarnings())
	require.Contains(t, summary.Render(), "/model")
	require.Contains(t, summary.Render(), "# variables")

	params := Params(ctx)
	require.Equal(t, 2, params.NumWarnings())
	rendered := params.Render()
	require.Contains(t, rendered, runningnorm.ParamFreezeAfter)
	require.Contains(t, rendered, "learning_rate")
	// Sorted by name within the root scope.
	require.Less(t, strings.Index(rendered, "learning_rate"), strings.Index(rendered, runningnorm.ParamFreezeAfter))
	require.Less(t, strings.Index(rendered, runningnorm.ParamFreezeAfter), strings.Index(rendered, runningnorm.ParamMomentum))
	require.True(t, isRunningNormParam(runningnorm.ParamFreezeAfter))
	require.False(t, isRunningNormParam("learning_rate"))
}

func TestPlotLayers(t *testing.T) {
	dir := saveCheckpoint(t)
	_, scopedCtx, err := loadCheckpoint(dir, "/model")
	require.NoError(t, err)
	plotPath := path.Join(t.TempDir(), "stats.png")
	require.NoError(t, plotLayers(runningnorm.Summarize(scopedCtx), "/model", plotPath))
	info, err := os.Stat(plotPath)
	require.NoError(t, err)
	require.NotZero(t, info.Size())

	require.Error(t, plotLayers(nil, "/model", plotPath))
}

func TestLayerLabel(t *testing.T) {
	require.Equal(t, "encoder", layerLabel("/model/encoder/running_norm", "/model"))
	require.Equal(t, "encoder", layerLabel("/model/encoder/running_norm", "/model/"))
	require.Equal(t, "model/encoder", layerLabel("/model/encoder/running_norm", "/"))
	require.Equal(t, "running_norm", layerLabel("/model/running_norm", "/model"))
	require.Equal(t, "other/norm", layerLabel("/other/norm", "/model"))

	// Conditions of a ConditionedNorm get distinct labels.
	var labels []string
	for ii := range 3 {
		labels = append(labels, layerLabel(fmt.Sprintf("/model/speaker/running_norm/condition_%d", ii), "/model"))
	}
	require.Equal(t, []string{"speaker/condition_0", "speaker/condition_1", "speaker/condition_2"}, labels)
	require.Equal(t, "condition_1", layerLabel("/model/speaker/running_norm/condition_1", "/model/speaker/running_norm"))
}
