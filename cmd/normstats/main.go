// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// normstats inspects the running normalization statistics stored in a GoMLX checkpoint.
//
// Usage:
//
//	normstats [-scope /model] [-summary] [-layers] [-params] [-plot file.png] <checkpoint_dir>
//
// If no report is selected, -layers is assumed.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/audionorm/ml/layers/runningnorm"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/model", "The scope of the checkpoint to inspect. "+
		"Only normalizers and variables under this scope are reported.")
	flagSummary = flag.Bool("summary", false, "Display a summary of the model sizes (for variables"+
		" under -scope) and the global step.")
	flagLayers = flag.Bool("layers", false, "Lists the running normalization layers under -scope, "+
		"with their running statistics. Layers that never tracked any value are highlighted.")
	flagParams = flag.Bool("params", false, "Lists the hyperparameters.")
	flagPlot   = flag.String("plot", "", "If set, saves a plot of the running mean and standard deviation "+
		"per position of each layer under -scope to the given file (.png, .svg or .pdf).")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'normstats -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'normstats -help'.")
		os.Exit(1)
	}
	if !*flagSummary && !*flagParams && *flagPlot == "" {
		*flagLayers = true
	}
	reportCheckpoint(args[0])
}

// loadCheckpoint returns a context with all the variables and hyperparameters of the checkpoint,
// and the same context scoped to scope.
func loadCheckpoint(checkpointPath, scope string) (ctx, scopedCtx *context.Context, err error) {
	ctx = context.New()
	_, err = checkpoints.Build(ctx).Dir(checkpointPath).Immediate().Done()
	if err != nil {
		return nil, nil, err
	}
	scopedCtx = ctx
	if scope != "" && scope != context.RootScope {
		scopedCtx = ctx.InAbsPath(scope)
	}
	return
}

func reportCheckpoint(checkpointPath string) {
	ctx, scopedCtx := must.M2(loadCheckpoint(checkpointPath, *flagScope))
	if *flagSummary {
		fmt.Println(Summary(ctx, scopedCtx, checkpointPath).Render())
	}
	if *flagLayers {
		layers := Layers(scopedCtx)
		if layers.NumRows() == 0 {
			klog.Errorf("No running normalization layers found under scope %q", *flagScope)
		} else {
			fmt.Println(layers.Render())
			if untracked := layers.NumWarnings(); untracked > 0 {
				klog.Warningf("%d of %d layers never tracked any value", untracked, layers.NumRows())
			}
		}
	}
	if *flagParams {
		fmt.Println(Params(ctx).Render())
	}
	if *flagPlot != "" {
		must.M(plotLayers(runningnorm.Summarize(scopedCtx), *flagScope, *flagPlot))
		klog.Infof("Saved plot to %q", *flagPlot)
	}
}
