// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"

	"github.com/gomlx/audionorm/ml/layers/runningnorm"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// plotLayers saves a plot of the running mean and standard deviation per position of each of the
// layers, labeled by their scope relative to baseScope. The format is taken from the file
// extension (e.g.: ".png", ".svg").
func plotLayers(summaries []runningnorm.Summary, baseScope, filePath string) error {
	if len(summaries) == 0 {
		return errors.New("no running normalization layers to plot")
	}
	p := plot.New()
	p.Title.Text = "Running statistics per position"
	p.X.Label.Text = "position"
	p.Y.Label.Text = "value"

	var lines []any
	for _, s := range summaries {
		name := layerLabel(s.Scope, baseScope)
		lines = append(lines, name+" mean", positionXYs(s.Means))
		if s.StdDevs != nil {
			lines = append(lines, name+" stddev", positionXYs(s.StdDevs))
		}
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrap(err, "failed to plot running statistics")
	}
	return errors.Wrapf(p.Save(12*vg.Inch, 6*vg.Inch, filePath), "failed to save plot to %q", filePath)
}

// layerLabel returns scope relative to baseScope, without the default normalizer sub-scope.
// Scopes outside baseScope keep their full path.
func layerLabel(scope, baseScope string) string {
	label := scope
	if base := strings.TrimSuffix(baseScope, "/"); base != "" && strings.HasPrefix(scope, base+"/") {
		label = strings.TrimPrefix(scope, base+"/")
	}
	label = strings.TrimSuffix(label, "/"+runningnorm.DefaultScope)
	label = strings.Replace(label, "/"+runningnorm.DefaultScope+"/", "/", 1)
	if label = strings.TrimPrefix(label, "/"); label == "" {
		return scope
	}
	return label
}

func positionXYs(values []float64) plotter.XYs {
	xys := make(plotter.XYs, len(values))
	for ii, v := range values {
		xys[ii].X = float64(ii)
		xys[ii].Y = v
	}
	return xys
}
