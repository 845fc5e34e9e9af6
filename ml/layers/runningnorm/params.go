// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runningnorm

import (
	"github.com/gomlx/gomlx/ml/context"
)

var (
	// ParamMomentum is the context hyperparameter with the default momentum of the running
	// statistics. 0 selects the adaptive count-weighted momentum. The default is 0.95.
	ParamMomentum = "running_norm_momentum"

	// ParamEpsilon is the context hyperparameter with the default epsilon. The default is 1e-5.
	ParamEpsilon = "running_norm_epsilon"

	// ParamScale is the context hyperparameter that defines whether to normalize by the standard
	// deviation. The default is true.
	ParamScale = "running_norm_scale"

	// ParamFreezeAfter is the context hyperparameter with the number of tracked values after which
	// running statistics are frozen. The default is 0, never freeze.
	ParamFreezeAfter = "running_norm_freeze_after"
)

// ConfigFromContext returns DefaultConfig(layout, shape...) with the values of the
// hyperparameters ParamMomentum, ParamEpsilon, ParamScale and ParamFreezeAfter set in ctx
// (or any of its parent scopes).
func ConfigFromContext(ctx *context.Context, layout string, shape ...int) Config {
	cfg := DefaultConfig(layout, shape...)
	cfg.Momentum = context.GetParamOr(ctx, ParamMomentum, cfg.Momentum)
	cfg.Epsilon = context.GetParamOr(ctx, ParamEpsilon, cfg.Epsilon)
	cfg.Scale = context.GetParamOr(ctx, ParamScale, cfg.Scale)
	cfg.FreezeAfter = context.GetParamOr(ctx, ParamFreezeAfter, cfg.FreezeAfter)
	return cfg
}
