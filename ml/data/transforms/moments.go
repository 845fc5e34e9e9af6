// Copyright 2023-2025 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transforms

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// MomentsEpsilon is added to the scale before dividing by it in MomentsNormalizer.Normalize.
const MomentsEpsilon = 1e-18

// MomentsNormalizer normalizes an input with a dataset-wide (fixed) mean and scale, as opposed
// to the running statistics tracked during training by runningnorm.Norm.
//
// The moments are computed with one pass over a dataset (see Initialize), and can be stored to
// and restored from a JSON file.
type MomentsNormalizer struct {
	// Key names the normalized input, and the file where the moments are stored.
	Key string

	// Name is an optional suffix of the storage file, to distinguish different normalizers of the
	// same input.
	Name string

	// StorageDir, if set, is where the moments are stored. A "~" prefix is replaced by the
	// user's home directory.
	StorageDir string

	// InputIndex is the index of the normalized tensor in the inputs yielded by the dataset.
	InputIndex int

	// CenterAxes over which the mean is taken. If nil the mean is 0.
	CenterAxes []int

	// ScaleAxes over which the scale is taken. If nil the scale is 1.
	ScaleAxes []int

	mean, scale *tensors.Tensor
}

// storedTensor is the JSON representation of a tensor of moments.
type storedTensor struct {
	Dims   []int     `json:"dims"`
	Values []float64 `json:"values"`
}

type storedMoments struct {
	Mean  storedTensor `json:"mean"`
	Scale storedTensor `json:"scale"`
}

// Path of the file storing the moments, or "" if StorageDir is not set.
func (n *MomentsNormalizer) Path() string {
	if n.StorageDir == "" {
		return ""
	}
	name := n.Key + "_moments"
	if n.Name != "" {
		name = fmt.Sprintf("%s_%s", name, n.Name)
	}
	return path.Join(data.ReplaceTildeInDir(n.StorageDir), name+".json")
}

// Moments returns the mean and scale, both Float64. They are nil before Initialize is called.
func (n *MomentsNormalizer) Moments() (mean, scale *tensors.Tensor) {
	return n.mean, n.scale
}

// Initialize the moments: they are restored from Path if it exists, otherwise they are
// computed from one pass over ds and saved to Path (if StorageDir is set).
//
// If verbose is set, a progress bar is displayed while reading the dataset.
func (n *MomentsNormalizer) Initialize(backend backends.Backend, ds train.Dataset, verbose bool) error {
	filePath := n.Path()
	if filePath != "" && data.FileExists(filePath) {
		if err := n.load(filePath); err != nil {
			return err
		}
		klog.V(1).Infof("Restored moments of %q from %q", n.Key, filePath)
		return nil
	}
	if ds == nil {
		return errors.Errorf("MomentsNormalizer(%q): no dataset given, and no stored moments found", n.Key)
	}
	if err := n.compute(backend, ds, verbose); err != nil {
		return err
	}
	if filePath != "" {
		if err := n.save(filePath); err != nil {
			return err
		}
		klog.V(1).Infof("Saved moments of %q to %q", n.Key, filePath)
	}
	return nil
}

// reducedCount returns the number of values reduced into each sum over axes.
func reducedCount(shape shapes.Shape, axes []int) int {
	count := 1
	for _, axis := range axes {
		count *= shape.Dimensions[axis]
	}
	return count
}

func (n *MomentsNormalizer) compute(backend backends.Backend, ds train.Dataset, verbose bool) error {
	if n.CenterAxes == nil && n.ScaleAxes == nil {
		n.mean = tensors.FromValue(0.0)
		n.scale = tensors.FromValue(1.0)
		return nil
	}

	// Unchecked: examples of different lengths build a new graph that reuses the sums.
	ctx := context.New().In("moments").Checked(false).WithInitializer(initializers.Zero)
	var centerSum, energySum *context.Variable
	accumulate := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		g := x.Graph()
		x = ConvertDType(x, dtypes.Float64)
		var updated []*Node
		if n.CenterAxes != nil {
			sum := ReduceAndKeep(x, ReduceSum, n.CenterAxes...)
			centerSum = ctx.VariableWithShape("center_sum", sum.Shape())
			sum = Add(centerSum.ValueGraph(g), sum)
			centerSum.SetValueGraph(sum)
			updated = append(updated, sum)
		}
		if n.ScaleAxes != nil {
			sum := ReduceAndKeep(Square(x), ReduceSum, n.ScaleAxes...)
			energySum = ctx.VariableWithShape("energy_sum", sum.Shape())
			sum = Add(energySum.ValueGraph(g), sum)
			energySum.SetValueGraph(sum)
			updated = append(updated, sum)
		}
		return updated
	})

	var bar *progressbar.ProgressBar
	if verbose {
		bar = progressbar.Default(-1, fmt.Sprintf("moments of %q", n.Key))
	}
	var centerCount, energyCount int
	for batchNum := 0; ; batchNum++ {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "while reading batch #%d of the dataset", batchNum)
		}
		if n.InputIndex >= len(inputs) {
			return errors.Errorf("asked for InputIndex=%d, but inputs has only %d elements", n.InputIndex, len(inputs))
		}
		x := inputs[n.InputIndex]
		if !x.DType().IsFloat() {
			return errors.Errorf("dataset input %d has invalid dtype (shape=%s), only float values can be normalized",
				n.InputIndex, x.Shape())
		}
		err = exceptions.TryCatch[error](func() { accumulate.Call(x) })
		if err != nil {
			return errors.WithMessagef(err, "while processing batch #%d of the dataset", batchNum)
		}
		centerCount += reducedCount(x.Shape(), n.CenterAxes)
		energyCount += reducedCount(x.Shape(), n.ScaleAxes)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if (n.CenterAxes != nil && centerCount == 0) || (n.ScaleAxes != nil && energyCount == 0) {
		return errors.Errorf("MomentsNormalizer(%q): dataset yielded no values", n.Key)
	}

	err := exceptions.TryCatch[error](func() {
		results := context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			mean := ScalarZero(g, dtypes.Float64)
			if centerSum != nil {
				mean = DivScalar(centerSum.ValueGraph(g), float64(centerCount))
			}
			scale := ScalarOne(g, dtypes.Float64)
			if energySum != nil {
				energy := DivScalar(energySum.ValueGraph(g), float64(energyCount))
				scale = Sqrt(ReduceAndKeep(Sub(energy, Square(mean)), ReduceMean, n.ScaleAxes...))
			}
			return []*Node{mean, scale}
		})
		n.mean, n.scale = results[0], results[1]
	})
	return errors.WithMessagef(err, "MomentsNormalizer(%q): failed to compute moments", n.Key)
}

// Normalize returns (x - mean) / (scale + MomentsEpsilon), in the dtype of x.
func (n *MomentsNormalizer) Normalize(x *Node) *Node {
	if n.mean == nil {
		exceptions.Panicf("MomentsNormalizer(%q).Normalize called before Initialize", n.Key)
	}
	g := x.Graph()
	mean := ConvertDType(Const(g, n.mean), x.DType())
	scale := ConvertDType(Const(g, n.scale), x.DType())
	return Div(Sub(x, mean), AddScalar(scale, MomentsEpsilon))
}

func toStored(t *tensors.Tensor) storedTensor {
	return storedTensor{Dims: t.Shape().Dimensions, Values: tensors.CopyFlatData[float64](t)}
}

func fromStored(st storedTensor) (*tensors.Tensor, error) {
	if size := shapes.Make(dtypes.Float64, st.Dims...).Size(); size != len(st.Values) {
		return nil, errors.Errorf("stored moments with dimensions %v have %d values, wanted %d",
			st.Dims, len(st.Values), size)
	}
	return tensors.FromFlatDataAndDimensions(st.Values, st.Dims...), nil
}

func (n *MomentsNormalizer) save(filePath string) error {
	contents, err := json.MarshalIndent(storedMoments{Mean: toStored(n.mean), Scale: toStored(n.scale)}, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize moments of %q", n.Key)
	}
	return errors.Wrapf(os.WriteFile(filePath, contents, 0644), "failed to save moments to %q", filePath)
}

func (n *MomentsNormalizer) load(filePath string) error {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read moments from %q", filePath)
	}
	var stored storedMoments
	if err = json.Unmarshal(contents, &stored); err != nil {
		return errors.Wrapf(err, "failed to parse moments in %q", filePath)
	}
	if n.mean, err = fromStored(stored.Mean); err != nil {
		return errors.WithMessagef(err, "in %q", filePath)
	}
	if n.scale, err = fromStored(stored.Scale); err != nil {
		return errors.WithMessagef(err, "in %q", filePath)
	}
	return nil
}
