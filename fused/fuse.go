// Package fused holds the rewritten runtime representation of a quantized
// decoder stack: q/k/v merged into one projection, norms captured into the
// block, and a block/model pair that replaces the original backbone.
package fused

import (
	"fmt"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/moequant/moequant/nn"
)

// FuseQKV merges the three attention projections into a single projection
// whose output stacks q, k and v. All three must share the input dimension
// and the weight representation.
func FuseQKV(q, k, v nn.Layer) (nn.Layer, error) {
	if q.InFeatures() != k.InFeatures() || q.InFeatures() != v.InFeatures() {
		return nil, fmt.Errorf("projections disagree on input dim: %d/%d/%d",
			q.InFeatures(), k.InFeatures(), v.InFeatures())
	}

	switch q := q.(type) {
	case *nn.Linear:
		k, ok := k.(*nn.Linear)
		if !ok {
			return nil, fmt.Errorf("mixed projection types: %T and %T", q, k)
		}
		v, ok := v.(*nn.Linear)
		if !ok {
			return nil, fmt.Errorf("mixed projection types: %T and %T", q, v)
		}
		return fuseFloat(q, k, v)
	case *nn.QLinear:
		k, ok := k.(*nn.QLinear)
		if !ok {
			return nil, fmt.Errorf("mixed projection types: %T and %T", q, k)
		}
		v, ok := v.(*nn.QLinear)
		if !ok {
			return nil, fmt.Errorf("mixed projection types: %T and %T", q, v)
		}
		return fusePacked(q, k, v)
	default:
		return nil, fmt.Errorf("unknown projection type %T", q)
	}
}

func fuseFloat(q, k, v *nn.Linear) (*nn.Linear, error) {
	dense := func(l *nn.Linear) *tensor.Dense {
		return tensor.New(
			tensor.WithShape(l.Weight.Shape[0], l.Weight.Shape[1]),
			tensor.WithBacking(l.Weight.Data),
		)
	}

	out, err := tensor.Concat(0, dense(q), dense(k), dense(v))
	if err != nil {
		return nil, err
	}

	out = tensor.Materialize(out)
	if err := out.Reshape(out.Shape().TotalSize()); err != nil {
		return nil, err
	}

	data, err := native.VectorF32(out.(*tensor.Dense))
	if err != nil {
		return nil, err
	}

	rows := q.OutFeatures() + k.OutFeatures() + v.OutFeatures()
	return &nn.Linear{Weight: nn.NewTensor([]int{rows, q.InFeatures()}, data)}, nil
}

// fusePacked stacks packed rows directly; the per-row group layout makes
// output-dim concatenation a plain append.
func fusePacked(q, k, v *nn.QLinear) (*nn.QLinear, error) {
	if q.GroupSize != k.GroupSize || q.GroupSize != v.GroupSize {
		return nil, fmt.Errorf("projections disagree on group size: %d/%d/%d",
			q.GroupSize, k.GroupSize, v.GroupSize)
	}

	qweight := make([]uint32, 0, len(q.Qweight)+len(k.Qweight)+len(v.Qweight))
	qweight = append(qweight, q.Qweight...)
	qweight = append(qweight, k.Qweight...)
	qweight = append(qweight, v.Qweight...)

	scales := make([]float32, 0, len(q.Scales.Data)+len(k.Scales.Data)+len(v.Scales.Data))
	scales = append(scales, q.Scales.Data...)
	scales = append(scales, k.Scales.Data...)
	scales = append(scales, v.Scales.Data...)

	rows := q.Out + k.Out + v.Out
	return &nn.QLinear{
		Qweight:   qweight,
		Scales:    nn.NewTensor([]int{rows, q.In / q.GroupSize}, scales),
		GroupSize: q.GroupSize,
		In:        q.In,
		Out:       rows,
	}, nil
}
