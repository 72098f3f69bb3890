package fused

import (
	"math"

	"github.com/moequant/moequant/nn"
)

// RMSNorm is the fused inference norm: weight and epsilon are captured at
// fuse time and applied in a single pass.
type RMSNorm struct {
	weight []float32
	eps    float32
}

func NewRMSNorm(weight *nn.Tensor, eps float32) *RMSNorm {
	return &RMSNorm{weight: weight.Data, eps: eps}
}

func (m *RMSNorm) Forward(t *nn.Tensor) *nn.Tensor {
	y := nn.Zeros(t.Shape...)
	for r := 0; r < t.Shape[0]; r++ {
		row, out := t.Row(r), y.Row(r)

		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}

		inv := float32(1 / math.Sqrt(ss/float64(len(row))+float64(m.eps)))
		for i, v := range row {
			out[i] = v * inv * m.weight[i]
		}
	}

	return y
}
