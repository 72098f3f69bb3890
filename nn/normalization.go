package nn

import "math"

type RMSNorm struct {
	Weight *Tensor
	Eps    float32
}

func (m *RMSNorm) Forward(t *Tensor) *Tensor {
	y := Zeros(t.Shape...)
	for r := 0; r < t.Shape[0]; r++ {
		row, out := t.Row(r), y.Row(r)

		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}

		inv := float32(1 / math.Sqrt(ss/float64(len(row))+float64(m.Eps)))
		for i, v := range row {
			out[i] = v * inv * m.Weight.Data[i]
		}
	}

	return y
}

// FoldScale divides the norm weight by s, absorbing the inverse of a scale
// applied to the columns of the projections this norm feeds.
func (m *RMSNorm) FoldScale(s []float32) {
	for i := range m.Weight.Data {
		m.Weight.Data[i] /= s[i]
	}
}
