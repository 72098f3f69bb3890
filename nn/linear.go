package nn

// Layer is a projection that maps [tokens, in] to [tokens, out]. Both the
// float and the packed int4 linears implement it so model code stays
// agnostic to whether a checkpoint is quantized.
type Layer interface {
	Forward(t *Tensor) *Tensor
	InFeatures() int
	OutFeatures() int
}

type Linear struct {
	Weight *Tensor // [out, in]
}

func (m *Linear) Forward(t *Tensor) *Tensor {
	return Matmul(t, m.Weight)
}

func (m *Linear) InFeatures() int {
	return m.Weight.Shape[1]
}

func (m *Linear) OutFeatures() int {
	return m.Weight.Shape[0]
}

// ScaleColumns multiplies input channel j of the weight by s[j].
func (m *Linear) ScaleColumns(s []float32) {
	out, in := m.Weight.Shape[0], m.Weight.Shape[1]
	for o := 0; o < out; o++ {
		row := m.Weight.Data[o*in : (o+1)*in]
		for j := range row {
			row[j] *= s[j]
		}
	}
}

// FoldScale divides output channel j of the weight by s[j], absorbing the
// inverse of a scale applied to the columns of a following projection.
func (m *Linear) FoldScale(s []float32) {
	out, in := m.Weight.Shape[0], m.Weight.Shape[1]
	for o := 0; o < out; o++ {
		row := m.Weight.Data[o*in : (o+1)*in]
		for j := range row {
			row[j] /= s[o]
		}
	}
}
