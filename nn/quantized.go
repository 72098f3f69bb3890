package nn

import "fmt"

const (
	// QuantBits is the width of packed weights. Only 4 bit packing is
	// implemented; the value is recorded in checkpoints for forward
	// compatibility.
	QuantBits = 4

	// packFactor is the number of nibbles per packed uint32.
	packFactor = 32 / QuantBits
)

// QLinear is a linear layer with grouped symmetric int4 weights. Each row
// of Qweight packs 8 signed nibbles per uint32; Scales carries one f16
// dequantization scale per [out, in/groupSize] group.
type QLinear struct {
	Qweight   []uint32 // [out, in/8]
	Scales    *Tensor  // [out, in/groupSize]
	GroupSize int
	In, Out   int
}

func (m *QLinear) InFeatures() int {
	return m.In
}

func (m *QLinear) OutFeatures() int {
	return m.Out
}

func (m *QLinear) Forward(t *Tensor) *Tensor {
	tokens := t.Shape[0]
	y := Zeros(tokens, m.Out)

	row := make([]float32, m.In)
	for o := 0; o < m.Out; o++ {
		m.DequantRow(o, row)
		for tok := 0; tok < tokens; tok++ {
			xr := t.Row(tok)
			var sum float32
			for i := range row {
				sum += row[i] * xr[i]
			}
			y.Row(tok)[o] = sum
		}
	}

	return y
}

// DequantRow expands output channel o into dst, which must hold In values.
func (m *QLinear) DequantRow(o int, dst []float32) {
	words := m.In / packFactor
	scales := m.Scales.Row(o)
	for w := 0; w < words; w++ {
		packed := m.Qweight[o*words+w]
		for n := 0; n < packFactor; n++ {
			j := w*packFactor + n
			q := int32(packed>>(uint(n)*QuantBits)&0xf) - 8
			dst[j] = float32(q) * scales[j/m.GroupSize]
		}
	}
}

// Quantize converts a float linear to grouped symmetric int4. The group
// size must divide the input dimension.
func Quantize(m *Linear, groupSize int) (*QLinear, error) {
	out, in := m.Weight.Shape[0], m.Weight.Shape[1]
	if in%groupSize != 0 {
		return nil, fmt.Errorf("group size %d does not divide input dim %d", groupSize, in)
	}

	if in%packFactor != 0 {
		return nil, fmt.Errorf("input dim %d is not packable", in)
	}

	q := &QLinear{
		Qweight:   make([]uint32, out*in/packFactor),
		Scales:    Zeros(out, in/groupSize),
		GroupSize: groupSize,
		In:        in,
		Out:       out,
	}

	words := in / packFactor
	for o := 0; o < out; o++ {
		row := m.Weight.Data[o*in : (o+1)*in]
		scales := q.Scales.Row(o)
		for g := 0; g < in/groupSize; g++ {
			group := row[g*groupSize : (g+1)*groupSize]
			var max float32
			for _, v := range group {
				if v < 0 {
					v = -v
				}
				if v > max {
					max = v
				}
			}

			scale := max / 7
			if scale == 0 {
				scale = 1
			}
			scales[g] = scale
		}

		for w := 0; w < words; w++ {
			var packed uint32
			for n := 0; n < packFactor; n++ {
				j := w*packFactor + n
				qv := int32(roundHalfAway(row[j] / scales[j/groupSize]))
				if qv > 7 {
					qv = 7
				} else if qv < -8 {
					qv = -8
				}
				packed |= uint32(qv+8) << (uint(n) * QuantBits)
			}
			q.Qweight[o*words+w] = packed
		}
	}

	return q, nil
}

func roundHalfAway(v float32) float32 {
	if v < 0 {
		return float32(int32(v - 0.5))
	}

	return float32(int32(v + 0.5))
}
