package nn

type Embedding struct {
	Weight *Tensor // [vocab, hidden]
}

// Forward gathers embedding rows for the given token ids.
func (m *Embedding) Forward(ids []int) *Tensor {
	hidden := m.Weight.Shape[1]
	t := Zeros(len(ids), hidden)
	for i, id := range ids {
		copy(t.Row(i), m.Weight.Row(id))
	}

	return t
}
