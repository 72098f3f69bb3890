package nn

import "fmt"

// Tensor is a dense float32 tensor in row-major order. Weight matrices are
// stored [outFeatures, inFeatures]; activations are stored [tokens, features].
type Tensor struct {
	Shape []int
	Data  []float32
}

func NewTensor(shape []int, data []float32) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("tensor: %d elements for shape %v", len(data), shape))
	}

	return &Tensor{Shape: shape, Data: data}
}

func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: shape, Data: make([]float32, numel(shape))}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}

func (t *Tensor) Numel() int {
	return numel(t.Shape)
}

// Row returns a view over row i of a 2D tensor.
func (t *Tensor) Row(i int) []float32 {
	cols := t.Shape[len(t.Shape)-1]
	return t.Data[i*cols : (i+1)*cols]
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{Shape: shape, Data: data}
}
