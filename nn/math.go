package nn

import "math"

// Matmul computes x @ w^T for activations x [tokens, in] and a weight
// matrix w [out, in], returning [tokens, out].
func Matmul(x, w *Tensor) *Tensor {
	tokens, in := x.Shape[0], x.Shape[1]
	out := w.Shape[0]

	y := Zeros(tokens, out)
	for t := 0; t < tokens; t++ {
		xr := x.Row(t)
		yr := y.Row(t)
		for o := 0; o < out; o++ {
			wr := w.Data[o*in : (o+1)*in]
			var sum float32
			for i := range xr {
				sum += xr[i] * wr[i]
			}
			yr[o] = sum
		}
	}

	return y
}

// Softmax normalizes each row of a 2D tensor in place.
func Softmax(t *Tensor) {
	for r := 0; r < t.Shape[0]; r++ {
		softmax(t.Row(r))
	}
}

func softmax(row []float32) {
	max := row[0]
	for _, v := range row[1:] {
		if v > max {
			max = v
		}
	}

	var sum float32
	for i, v := range row {
		row[i] = float32(math.Exp(float64(v - max)))
		sum += row[i]
	}

	for i := range row {
		row[i] /= sum
	}
}

// SILU applies x*sigmoid(x) in place.
func SILU(t *Tensor) {
	for i, v := range t.Data {
		t.Data[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
}

func Add(a, b *Tensor) {
	for i := range a.Data {
		a.Data[i] += b.Data[i]
	}
}

func Mul(a, b *Tensor) {
	for i := range a.Data {
		a.Data[i] *= b.Data[i]
	}
}

// RoPE applies rotary position embeddings in place to q or k laid out
// [tokens, heads*headDim], rotating the (i, i+headDim/2) pairs of each head.
func RoPE(t *Tensor, positions []int, heads, headDim int, base float32) {
	half := headDim / 2
	for tok := 0; tok < t.Shape[0]; tok++ {
		row := t.Row(tok)
		pos := float64(positions[tok])
		for h := 0; h < heads; h++ {
			hd := row[h*headDim : (h+1)*headDim]
			for i := 0; i < half; i++ {
				theta := pos * math.Pow(float64(base), -2*float64(i)/float64(headDim))
				sin, cos := math.Sincos(theta)
				a, b := hd[i], hd[i+half]
				hd[i] = a*float32(cos) - b*float32(sin)
				hd[i+half] = a*float32(sin) + b*float32(cos)
			}
		}
	}
}
