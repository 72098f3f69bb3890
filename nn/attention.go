package nn

import "math"

// Attention computes causal scaled dot-product attention over projected
// q [tokens, heads*headDim] and k, v [tokens, kvHeads*headDim]. Query heads
// are grouped onto kv heads when kvHeads < heads.
func Attention(q, k, v *Tensor, heads, kvHeads, headDim int) *Tensor {
	tokens := q.Shape[0]
	group := heads / kvHeads
	scale := float32(1 / math.Sqrt(float64(headDim)))

	out := Zeros(tokens, heads*headDim)
	scores := make([]float32, tokens)
	for h := 0; h < heads; h++ {
		kh := h / group
		for t := 0; t < tokens; t++ {
			qh := q.Row(t)[h*headDim : (h+1)*headDim]

			scores := scores[:t+1]
			for t2 := range scores {
				kr := k.Row(t2)[kh*headDim : (kh+1)*headDim]
				var sum float32
				for i := range qh {
					sum += qh[i] * kr[i]
				}
				scores[t2] = sum * scale
			}
			softmax(scores)

			oh := out.Row(t)[h*headDim : (h+1)*headDim]
			for t2, w := range scores {
				vr := v.Row(t2)[kh*headDim : (kh+1)*headDim]
				for i := range oh {
					oh[i] += w * vr[i]
				}
			}
		}
	}

	return out
}
