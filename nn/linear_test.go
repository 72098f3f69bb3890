package nn

import (
	"math"
	"math/rand"
	"testing"
)

// Scaling a projection's input columns while folding the inverse into the
// preceding op must leave the composed output unchanged.
func TestScaleColumnsFoldScaleNorm(t *testing.T) {
	const dim, out, tokens = 16, 8, 4

	rng := rand.New(rand.NewSource(0))
	norm := &RMSNorm{Weight: randTensor(rng, dim), Eps: 1e-5}
	lin := &Linear{Weight: randTensor(rng, out, dim)}

	x := randTensor(rng, tokens, dim)
	want := lin.Forward(norm.Forward(x))

	s := make([]float32, dim)
	for i := range s {
		s[i] = 0.5 + rng.Float32()*2
	}

	lin.ScaleColumns(s)
	norm.FoldScale(s)

	got := lin.Forward(norm.Forward(x))
	for i := range got.Data {
		if diff := math.Abs(float64(got.Data[i] - want.Data[i])); diff > 1e-5 {
			t.Fatalf("output %d moved by %f", i, diff)
		}
	}
}

func TestScaleColumnsFoldScaleLinear(t *testing.T) {
	const dim, mid, out, tokens = 16, 12, 8, 4

	rng := rand.New(rand.NewSource(1))
	prev := &Linear{Weight: randTensor(rng, mid, dim)}
	next := &Linear{Weight: randTensor(rng, out, mid)}

	x := randTensor(rng, tokens, dim)
	want := next.Forward(prev.Forward(x))

	s := make([]float32, mid)
	for i := range s {
		s[i] = 0.5 + rng.Float32()*2
	}

	next.ScaleColumns(s)
	prev.FoldScale(s)

	got := next.Forward(prev.Forward(x))
	for i := range got.Data {
		if diff := math.Abs(float64(got.Data[i] - want.Data[i])); diff > 1e-5 {
			t.Fatalf("output %d moved by %f", i, diff)
		}
	}
}
