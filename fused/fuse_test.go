package fused

import (
	"math"
	"math/rand"
	"testing"

	"github.com/moequant/moequant/nn"
)

func randTensor(rng *rand.Rand, shape ...int) *nn.Tensor {
	t := nn.Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * 0.1
	}

	return t
}

func TestFuseQKVFloat(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	q := &nn.Linear{Weight: randTensor(rng, 8, 16)}
	k := &nn.Linear{Weight: randTensor(rng, 4, 16)}
	v := &nn.Linear{Weight: randTensor(rng, 4, 16)}

	qkv, err := FuseQKV(q, k, v)
	if err != nil {
		t.Fatal(err)
	}

	if got, want := qkv.OutFeatures(), 16; got != want {
		t.Fatalf("got %d output features, want %d", got, want)
	}

	x := randTensor(rng, 3, 16)
	got := qkv.Forward(x)

	want := []*nn.Tensor{q.Forward(x), k.Forward(x), v.Forward(x)}
	for tok := 0; tok < 3; tok++ {
		row := got.Row(tok)
		var off int
		for _, w := range want {
			wr := w.Row(tok)
			for i, v := range wr {
				if row[off+i] != v {
					t.Fatalf("token %d column %d differs", tok, off+i)
				}
			}
			off += len(wr)
		}
	}
}

func TestFuseQKVPacked(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	quantize := func(out, in int) *nn.QLinear {
		q, err := nn.Quantize(&nn.Linear{Weight: randTensor(rng, out, in)}, 8)
		if err != nil {
			t.Fatal(err)
		}
		return q
	}

	q := quantize(8, 16)
	k := quantize(4, 16)
	v := quantize(4, 16)

	merged, err := FuseQKV(q, k, v)
	if err != nil {
		t.Fatal(err)
	}

	packed, ok := merged.(*nn.QLinear)
	if !ok {
		t.Fatalf("got %T, want *nn.QLinear", merged)
	}
	if got, want := packed.Out, 16; got != want {
		t.Fatalf("got %d output features, want %d", got, want)
	}
	if got, want := packed.GroupSize, 8; got != want {
		t.Fatalf("got group size %d, want %d", got, want)
	}

	x := randTensor(rng, 3, 16)
	got := merged.Forward(x)

	parts := []*nn.Tensor{q.Forward(x), k.Forward(x), v.Forward(x)}
	for tok := 0; tok < 3; tok++ {
		row := got.Row(tok)
		var off int
		for _, w := range parts {
			wr := w.Row(tok)
			for i, v := range wr {
				if math.Abs(float64(row[off+i]-v)) > 1e-6 {
					t.Fatalf("token %d column %d differs", tok, off+i)
				}
			}
			off += len(wr)
		}
	}
}

func TestFuseQKVMixedTypes(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	q := &nn.Linear{Weight: randTensor(rng, 8, 16)}
	v := &nn.Linear{Weight: randTensor(rng, 4, 16)}

	k, err := nn.Quantize(&nn.Linear{Weight: randTensor(rng, 4, 16)}, 8)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := FuseQKV(q, k, v); err == nil {
		t.Fatal("expected error")
	}
}

func TestFuseQKVInputDimMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	q := &nn.Linear{Weight: randTensor(rng, 8, 16)}
	k := &nn.Linear{Weight: randTensor(rng, 4, 8)}
	v := &nn.Linear{Weight: randTensor(rng, 4, 16)}

	if _, err := FuseQKV(q, k, v); err == nil {
		t.Fatal("expected error")
	}
}

func TestFusePackedGroupSizeMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(4))

	quantize := func(out, in, groupSize int) *nn.QLinear {
		q, err := nn.Quantize(&nn.Linear{Weight: randTensor(rng, out, in)}, groupSize)
		if err != nil {
			t.Fatal(err)
		}
		return q
	}

	q := quantize(8, 16, 8)
	k := quantize(4, 16, 16)
	v := quantize(4, 16, 8)

	if _, err := FuseQKV(q, k, v); err == nil {
		t.Fatal("expected error")
	}
}

func TestModelRejectsBadTokens(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m := NewModel(8, nil, &nn.Embedding{Weight: randTensor(rng, 8, 4)}, &nn.RMSNorm{Weight: randTensor(rng, 4), Eps: 1e-5})

	if _, err := m.Forward([]int{8}, nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := m.Forward([]int{-1}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestRMSNormMatches(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	weight := randTensor(rng, 16)

	ref := &nn.RMSNorm{Weight: weight, Eps: 1e-5}
	norm := NewRMSNorm(weight, 1e-5)

	x := randTensor(rng, 3, 16)
	want := ref.Forward(x)
	got := norm.Forward(x)

	for i := range got.Data {
		if got.Data[i] != want.Data[i] {
			t.Fatalf("element %d differs: %f != %f", i, got.Data[i], want.Data[i])
		}
	}
}
