package awq

import (
	"math"
	"math/rand"
	"testing"

	"github.com/moequant/moequant/model/mixtral"
	"github.com/moequant/moequant/nn"
)

func randScales(rng *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.5 + rng.Float32()*2
	}

	return s
}

func TestApplyScaleNormInvariance(t *testing.T) {
	const dim, out, tokens = 16, 8, 4

	rng := rand.New(rand.NewSource(0))
	norm := &nn.RMSNorm{Weight: randTensor(rng, dim), Eps: 1e-5}
	lin := &nn.Linear{Weight: randTensor(rng, out, dim)}

	x := randTensor(rng, tokens, dim)
	want := lin.Forward(norm.Forward(x))

	g := Group{PrevOp: norm, Layers: []*nn.Linear{lin}, Inspect: "test"}
	if err := applyScale(g, randScales(rng, dim)); err != nil {
		t.Fatal(err)
	}

	got := lin.Forward(norm.Forward(x))
	for i := range got.Data {
		if diff := math.Abs(float64(got.Data[i] - want.Data[i])); diff > 1e-5 {
			t.Fatalf("output %d moved by %f", i, diff)
		}
	}
}

func TestApplyScaleMoEInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	layer := newTestLayer(rng, 2)
	moe := layer.MoE

	opts := &mixtral.Options{
		HiddenSize:         testHidden,
		NumHeads:           testHeads,
		NumKVHeads:         2,
		NumExperts:         testExperts,
		NumExpertsPerToken: 2,
		MaxSeqLen:          testMaxSeq,
		Eps:                1e-5,
		RopeTheta:          10000,
	}

	x := randTensor(rng, 4, testHidden)
	want := moe.Forward(x.Clone(), opts, nil)

	var layers []*nn.Linear
	for _, expert := range moe.Experts {
		layers = append(layers, expert.W1.(*nn.Linear), expert.W3.(*nn.Linear))
	}

	g := Group{PrevOp: moe, Layers: layers, Inspect: "block_sparse_moe"}
	if err := applyScale(g, randScales(rng, testHidden)); err != nil {
		t.Fatal(err)
	}

	// The inverse scales land on the block as per-expert input scales, so
	// routing and expert outputs are unchanged.
	got := moe.Forward(x.Clone(), opts, nil)
	for i := range got.Data {
		if diff := math.Abs(float64(got.Data[i] - want.Data[i])); diff > 1e-5 {
			t.Fatalf("output %d moved by %f", i, diff)
		}
	}
}

func TestApplyScaleLengthMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	lin := &nn.Linear{Weight: randTensor(rng, 8, 16)}
	norm := &nn.RMSNorm{Weight: randTensor(rng, 16), Eps: 1e-5}

	g := Group{PrevOp: norm, Layers: []*nn.Linear{lin}, Inspect: "test"}
	if err := applyScale(g, make([]float32, 8)); err == nil {
		t.Fatal("expected error")
	}
}

func TestSearchScales(t *testing.T) {
	const dim, out = 16, 8

	rng := rand.New(rand.NewSource(3))
	norm := &nn.RMSNorm{Weight: randTensor(rng, dim), Eps: 1e-5}
	lin := &nn.Linear{Weight: randTensor(rng, out, dim)}

	xmean := make([]float32, dim)
	for i := range xmean {
		xmean[i] = rng.Float32()
	}

	cfg := DefaultConfig()
	cfg.GroupSize = 8

	g := Group{PrevOp: norm, Layers: []*nn.Linear{lin}, Inspect: "test"}
	s := searchScales(g, xmean, cfg)
	if s == nil {
		t.Fatal("no scales found")
	}

	if got, want := len(s), dim; got != want {
		t.Fatalf("got %d scales, want %d", got, want)
	}
	for i, v := range s {
		if v <= 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("scale %d is %f", i, v)
		}
	}
}

func TestSearchScalesDimMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	lin := &nn.Linear{Weight: randTensor(rng, 8, 16)}
	norm := &nn.RMSNorm{Weight: randTensor(rng, 16), Eps: 1e-5}

	g := Group{PrevOp: norm, Layers: []*nn.Linear{lin}}
	if s := searchScales(g, make([]float32, 8), DefaultConfig()); s != nil {
		t.Fatalf("expected nil scales, got %v", s)
	}
}

func TestNormalize(t *testing.T) {
	s := []float32{1, 4}
	normalize(s)

	if math.Abs(float64(s[0])-0.5) > 1e-6 || math.Abs(float64(s[1])-2) > 1e-6 {
		t.Fatalf("got %v, want [0.5 2]", s)
	}
}
