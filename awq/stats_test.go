package awq

import (
	"math"
	"testing"

	"github.com/moequant/moequant/nn"
)

func TestStatsMean(t *testing.T) {
	s := NewStats()

	s.Observe("x", nn.NewTensor([]int{2, 3}, []float32{1, -2, 3, -4, 5, -6}))
	s.Observe("x", nn.NewTensor([]int{1, 3}, []float32{-1, 2, -3}))

	mean, err := s.Mean("x")
	if err != nil {
		t.Fatal(err)
	}

	want := []float32{2, 3, 4}
	for i, v := range mean {
		if math.Abs(float64(v-want[i])) > 1e-6 {
			t.Fatalf("got %v, want %v", mean, want)
		}
	}
}

func TestStatsUnknownKey(t *testing.T) {
	s := NewStats()
	if _, err := s.Mean("never"); err == nil {
		t.Fatal("expected error")
	}
}
