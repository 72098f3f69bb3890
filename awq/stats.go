package awq

import (
	"fmt"

	"github.com/moequant/moequant/nn"
)

// Stats accumulates per-channel mean absolute activations observed during
// calibration forward passes. It implements nn.Trace.
type Stats struct {
	sums   map[string][]float32
	counts map[string]int
}

func NewStats() *Stats {
	return &Stats{
		sums:   make(map[string][]float32),
		counts: make(map[string]int),
	}
}

func (s *Stats) Observe(name string, t *nn.Tensor) {
	cols := t.Shape[len(t.Shape)-1]
	sum, ok := s.sums[name]
	if !ok {
		sum = make([]float32, cols)
		s.sums[name] = sum
	}

	for r := 0; r < t.Numel()/cols; r++ {
		row := t.Row(r)
		for i, v := range row {
			if v < 0 {
				v = -v
			}
			sum[i] += v
		}
	}
	s.counts[name] += t.Numel() / cols
}

// Mean returns the mean absolute activation per input channel for a stat
// key, or an error if the key was never observed.
func (s *Stats) Mean(name string) ([]float32, error) {
	sum, ok := s.sums[name]
	if !ok {
		return nil, fmt.Errorf("no activations observed for %s", name)
	}

	mean := make([]float32, len(sum))
	n := float32(s.counts[name])
	for i, v := range sum {
		mean[i] = v / n
	}

	return mean, nil
}
