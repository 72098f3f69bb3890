package awq

import (
	"fmt"
	"math"
)

// searchScales grid-searches the scale exponent alpha, picking the
// per-channel scales that minimize the activation-weighted error between
// each group member's weights and their quantized form.
func searchScales(g Group, xmean []float32, cfg Config) []float32 {
	for _, l := range g.Layers {
		if l.InFeatures() != len(xmean) {
			// Statistics cannot drive this group; leave it unscaled.
			return nil
		}
	}

	best := make([]float32, len(xmean))
	for i := range best {
		best[i] = 1
	}

	bestLoss := float32(math.Inf(1))
	s := make([]float32, len(xmean))
	for step := 0; step < cfg.AlphaGrid; step++ {
		alpha := float64(step) / float64(cfg.AlphaGrid)
		for i, v := range xmean {
			if v < 1e-4 {
				v = 1e-4
			}
			s[i] = float32(math.Pow(float64(v), alpha))
		}
		normalize(s)

		var loss float32
		for _, l := range g.Layers {
			loss += quantError(l.Weight.Data, l.InFeatures(), s, xmean, cfg.GroupSize)
		}

		if loss < bestLoss {
			bestLoss = loss
			copy(best, s)
		}
	}

	return best
}

// normalize centers the scales around 1 so folding them into the previous
// op stays numerically tame.
func normalize(s []float32) {
	min, max := s[0], s[0]
	for _, v := range s[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	norm := float32(math.Sqrt(float64(max) * float64(min)))
	if norm == 0 {
		return
	}

	for i := range s {
		s[i] /= norm
		if s[i] < 1e-4 {
			s[i] = 1e-4
		}
	}
}

// quantError simulates grouped int4 quantization of w scaled by s and
// returns the activation-weighted reconstruction error.
func quantError(w []float32, in int, s, xmean []float32, groupSize int) float32 {
	if in%groupSize != 0 {
		groupSize = in
	}

	var loss float32
	for o := 0; o < len(w)/in; o++ {
		row := w[o*in : (o+1)*in]
		for g := 0; g < in; g += groupSize {
			var max float32
			for j := g; j < g+groupSize; j++ {
				v := row[j] * s[j]
				if v < 0 {
					v = -v
				}
				if v > max {
					max = v
				}
			}

			scale := max / 7
			if scale == 0 {
				continue
			}

			for j := g; j < g+groupSize; j++ {
				scaled := row[j] * s[j]
				q := float32(math.Round(float64(scaled / scale)))
				if q > 7 {
					q = 7
				} else if q < -8 {
					q = -8
				}

				err := (q*scale/s[j] - row[j]) * xmean[j]
				loss += err * err
			}
		}
	}

	return loss
}

// applyScale multiplies the input columns of every projection in the group
// by s and folds the inverse into the preceding op.
func applyScale(g Group, s []float32) error {
	for _, l := range g.Layers {
		if l.InFeatures() != len(s) {
			return fmt.Errorf("scale length %d does not match %s input dim %d", len(s), g.Inspect, l.InFeatures())
		}
	}

	for _, l := range g.Layers {
		l.ScaleColumns(s)
	}

	g.PrevOp.FoldScale(s)
	return nil
}
