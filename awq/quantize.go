package awq

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/moequant/moequant/model"
	"github.com/moequant/moequant/model/mixtral"
	"github.com/moequant/moequant/nn"
	"github.com/moequant/moequant/safetensors"
)

type Config struct {
	Bits      int `mapstructure:"bits"`
	GroupSize int `mapstructure:"group_size"`
	AlphaGrid int `mapstructure:"alpha_grid"`
}

func DefaultConfig() Config {
	return Config{Bits: 4, GroupSize: 128, AlphaGrid: 20}
}

// Apply overlays key=value options onto the config.
func (c *Config) Apply(opts map[string]string) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	return dec.Decode(opts)
}

// Progress reports per-layer progress of a quantization pass.
type Progress struct {
	Status           string
	Completed, Total int
}

// Quantize rescales and packs every eligible projection of the model,
// layer by layer in stack order. Calibration samples are token id
// sequences; their activations drive the scale search. The model is
// mutated in place.
func Quantize(m *mixtral.Model, lm CausalLM, cfg Config, samples [][]int, fn func(Progress)) error {
	if cfg.Bits != nn.QuantBits {
		return fmt.Errorf("unsupported quantization width: %d bits", cfg.Bits)
	}

	if len(samples) == 0 {
		return errors.New("no calibration samples")
	}

	layers, err := lm.Layers(m)
	if err != nil {
		return err
	}

	tr, err := m.Transformer()
	if err != nil {
		return err
	}

	if fn == nil {
		fn = func(Progress) {}
	}

	hiddens := make([]*nn.Tensor, len(samples))
	positions := make([][]int, len(samples))
	for s, ids := range samples {
		hiddens[s] = tr.EmbedTokens.Forward(ids)
		positions[s] = make([]int, len(ids))
		for i := range ids {
			positions[s][i] = i
		}
	}

	for i, layer := range layers {
		fn(Progress{Status: "quantizing", Completed: i, Total: len(layers)})

		if lm.ActScaling(layer).Scalable {
			return errors.New("activation scaling is not supported")
		}

		// Collect input statistics for this layer while advancing the
		// calibration activations to the next one.
		stats := NewStats()
		for s := range hiddens {
			hiddens[s] = layer.Forward(hiddens[s], positions[s], tr.Options, stats)
		}

		groups, err := lm.ScalingGroups(layer)
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}

		for _, g := range groups {
			xmean, err := stats.Mean(g.Input)
			if err != nil {
				// An expert that routed no calibration tokens has no
				// statistics; its weights quantize unscaled.
				slog.Warn("skipping scaling group", "layer", i, "input", g.Input)
				continue
			}

			s := searchScales(g, xmean, cfg)
			if s == nil {
				slog.Warn("no usable scales", "layer", i, "input", g.Input)
				continue
			}

			if err := applyScale(g, s); err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
		}

		scaling, err := lm.MoEScaling(layer)
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}

		if es := scaling.Block.ExpertScales; es != nil {
			if es.Shape[0] != scaling.Shape[0] || es.Shape[1] != scaling.Shape[1] {
				return fmt.Errorf("layer %d: %s scales have shape %v, want %v", i, scaling.Name, es.Shape, scaling.Shape)
			}
		}

		if err := quantizeLayer(layer, lm.SkipModules(), cfg); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}

	fn(Progress{Status: "quantizing", Completed: len(layers), Total: len(layers)})
	return nil
}

func quantizeLayer(layer *mixtral.DecoderLayer, skip []string, cfg Config) error {
	for _, slot := range layer.Slots() {
		if skipModule(slot.Name, skip) {
			continue
		}

		lin, ok := (*slot.Layer).(*nn.Linear)
		if !ok {
			return fmt.Errorf("%s is already quantized", slot.Name)
		}

		if !eligible(lin, cfg) {
			slog.Debug("leaving projection unquantized", "name", slot.Name)
			continue
		}

		q, err := nn.Quantize(lin, cfg.GroupSize)
		if err != nil {
			return fmt.Errorf("%s: %w", slot.Name, err)
		}
		*slot.Layer = q
	}

	return nil
}

// eligible reports whether a projection is worth packing: its input dim
// must align to the quantization groups and it must be large enough to
// matter.
func eligible(l *nn.Linear, cfg Config) bool {
	if l.InFeatures()%cfg.GroupSize != 0 || l.InFeatures()%8 != 0 {
		return false
	}

	return l.Weight.Numel() >= 1024
}

func skipModule(name string, skip []string) bool {
	for _, s := range skip {
		if s != "" && strings.Contains(name, s) {
			return true
		}
	}

	return false
}

// SaveQuantized writes the quantized model and its updated config to dir.
func SaveQuantized(m *mixtral.Model, lm CausalLM, cfg Config, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	ts, err := m.Tensors()
	if err != nil {
		return err
	}

	if err := safetensors.Write(filepath.Join(dir, "model.safetensors"), ts); err != nil {
		return err
	}

	return m.Config.SaveConfig(dir, &model.Quantization{
		Bits:        cfg.Bits,
		GroupSize:   cfg.GroupSize,
		Method:      "awq",
		SkipModules: lm.SkipModules(),
	})
}
