package mixtral

import (
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/moequant/moequant/model"
	"github.com/moequant/moequant/nn"
	"github.com/moequant/moequant/safetensors"
)

// Load reads a checkpoint directory into a Model. Quantized checkpoints
// (config.json carries a quantization_config) load packed int4 projections
// in place of float ones, except for modules the config marks as skipped.
func Load(dir string) (*Model, error) {
	cfg, err := model.LoadConfig(dir)
	if err != nil {
		return nil, err
	}

	if cfg.NumExpertsPerToken < 1 || cfg.NumExpertsPerToken > cfg.NumLocalExperts {
		return nil, fmt.Errorf("num_experts_per_tok %d is out of range for %d experts", cfg.NumExpertsPerToken, cfg.NumLocalExperts)
	}

	if q := cfg.Quantization; q != nil {
		if q.Method != "awq" {
			return nil, fmt.Errorf("unsupported quantization method: %s", q.Method)
		}
		if q.Bits != nn.QuantBits {
			return nil, fmt.Errorf("unsupported quantization width: %d bits", q.Bits)
		}
	}

	ts, err := safetensors.Read(dir)
	if err != nil {
		return nil, err
	}

	tm := make(map[string]*safetensors.Tensor, len(ts))
	for _, t := range ts {
		tm[t.Name] = t
	}

	opts := &Options{
		HiddenSize:         cfg.HiddenSize,
		NumHeads:           cfg.NumAttentionHeads,
		NumKVHeads:         cfg.NumKeyValueHeads,
		NumExperts:         cfg.NumLocalExperts,
		NumExpertsPerToken: cfg.NumExpertsPerToken,
		MaxSeqLen:          cfg.MaxPositionEmbeddings,
		Eps:                cfg.RMSNormEPS,
		RopeTheta:          cfg.RopeTheta,
	}

	m := &Model{
		Config:  cfg,
		Options: opts,
	}

	inner := &Transformer{
		Layers:  make([]*DecoderLayer, cfg.NumHiddenLayers),
		Options: opts,
	}
	m.Backbone = inner

	var g errgroup.Group
	g.Go(func() error {
		weight, err := loadTensor(tm, "model.embed_tokens.weight")
		if err != nil {
			return err
		}
		inner.EmbedTokens = &nn.Embedding{Weight: weight}

		if inner.Norm, err = loadNorm(tm, "model.norm", opts.Eps); err != nil {
			return err
		}

		if weight, err = loadTensor(tm, "lm_head.weight"); err != nil {
			return err
		}
		m.LMHead = &nn.Linear{Weight: weight}
		return nil
	})

	for i := range inner.Layers {
		i := i
		g.Go(func() error {
			layer, err := loadLayer(tm, cfg, opts, i)
			if err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			inner.Layers[i] = layer
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return m, nil
}

func loadLayer(tm map[string]*safetensors.Tensor, cfg *model.Config, opts *Options, i int) (*DecoderLayer, error) {
	prefix := fmt.Sprintf("model.layers.%d", i)

	layer := &DecoderLayer{
		SelfAttn: &SelfAttention{},
		MoE:      &SparseMoE{Experts: make([]*Expert, opts.NumExperts)},
	}
	for e := range layer.MoE.Experts {
		layer.MoE.Experts[e] = &Expert{}
	}

	var err error
	if layer.InputNorm, err = loadNorm(tm, prefix+".input_layernorm", opts.Eps); err != nil {
		return nil, err
	}

	if layer.PostAttnNorm, err = loadNorm(tm, prefix+".post_attention_layernorm", opts.Eps); err != nil {
		return nil, err
	}

	for _, slot := range layer.Slots() {
		l, err := loadProjection(tm, prefix+"."+slot.Name, cfg.Quantization)
		if err != nil {
			return nil, err
		}
		*slot.Layer = l
	}

	if t, ok := tm[prefix+".block_sparse_moe.scales"]; ok {
		data, err := t.Floats()
		if err != nil {
			return nil, err
		}
		layer.MoE.ExpertScales = nn.NewTensor(t.Shape, data)
	}

	return layer, nil
}

func loadProjection(tm map[string]*safetensors.Tensor, name string, q *model.Quantization) (nn.Layer, error) {
	if q != nil && !skipped(name, q.SkipModules) {
		qt, ok := tm[name+".qweight"]
		if !ok {
			return nil, fmt.Errorf("missing tensor %s.qweight", name)
		}

		qweight, err := qt.Uint32s()
		if err != nil {
			return nil, err
		}

		scales, err := loadTensor(tm, name+".scales")
		if err != nil {
			return nil, err
		}

		out, in := qt.Shape[0], qt.Shape[1]*8
		if scales.Shape[0] != out || in%scales.Shape[1] != 0 {
			return nil, fmt.Errorf("scale shape %v does not match %s [%d %d]", scales.Shape, name, out, in)
		}

		return &nn.QLinear{
			Qweight:   qweight,
			Scales:    scales,
			GroupSize: in / scales.Shape[1],
			In:        in,
			Out:       out,
		}, nil
	}

	weight, err := loadTensor(tm, name+".weight")
	if err != nil {
		return nil, err
	}

	return &nn.Linear{Weight: weight}, nil
}

func skipped(name string, skip []string) bool {
	for _, s := range skip {
		if s != "" && strings.Contains(name, s) {
			return true
		}
	}

	return false
}

func loadNorm(tm map[string]*safetensors.Tensor, name string, eps float32) (*nn.RMSNorm, error) {
	weight, err := loadTensor(tm, name+".weight")
	if err != nil {
		return nil, err
	}

	return &nn.RMSNorm{Weight: weight, Eps: eps}, nil
}

func loadTensor(tm map[string]*safetensors.Tensor, name string) (*nn.Tensor, error) {
	t, ok := tm[name]
	if !ok {
		return nil, fmt.Errorf("missing tensor %s", name)
	}

	data, err := t.Floats()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return nn.NewTensor(t.Shape, data), nil
}

// Tensors flattens the model back into checkpoint tensors. Float weights are
// narrowed to f16 on disk; packed projections write qweight/scales pairs.
func (m *Model) Tensors() ([]*safetensors.OutTensor, error) {
	t, err := m.Transformer()
	if err != nil {
		return nil, err
	}

	out := []*safetensors.OutTensor{
		floatTensor("model.embed_tokens.weight", t.EmbedTokens.Weight),
		floatTensor("model.norm.weight", t.Norm.Weight),
		floatTensor("lm_head.weight", m.LMHead.Weight),
	}

	for i, layer := range t.Layers {
		prefix := fmt.Sprintf("model.layers.%d", i)

		out = append(out,
			floatTensor(prefix+".input_layernorm.weight", layer.InputNorm.Weight),
			floatTensor(prefix+".post_attention_layernorm.weight", layer.PostAttnNorm.Weight),
		)

		for _, slot := range layer.Slots() {
			name := prefix + "." + slot.Name
			switch l := (*slot.Layer).(type) {
			case *nn.Linear:
				out = append(out, floatTensor(name+".weight", l.Weight))
			case *nn.QLinear:
				out = append(out,
					&safetensors.OutTensor{
						Name:  name + ".qweight",
						Dtype: "U32",
						Shape: []int{l.Out, l.In / 8},
						U32:   l.Qweight,
					},
					&safetensors.OutTensor{
						Name:  name + ".scales",
						Dtype: "F16",
						Shape: l.Scales.Shape,
						F32:   l.Scales.Data,
					},
				)
			default:
				return nil, fmt.Errorf("%s: unknown projection type %T", name, l)
			}
		}

		if layer.MoE.ExpertScales != nil {
			out = append(out, &safetensors.OutTensor{
				Name:  prefix + ".block_sparse_moe.scales",
				Dtype: "F32",
				Shape: layer.MoE.ExpertScales.Shape,
				F32:   layer.MoE.ExpertScales.Data,
			})
		}
	}

	return out, nil
}

func floatTensor(name string, t *nn.Tensor) *safetensors.OutTensor {
	return &safetensors.OutTensor{Name: name, Dtype: "F16", Shape: t.Shape, F32: t.Data}
}
