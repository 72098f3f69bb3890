package awq

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/moequant/moequant/fused"
	"github.com/moequant/moequant/model/mixtral"
	"github.com/moequant/moequant/nn"
)

// mixtralCausalLM binds the sparse MoE decoder stack to the engine. The
// expert router (gate) is never quantized: its logits decide token routing
// and tolerate no rounding.
type mixtralCausalLM struct{}

func (*mixtralCausalLM) LayerType() string {
	return "MixtralDecoderLayer"
}

func (*mixtralCausalLM) SkipModules() []string {
	return []string{"gate"}
}

func (*mixtralCausalLM) Layers(m *mixtral.Model) ([]*mixtral.DecoderLayer, error) {
	if err := checkTransformersVersion(m.Config.TransformersVersion); err != nil {
		return nil, err
	}

	tr, err := m.Transformer()
	if err != nil {
		return nil, err
	}

	return tr.Layers, nil
}

func (*mixtralCausalLM) ActScaling(*mixtral.DecoderLayer) ActScaling {
	return ActScaling{Scalable: false}
}

func (*mixtralCausalLM) MoEScaling(l *mixtral.DecoderLayer) (MoEScaling, error) {
	hidden, err := moeHiddenDim(l.MoE)
	if err != nil {
		return MoEScaling{}, err
	}

	return MoEScaling{
		Name:  "block_sparse_moe",
		Block: l.MoE,
		Shape: [2]int{len(l.MoE.Experts), hidden},
	}, nil
}

func (*mixtralCausalLM) ScalingGroups(l *mixtral.DecoderLayer) ([]Group, error) {
	q, err := floatLinear(l.SelfAttn.Q, "self_attn.q_proj")
	if err != nil {
		return nil, err
	}
	k, err := floatLinear(l.SelfAttn.K, "self_attn.k_proj")
	if err != nil {
		return nil, err
	}
	v, err := floatLinear(l.SelfAttn.V, "self_attn.v_proj")
	if err != nil {
		return nil, err
	}
	o, err := floatLinear(l.SelfAttn.O, "self_attn.o_proj")
	if err != nil {
		return nil, err
	}

	// attention input
	groups := []Group{{
		PrevOp:  l.InputNorm,
		Layers:  []*nn.Linear{q, k, v},
		Input:   "self_attn.q_proj",
		Inspect: "self_attn",
	}}

	// attention out
	if shapeEqual(v.Weight.Shape, o.Weight.Shape) {
		groups = append(groups, Group{
			PrevOp: v,
			Layers: []*nn.Linear{o},
			Input:  "self_attn.o_proj",
		})
	}

	// All experts are scaled jointly against the block input; the inverse
	// lands on the block itself as per-expert input scales so the router
	// still sees the original activations.
	var expertInputs []*nn.Linear
	for e, expert := range l.MoE.Experts {
		w1, err := floatLinear(expert.W1, fmt.Sprintf("block_sparse_moe.experts.%d.w1", e))
		if err != nil {
			return nil, err
		}
		w3, err := floatLinear(expert.W3, fmt.Sprintf("block_sparse_moe.experts.%d.w3", e))
		if err != nil {
			return nil, err
		}
		expertInputs = append(expertInputs, w1, w3)
	}

	groups = append(groups, Group{
		PrevOp:  l.MoE,
		Layers:  expertInputs,
		Input:   "block_sparse_moe",
		Inspect: "block_sparse_moe",
	})

	// scaling w2
	for e, expert := range l.MoE.Experts {
		w2, err := floatLinear(expert.W2, fmt.Sprintf("block_sparse_moe.experts.%d.w2", e))
		if err != nil {
			return nil, err
		}
		w3, err := floatLinear(expert.W3, fmt.Sprintf("block_sparse_moe.experts.%d.w3", e))
		if err != nil {
			return nil, err
		}

		groups = append(groups, Group{
			PrevOp: w3,
			Layers: []*nn.Linear{w2},
			Input:  fmt.Sprintf("block_sparse_moe.experts.%d.w2", e),
		})
	}

	return groups, nil
}

func (*mixtralCausalLM) FuseLayers(m *mixtral.Model) error {
	f := &mixtralFuser{model: m}
	return f.fuseTransformer()
}

func floatLinear(l nn.Layer, name string) (*nn.Linear, error) {
	lin, ok := l.(*nn.Linear)
	if !ok {
		return nil, fmt.Errorf("%s is already quantized", name)
	}

	return lin, nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func moeHiddenDim(moe *mixtral.SparseMoE) (int, error) {
	if len(moe.Experts) == 0 {
		return 0, fmt.Errorf("sparse block has no experts")
	}

	return moe.Experts[0].W1.InFeatures(), nil
}

// minTransformersMinor is the first transformers 4.x release that writes
// Mixtral checkpoints with the sparse expert module layout.
const minTransformersMinor = 37

func checkTransformersVersion(v string) error {
	if v == "" {
		return fmt.Errorf("checkpoint does not record a transformers version; Mixtral requires a minimum of 4.%d.0", minTransformersMinor)
	}

	// Versions have three parts, or four for dev releases (4.37.0.dev0).
	parts := strings.Split(v, ".")
	if len(parts) != 3 && len(parts) != 4 {
		return fmt.Errorf("malformed transformers version: %q", v)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("malformed transformers version: %q", v)
	}

	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("malformed transformers version: %q", v)
	}

	if major < 4 || (major == 4 && minor < minTransformersMinor) {
		return fmt.Errorf("checkpoint written by transformers %s predates the sparse expert module layout; Mixtral requires a minimum of 4.%d.0", v, minTransformersMinor)
	}

	return nil
}

type mixtralFuser struct {
	model *mixtral.Model
}

// fuseTransformer rewrites the decoder stack into fused blocks: q/k/v merge
// into a single projection, the norms move into the block, and the sparse
// expert block carries over as-is. The outer model keeps its attributes;
// only the backbone is replaced.
func (f *mixtralFuser) fuseTransformer() error {
	tr, err := f.model.Transformer()
	if err != nil {
		return err
	}

	opts := f.model.Options
	blocks := make([]*fused.Block, 0, len(tr.Layers))
	for i, layer := range tr.Layers {
		qkv, err := fused.FuseQKV(layer.SelfAttn.Q, layer.SelfAttn.K, layer.SelfAttn.V)
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}

		blocks = append(blocks, fused.NewBlock(fused.BlockConfig{
			HiddenSize: opts.HiddenSize,
			NumHeads:   opts.NumHeads,
			NumKVHeads: opts.NumKVHeads,
			QKV:        qkv,
			OProj:      layer.SelfAttn.O,
			MoE:        layer.MoE,
			Norm1:      fused.NewRMSNorm(layer.InputNorm.Weight, layer.InputNorm.Eps),
			Norm2:      fused.NewRMSNorm(layer.PostAttnNorm.Weight, layer.PostAttnNorm.Eps),
			MaxSeqLen:  opts.MaxSeqLen,
			RopeTheta:  opts.RopeTheta,

			NumExpertsPerToken: opts.NumExpertsPerToken,
		}))
	}

	f.model.Backbone = fused.NewModel(f.model.Config.VocabSize, blocks, tr.EmbedTokens, tr.Norm)
	return nil
}
