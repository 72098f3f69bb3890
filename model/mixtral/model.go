// Package mixtral defines the sparse mixture-of-experts decoder stack this
// project quantizes and fuses: a causal LM whose layers hold grouped-query
// attention and a top-k routed block of SiLU experts.
package mixtral

import (
	"fmt"

	"github.com/moequant/moequant/model"
	"github.com/moequant/moequant/nn"
)

type Options struct {
	HiddenSize, NumHeads, NumKVHeads int
	NumExperts, NumExpertsPerToken   int
	MaxSeqLen                        int
	Eps, RopeTheta                   float32
}

func (o *Options) HeadDim() int {
	return o.HiddenSize / o.NumHeads
}

// Backbone is the inner decoder stack (embeddings through final norm).
// Fusing replaces a *Transformer with a fused equivalent while the outer
// Model keeps its shape.
type Backbone interface {
	Forward(ids []int, trace nn.Trace) (*nn.Tensor, error)
}

// Model is the causal LM wrapper: backbone plus output projection.
type Model struct {
	Config   *model.Config
	Options  *Options
	Backbone Backbone
	LMHead   *nn.Linear
}

func (m *Model) Forward(ids []int, trace nn.Trace) (*nn.Tensor, error) {
	hidden, err := m.Backbone.Forward(ids, trace)
	if err != nil {
		return nil, err
	}

	return m.LMHead.Forward(hidden), nil
}

// Transformer returns the unfused decoder stack, or an error if the layer
// stack has already been rewritten.
func (m *Model) Transformer() (*Transformer, error) {
	t, ok := m.Backbone.(*Transformer)
	if !ok {
		return nil, fmt.Errorf("layer stack is already fused (%T)", m.Backbone)
	}

	return t, nil
}

type Transformer struct {
	EmbedTokens *nn.Embedding
	Layers      []*DecoderLayer
	Norm        *nn.RMSNorm

	Options *Options
}

func (t *Transformer) Forward(ids []int, trace nn.Trace) (*nn.Tensor, error) {
	if len(ids) > t.Options.MaxSeqLen {
		return nil, fmt.Errorf("sequence length %d exceeds maximum %d", len(ids), t.Options.MaxSeqLen)
	}

	positions := make([]int, len(ids))
	for i := range positions {
		positions[i] = i
	}

	hidden := t.EmbedTokens.Forward(ids)
	for _, layer := range t.Layers {
		hidden = layer.Forward(hidden, positions, t.Options, trace)
	}

	return t.Norm.Forward(hidden), nil
}

type SelfAttention struct {
	Q, K, V, O nn.Layer
}

func (sa *SelfAttention) Forward(hidden *nn.Tensor, positions []int, opts *Options, trace nn.Trace) *nn.Tensor {
	headDim := opts.HeadDim()

	q := sa.Q.Forward(hidden)
	k := sa.K.Forward(hidden)
	v := sa.V.Forward(hidden)

	nn.RoPE(q, positions, opts.NumHeads, headDim, opts.RopeTheta)
	nn.RoPE(k, positions, opts.NumKVHeads, headDim, opts.RopeTheta)

	attn := nn.Attention(q, k, v, opts.NumHeads, opts.NumKVHeads, headDim)
	if trace != nil {
		trace.Observe("self_attn.o_proj", attn)
	}

	return sa.O.Forward(attn)
}

// Expert is one SiLU MLP of the sparse block: w2(silu(w1 x) * w3 x).
type Expert struct {
	W1, W2, W3 nn.Layer
}

type SparseMoE struct {
	Gate    nn.Layer
	Experts []*Expert

	// ExpertScales divides the block input per expert before dispatch,
	// absorbing activation-aware scales folded into expert weights.
	// Shape [experts, hidden]; nil when no scales have been folded.
	ExpertScales *nn.Tensor
}

func (moe *SparseMoE) Forward(hidden *nn.Tensor, opts *Options, trace nn.Trace) *nn.Tensor {
	if trace != nil {
		trace.Observe("block_sparse_moe", hidden)
	}

	tokens := hidden.Shape[0]

	logits := moe.Gate.Forward(hidden)
	nn.Softmax(logits)

	// Routed token lists and renormalized routing weights per expert.
	routed := make([][]int, len(moe.Experts))
	weights := make([][]float32, len(moe.Experts))
	for t := 0; t < tokens; t++ {
		idx, w := topK(logits.Row(t), opts.NumExpertsPerToken)
		for i, e := range idx {
			routed[e] = append(routed[e], t)
			weights[e] = append(weights[e], w[i])
		}
	}

	out := nn.Zeros(hidden.Shape...)
	for e, expert := range moe.Experts {
		if len(routed[e]) == 0 {
			continue
		}

		in := nn.Zeros(len(routed[e]), hidden.Shape[1])
		for i, t := range routed[e] {
			copy(in.Row(i), hidden.Row(t))
		}

		if moe.ExpertScales != nil {
			scales := moe.ExpertScales.Row(e)
			for i := 0; i < in.Shape[0]; i++ {
				row := in.Row(i)
				for j := range row {
					row[j] /= scales[j]
				}
			}
		}

		act := expert.W1.Forward(in)
		nn.SILU(act)
		up := expert.W3.Forward(in)
		nn.Mul(act, up)

		if trace != nil {
			trace.Observe(fmt.Sprintf("block_sparse_moe.experts.%d.w2", e), act)
		}

		down := expert.W2.Forward(act)
		for i, t := range routed[e] {
			w := weights[e][i]
			dst := out.Row(t)
			src := down.Row(i)
			for j := range dst {
				dst[j] += w * src[j]
			}
		}
	}

	return out
}

// FoldScale records per-channel input scales for every expert, absorbing the
// inverse of scales multiplied into the experts' w1/w3 columns. Scales
// compose if folded more than once. The router input is unaffected.
func (moe *SparseMoE) FoldScale(s []float32) {
	if moe.ExpertScales == nil {
		data := make([]float32, 0, len(moe.Experts)*len(s))
		for range moe.Experts {
			data = append(data, s...)
		}
		moe.ExpertScales = nn.NewTensor([]int{len(moe.Experts), len(s)}, data)
		return
	}

	for e := range moe.Experts {
		row := moe.ExpertScales.Row(e)
		for j := range row {
			row[j] *= s[j]
		}
	}
}

// topK selects the k largest routing probabilities and renormalizes them.
func topK(probs []float32, k int) ([]int, []float32) {
	if k > len(probs) {
		k = len(probs)
	}

	idx := make([]int, 0, k)
	w := make([]float32, 0, k)

	for len(idx) < k {
		best := -1
		for i, p := range probs {
			if contains(idx, i) {
				continue
			}
			if best < 0 || p > probs[best] {
				best = i
			}
		}
		idx = append(idx, best)
		w = append(w, probs[best])
	}

	var sum float32
	for _, v := range w {
		sum += v
	}
	for i := range w {
		w[i] /= sum
	}

	return idx, w
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}

	return false
}

type DecoderLayer struct {
	InputNorm    *nn.RMSNorm
	SelfAttn     *SelfAttention
	PostAttnNorm *nn.RMSNorm
	MoE          *SparseMoE
}

func (l *DecoderLayer) Forward(hidden *nn.Tensor, positions []int, opts *Options, trace nn.Trace) *nn.Tensor {
	residual := hidden

	hidden = l.InputNorm.Forward(hidden)
	if trace != nil {
		trace.Observe("self_attn.q_proj", hidden)
	}
	hidden = l.SelfAttn.Forward(hidden, positions, opts, trace)
	nn.Add(hidden, residual)
	residual = hidden

	out := l.PostAttnNorm.Forward(hidden)
	out = l.MoE.Forward(out, opts, trace)
	nn.Add(out, residual)
	return out
}

// Slot is an addressable projection of a decoder layer, named by its dotted
// path relative to the layer. Quantization swaps float linears for packed
// ones through these slots.
type Slot struct {
	Name  string
	Layer *nn.Layer
}

func (l *DecoderLayer) Slots() []Slot {
	slots := []Slot{
		{"self_attn.q_proj", &l.SelfAttn.Q},
		{"self_attn.k_proj", &l.SelfAttn.K},
		{"self_attn.v_proj", &l.SelfAttn.V},
		{"self_attn.o_proj", &l.SelfAttn.O},
		{"block_sparse_moe.gate", &l.MoE.Gate},
	}

	for e, expert := range l.MoE.Experts {
		slots = append(slots,
			Slot{fmt.Sprintf("block_sparse_moe.experts.%d.w1", e), &expert.W1},
			Slot{fmt.Sprintf("block_sparse_moe.experts.%d.w2", e), &expert.W2},
			Slot{fmt.Sprintf("block_sparse_moe.experts.%d.w3", e), &expert.W3},
		)
	}

	return slots
}
