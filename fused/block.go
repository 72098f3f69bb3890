package fused

import (
	"github.com/moequant/moequant/model/mixtral"
	"github.com/moequant/moequant/nn"
)

type BlockConfig struct {
	HiddenSize int
	NumHeads   int
	NumKVHeads int
	QKV        nn.Layer
	OProj      nn.Layer
	MoE        *mixtral.SparseMoE
	Norm1      *RMSNorm
	Norm2      *RMSNorm
	MaxSeqLen  int
	RopeTheta  float32

	NumExpertsPerToken int
}

// Block is one fused decoder layer: a single qkv projection followed by
// attention and the sparse expert block carried over from the original
// layer.
type Block struct {
	qkv   nn.Layer
	oProj nn.Layer
	moe   *mixtral.SparseMoE
	norm1 *RMSNorm
	norm2 *RMSNorm

	opts      *mixtral.Options
	maxSeqLen int
}

func NewBlock(cfg BlockConfig) *Block {
	return &Block{
		qkv:       cfg.QKV,
		oProj:     cfg.OProj,
		moe:       cfg.MoE,
		norm1:     cfg.Norm1,
		norm2:     cfg.Norm2,
		maxSeqLen: cfg.MaxSeqLen,
		opts: &mixtral.Options{
			HiddenSize:         cfg.HiddenSize,
			NumHeads:           cfg.NumHeads,
			NumKVHeads:         cfg.NumKVHeads,
			NumExperts:         len(cfg.MoE.Experts),
			NumExpertsPerToken: cfg.NumExpertsPerToken,
			MaxSeqLen:          cfg.MaxSeqLen,
			RopeTheta:          cfg.RopeTheta,
		},
	}
}

func (b *Block) Forward(hidden *nn.Tensor, positions []int) *nn.Tensor {
	residual := hidden

	hidden = b.norm1.Forward(hidden)
	hidden = b.attention(hidden, positions)
	nn.Add(hidden, residual)
	residual = hidden

	out := b.norm2.Forward(hidden)
	out = b.moe.Forward(out, b.opts, nil)
	nn.Add(out, residual)
	return out
}

func (b *Block) attention(hidden *nn.Tensor, positions []int) *nn.Tensor {
	headDim := b.opts.HeadDim()
	qDim := b.opts.NumHeads * headDim
	kvDim := b.opts.NumKVHeads * headDim

	// One matmul for all three projections, then split columns.
	qkv := b.qkv.Forward(hidden)

	tokens := qkv.Shape[0]
	q := nn.Zeros(tokens, qDim)
	k := nn.Zeros(tokens, kvDim)
	v := nn.Zeros(tokens, kvDim)
	for t := 0; t < tokens; t++ {
		row := qkv.Row(t)
		copy(q.Row(t), row[:qDim])
		copy(k.Row(t), row[qDim:qDim+kvDim])
		copy(v.Row(t), row[qDim+kvDim:])
	}

	nn.RoPE(q, positions, b.opts.NumHeads, headDim, b.opts.RopeTheta)
	nn.RoPE(k, positions, b.opts.NumKVHeads, headDim, b.opts.RopeTheta)

	attn := nn.Attention(q, k, v, b.opts.NumHeads, b.opts.NumKVHeads, headDim)
	return b.oProj.Forward(attn)
}
