package fused

import (
	"fmt"

	"github.com/moequant/moequant/nn"
)

// Model is the fused replacement for the inner decoder stack. It keeps the
// original embeddings and final norm and runs the fused blocks in layer
// order.
type Model struct {
	vocabSize int
	embed     *nn.Embedding
	blocks    []*Block
	norm      *nn.RMSNorm
}

func NewModel(vocabSize int, blocks []*Block, embed *nn.Embedding, norm *nn.RMSNorm) *Model {
	return &Model{
		vocabSize: vocabSize,
		embed:     embed,
		blocks:    blocks,
		norm:      norm,
	}
}

func (m *Model) Forward(ids []int, _ nn.Trace) (*nn.Tensor, error) {
	if len(m.blocks) > 0 && len(ids) > m.blocks[0].maxSeqLen {
		return nil, fmt.Errorf("sequence length %d exceeds maximum %d", len(ids), m.blocks[0].maxSeqLen)
	}

	for _, id := range ids {
		if id < 0 || id >= m.vocabSize {
			return nil, fmt.Errorf("token id %d out of range", id)
		}
	}

	positions := make([]int, len(ids))
	for i := range positions {
		positions[i] = i
	}

	hidden := m.embed.Forward(ids)
	for _, block := range m.blocks {
		hidden = block.Forward(hidden, positions)
	}

	return m.norm.Forward(hidden), nil
}
