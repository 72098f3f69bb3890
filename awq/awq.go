// Package awq implements activation-aware weight quantization and layer
// fusion for supported decoder architectures. Per-architecture adapters
// declare which projections are scaled jointly, which modules are never
// converted, and how the layer stack is rewritten into fused blocks.
package awq

import (
	"fmt"

	"github.com/moequant/moequant/model"
	"github.com/moequant/moequant/model/mixtral"
	"github.com/moequant/moequant/nn"
)

// PrevOp is an operation whose output feeds a group of scaled projections.
// FoldScale absorbs the inverse of the per-channel scales applied to the
// projections' input columns, keeping the network output unchanged.
type PrevOp interface {
	FoldScale(s []float32)
}

// Group describes one set of projections whose shared input is rescaled
// jointly before quantization.
type Group struct {
	// PrevOp receives the inverse scales.
	PrevOp PrevOp
	// Layers are the projections whose weight columns are scaled.
	Layers []*nn.Linear
	// Input is the activation statistic key the scales derive from.
	Input string
	// Inspect names the enclosing module the group belongs to, for
	// diagnostics.
	Inspect string
}

// ActScaling reports whether an architecture rescales activation-function
// outputs. None of the supported architectures do.
type ActScaling struct {
	Scalable bool
}

// MoEScaling names the sparse expert block of a layer and the shape of the
// per-expert input scales folded into it.
type MoEScaling struct {
	Name  string
	Block *mixtral.SparseMoE
	Shape [2]int // (experts, hidden)
}

// CausalLM adapts one architecture to the engine.
type CausalLM interface {
	// LayerType names the decoder layer class this adapter binds to.
	LayerType() string
	// SkipModules lists module name fragments that are never quantized.
	SkipModules() []string
	// Layers returns the decoder stack in order. It fails when the
	// checkpoint predates the module layout this adapter expects.
	Layers(m *mixtral.Model) ([]*mixtral.DecoderLayer, error)
	// ActScaling reports activation-function scaling for a layer.
	ActScaling(l *mixtral.DecoderLayer) ActScaling
	// MoEScaling describes the sparse expert block of a layer.
	MoEScaling(l *mixtral.DecoderLayer) (MoEScaling, error)
	// ScalingGroups returns the layer's scaling descriptors in order.
	ScalingGroups(l *mixtral.DecoderLayer) ([]Group, error)
	// FuseLayers rewrites the model's layer stack into fused blocks.
	FuseLayers(m *mixtral.Model) error
}

// ForCausalLM returns the adapter for an architecture name as it appears in
// config.json.
func ForCausalLM(arch string) (CausalLM, error) {
	switch arch {
	case "MixtralForCausalLM":
		return &mixtralCausalLM{}, nil
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

// Load reads a checkpoint directory and pairs the model with its adapter.
func Load(dir string) (*mixtral.Model, CausalLM, error) {
	cfg, err := model.LoadConfig(dir)
	if err != nil {
		return nil, nil, err
	}

	lm, err := ForCausalLM(cfg.Architectures[0])
	if err != nil {
		return nil, nil, err
	}

	m, err := mixtral.Load(dir)
	if err != nil {
		return nil, nil, err
	}

	return m, lm, nil
}
