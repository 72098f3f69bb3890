// Package model holds checkpoint-level configuration shared by the model
// definitions and the quantization engine.
package model

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Quantization mirrors the quantization_config block a quantized checkpoint
// carries in its config.json.
type Quantization struct {
	Bits        int      `json:"bits"`
	GroupSize   int      `json:"group_size"`
	Method      string   `json:"quant_method"`
	SkipModules []string `json:"modules_to_not_convert"`
}

type Config struct {
	Architectures         []string `json:"architectures"`
	HiddenSize            int      `json:"hidden_size"`
	IntermediateSize      int      `json:"intermediate_size"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	NumExpertsPerToken    int      `json:"num_experts_per_tok"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumKeyValueHeads      int      `json:"num_key_value_heads"`
	NumLocalExperts       int      `json:"num_local_experts"`
	RMSNormEPS            float32  `json:"rms_norm_eps"`
	RopeTheta             float32  `json:"rope_theta"`
	VocabSize             int      `json:"vocab_size"`
	TorchDtype            string   `json:"torch_dtype"`
	TransformersVersion   string   `json:"transformers_version"`

	Quantization *Quantization `json:"quantization_config,omitempty"`

	// raw retains the full decoded config.json so fields this struct does
	// not model survive a quantize round trip.
	raw map[string]json.RawMessage
}

func LoadConfig(dir string) (*Config, error) {
	bts, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}

	var c Config
	if err := json.Unmarshal(bts, &c); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(bts, &c.raw); err != nil {
		return nil, err
	}

	if len(c.Architectures) < 1 {
		return nil, errors.New("unknown architecture")
	}

	return &c, nil
}

// SaveConfig writes config.json to dir, preserving unmodelled fields and
// recording q as the checkpoint's quantization_config.
func (c *Config) SaveConfig(dir string, q *Quantization) error {
	if c.raw == nil {
		// Configs constructed in code rather than loaded from disk.
		bts, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(bts, &c.raw); err != nil {
			return err
		}
	}

	raw := make(map[string]json.RawMessage, len(c.raw)+1)
	for k, v := range c.raw {
		raw[k] = v
	}

	if q != nil {
		bts, err := json.Marshal(q)
		if err != nil {
			return err
		}
		raw["quantization_config"] = bts
	}

	bts, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), bts, 0o644)
}
