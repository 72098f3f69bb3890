package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{
		"architectures": ["MixtralForCausalLM"],
		"hidden_size": 64,
		"num_attention_heads": 4,
		"num_key_value_heads": 2,
		"num_local_experts": 4,
		"num_experts_per_tok": 2,
		"transformers_version": "4.38.0",
		"sliding_window": 4096
	}`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}

	if got, want := cfg.Architectures[0], "MixtralForCausalLM"; got != want {
		t.Fatalf("got architecture %s, want %s", got, want)
	}
	if got, want := cfg.HiddenSize, 64; got != want {
		t.Fatalf("got hidden size %d, want %d", got, want)
	}
	if got, want := cfg.TransformersVersion, "4.38.0"; got != want {
		t.Fatalf("got version %s, want %s", got, want)
	}
	if cfg.Quantization != nil {
		t.Fatalf("unexpected quantization config: %+v", cfg.Quantization)
	}

	err = cfg.SaveConfig(dir, &Quantization{
		Bits:        4,
		GroupSize:   128,
		Method:      "awq",
		SkipModules: []string{"gate"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Fields this package does not model must survive the rewrite.
	bts, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(bts, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["sliding_window"]; !ok {
		t.Fatal("sliding_window was dropped")
	}

	cfg, err = LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Quantization == nil {
		t.Fatal("quantization config was not written")
	}
	if got, want := cfg.Quantization.Method, "awq"; got != want {
		t.Fatalf("got method %s, want %s", got, want)
	}
	if got, want := len(cfg.Quantization.SkipModules), 1; got != want {
		t.Fatalf("got %d skip modules, want %d", got, want)
	}
}

func TestLoadConfigMissingArchitecture(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"hidden_size": 64}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected error")
	}
}

func TestSaveConfigWithoutSource(t *testing.T) {
	dir := t.TempDir()

	cfg := &Config{Architectures: []string{"MixtralForCausalLM"}, HiddenSize: 64}
	if err := cfg.SaveConfig(dir, nil); err != nil {
		t.Fatal(err)
	}

	got, err := LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.HiddenSize != 64 {
		t.Fatalf("got hidden size %d, want 64", got.HiddenSize)
	}
}
