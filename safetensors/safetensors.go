// Package safetensors reads and writes model checkpoints in the safetensors
// format: an 8 byte little-endian header length, a JSON header mapping tensor
// names to dtype/shape/offsets, and a flat data section.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

type metadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// Tensor is a lazy handle over one tensor in a checkpoint shard. Data stays
// on disk until Floats or Uint32s materializes it.
type Tensor struct {
	Name  string
	Dtype string
	Shape []int

	path   string
	offset int64
	size   int64
}

// Read parses every checkpoint shard in dir. Tensor data is not loaded.
func Read(dir string) ([]*Tensor, error) {
	patterns := []string{
		"model.safetensors",
		"model-*-of-*.safetensors",
	}

	var paths []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			paths = matches
			break
		}
	}

	if len(paths) == 0 {
		return nil, errors.New("no safetensors files found")
	}

	var ts []*Tensor
	names := make(map[string]struct{})
	for _, p := range paths {
		shard, err := readShard(p, names)
		if err != nil {
			return nil, err
		}

		ts = append(ts, shard...)
	}

	return ts, nil
}

func readShard(p string, names map[string]struct{}) ([]*Tensor, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	headers := make(map[string]metadata)
	if err := json.NewDecoder(io.LimitReader(f, n)).Decode(&headers); err != nil {
		return nil, err
	}

	keys := maps.Keys(headers)
	slices.Sort(keys)

	var ts []*Tensor
	for _, key := range keys {
		if key == "__metadata__" {
			continue
		}

		value := headers[key]
		if len(value.Shape) == 0 {
			return nil, fmt.Errorf("tensor '%s' has no shape", key)
		}

		if _, ok := names[key]; ok {
			return nil, fmt.Errorf("duplicate tensor name '%s'", key)
		}
		names[key] = struct{}{}

		ts = append(ts, &Tensor{
			Name:   key,
			Dtype:  value.Type,
			Shape:  value.Shape,
			path:   p,
			offset: pad(n, value.Offsets[0]),
			size:   pad(n, value.Offsets[1]) - pad(n, value.Offsets[0]),
		})
	}

	return ts, nil
}

// pad returns the absolute file offset for a data section offset given a
// header of length n.
func pad(n, offset int64) int64 {
	return 8 + n + offset
}

func (t *Tensor) bytes() ([]byte, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}

	bts := make([]byte, t.size)
	if _, err := io.ReadFull(f, bts); err != nil {
		return nil, err
	}

	return bts, nil
}

// Floats materializes a floating point tensor as float32.
func (t *Tensor) Floats() ([]float32, error) {
	bts, err := t.bytes()
	if err != nil {
		return nil, err
	}

	switch t.Dtype {
	case "F32":
		f32s := make([]float32, t.size/4)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(bts[i*4:]))
		}
		return f32s, nil
	case "F16":
		f32s := make([]float32, t.size/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(bts[i*2:])).Float32()
		}
		return f32s, nil
	case "BF16":
		return bfloat16.DecodeFloat32(bts), nil
	default:
		return nil, fmt.Errorf("unknown float type: %s", t.Dtype)
	}
}

// Uint32s materializes a packed integer tensor.
func (t *Tensor) Uint32s() ([]uint32, error) {
	if t.Dtype != "U32" && t.Dtype != "I32" {
		return nil, fmt.Errorf("unknown integer type: %s", t.Dtype)
	}

	bts, err := t.bytes()
	if err != nil {
		return nil, err
	}

	u32s := make([]uint32, t.size/4)
	for i := range u32s {
		u32s[i] = binary.LittleEndian.Uint32(bts[i*4:])
	}

	return u32s, nil
}
