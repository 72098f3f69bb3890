package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/x448/float16"
)

// OutTensor is one tensor to be written. Exactly one of F32 or U32 is set;
// F32 data may be narrowed to F16 on disk by setting Dtype accordingly.
type OutTensor struct {
	Name  string
	Dtype string // F32, F16 or U32
	Shape []int
	F32   []float32
	U32   []uint32
}

func (t *OutTensor) byteSize() (int64, error) {
	switch t.Dtype {
	case "F32":
		return int64(len(t.F32)) * 4, nil
	case "F16":
		return int64(len(t.F32)) * 2, nil
	case "U32":
		return int64(len(t.U32)) * 4, nil
	default:
		return 0, fmt.Errorf("unknown storage type: %s", t.Dtype)
	}
}

// Write writes a single-shard checkpoint. Tensors are laid out in name order
// so output files are reproducible.
func Write(path string, ts []*OutTensor) error {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Name < ts[j].Name })

	headers := make(map[string]metadata, len(ts))
	var offset int64
	for _, t := range ts {
		size, err := t.byteSize()
		if err != nil {
			return err
		}

		headers[t.Name] = metadata{
			Type:    t.Dtype,
			Shape:   t.Shape,
			Offsets: []int64{offset, offset + size},
		}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := binary.Write(f, binary.LittleEndian, int64(len(header))); err != nil {
		f.Close()
		return err
	}

	if _, err := f.Write(header); err != nil {
		f.Close()
		return err
	}

	for _, t := range ts {
		switch t.Dtype {
		case "F32":
			if err := binary.Write(f, binary.LittleEndian, t.F32); err != nil {
				f.Close()
				return err
			}
		case "F16":
			f16s := make([]uint16, len(t.F32))
			for i, v := range t.F32 {
				f16s[i] = float16.Fromfloat32(v).Bits()
			}
			if err := binary.Write(f, binary.LittleEndian, f16s); err != nil {
				f.Close()
				return err
			}
		case "U32":
			if err := binary.Write(f, binary.LittleEndian, t.U32); err != nil {
				f.Close()
				return err
			}
		}
	}

	return f.Close()
}
