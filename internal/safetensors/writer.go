package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/x448/float16"
)

// EncodeOptions controls the on-disk representation produced by Encode.
type EncodeOptions struct {
	// DType is "F32" (default) or "F16".
	DType    string
	Metadata map[string]string
}

// EncodeTensors serializes float32 tensors into safetensors format.
func EncodeTensors(tensors []Tensor) ([]byte, error) {
	return Encode(tensors, EncodeOptions{})
}

// Encode serializes tensors with the given options. Tensors are laid out in
// name order.
func Encode(tensors []Tensor, opts EncodeOptions) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	dtype := strings.ToUpper(opts.DType)
	if dtype == "" {
		dtype = dtypeF32
	}

	if dtype != dtypeF32 && dtype != dtypeF16 {
		return nil, fmt.Errorf("safetensors: cannot encode dtype %q", opts.DType)
	}

	width := dtypeBytes(dtype)

	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b Tensor) int { return strings.Compare(a.Name, b.Name) })

	header := make(map[string]any, len(sorted)+1)
	if len(opts.Metadata) > 0 {
		header[metadataKey] = opts.Metadata
	}

	total := 0
	for _, t := range sorted {
		total += len(t.Data) * width
	}

	raw := make([]byte, 0, total)

	for _, t := range sorted {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if _, exists := header[name]; exists {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		elemCount, err := shapeElementCount(t.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		if int64(len(t.Data)) != elemCount {
			return nil, fmt.Errorf("safetensors: tensor %q shape %v expects %d elements, got %d", name, t.Shape, elemCount, len(t.Data))
		}

		start := len(raw)
		raw = append(raw, make([]byte, len(t.Data)*width)...)

		for i, v := range t.Data {
			if dtype == dtypeF16 {
				binary.LittleEndian.PutUint16(raw[start+i*2:], float16.Fromfloat32(v).Bits())
			} else {
				binary.LittleEndian.PutUint32(raw[start+i*4:], math.Float32bits(v))
			}
		}

		header[name] = storeHeaderEntry{
			DType:   dtype,
			Shape:   slices.Clone(t.Shape),
			Offsets: [2]int{start, len(raw)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerJSON)+len(raw))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteFile writes float32 tensors into a .safetensors file.
func WriteFile(path string, tensors []Tensor, opts EncodeOptions) error {
	data, err := Encode(tensors, opts)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}
