// Package safetensors reads and writes checkpoints in the safetensors format:
// an 8-byte little-endian header length, a JSON header, then raw tensor data.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/x448/float16"
)

const (
	dtypeF32  = "F32"
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"

	metadataKey = "__metadata__"
)

// Tensor is a named float32 tensor decoded from (or destined for) a
// safetensors payload.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// KeyMapper rewrites stored tensor names. Returning keep=false drops the
// tensor.
type KeyMapper func(name string) (mapped string, keep bool)

type RemapMode string

const (
	RemapLenient RemapMode = "lenient"
	RemapStrict  RemapMode = "strict"
)

type StoreOptions struct {
	KeyMapper KeyMapper
	RemapMode RemapMode
}

// StripPrefix returns a KeyMapper that removes prefix where present and keeps
// every other name unchanged.
func StripPrefix(prefix string) KeyMapper {
	return func(name string) (string, bool) {
		return strings.TrimPrefix(name, prefix), true
	}
}

// Store is an opened safetensors payload. Tensors are decoded on demand.
type Store struct {
	raw      []byte
	entries  map[string]storeEntry
	names    []string
	metadata map[string]string
}

type storeEntry struct {
	OriginalName string
	DType        string
	Shape        []int64
	Start        int
	End          int
}

type storeHeaderEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

func OpenStore(path string, opts StoreOptions) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return OpenStoreFromBytes(data, opts)
}

func OpenStoreFromBytes(data []byte, opts StoreOptions) (*Store, error) {
	keyMapper := opts.KeyMapper
	if keyMapper == nil {
		keyMapper = func(name string) (string, bool) { return name, true }
	}

	mode := opts.RemapMode
	if mode == "" {
		mode = RemapLenient
	}

	headerEnd, header, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	store := &Store{
		raw:     data,
		entries: make(map[string]storeEntry, len(header)),
	}

	for _, original := range slices.Sorted(maps.Keys(header)) {
		if original == metadataKey {
			if err := json.Unmarshal(header[original], &store.metadata); err != nil {
				return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
			}

			continue
		}

		var entry storeHeaderEntry
		if err := json.Unmarshal(header[original], &entry); err != nil {
			return nil, fmt.Errorf("safetensors: decode header entry %q: %w", original, err)
		}

		if err := validateHeaderEntry(original, entry); err != nil {
			return nil, err
		}

		mapped, keep := keyMapper(original)
		if !keep {
			if mode == RemapStrict {
				return nil, fmt.Errorf("safetensors: strict remap rejected tensor %q", original)
			}

			continue
		}

		mapped = strings.TrimSpace(mapped)
		if mapped == "" {
			return nil, fmt.Errorf("safetensors: remapped tensor name for %q is empty", original)
		}

		if _, exists := store.entries[mapped]; exists {
			if mode == RemapStrict {
				return nil, fmt.Errorf("safetensors: strict remap collision for %q", mapped)
			}

			continue
		}

		start := headerEnd + entry.Offsets[0]
		end := headerEnd + entry.Offsets[1]

		if start < headerEnd || end < start || end > len(data) {
			return nil, fmt.Errorf("safetensors: tensor %q data [%d:%d] exceeds file size %d", original, start, end, len(data))
		}

		elemCount, err := shapeElementCount(entry.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", original, err)
		}

		if need := int(elemCount) * dtypeBytes(entry.DType); end-start < need {
			return nil, fmt.Errorf("safetensors: tensor %q needs %d bytes but data has %d", original, need, end-start)
		}

		store.entries[mapped] = storeEntry{
			OriginalName: original,
			DType:        strings.ToUpper(entry.DType),
			Shape:        slices.Clone(entry.Shape),
			Start:        start,
			End:          end,
		}
		store.names = append(store.names, mapped)
	}

	if len(store.entries) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	slices.Sort(store.names)

	return store, nil
}

// Names returns the (mapped) tensor names in lexical order.
func (s *Store) Names() []string {
	return slices.Clone(s.names)
}

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Metadata returns the free-form string map stored under __metadata__.
func (s *Store) Metadata() map[string]string {
	return maps.Clone(s.metadata)
}

func (s *Store) Tensor(name string) (*Tensor, error) {
	entry, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarizeNames(s.names))
	}

	data, err := decodeTensorData(s.raw[entry.Start:entry.End], entry.DType, entry.Shape)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q decode: %w", name, err)
	}

	return &Tensor{
		Name:  name,
		Shape: slices.Clone(entry.Shape),
		Data:  data,
	}, nil
}

func (s *Store) TensorWithShape(name string, wantShape []int64) (*Tensor, error) {
	t, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}

	if !slices.Equal(t.Shape, wantShape) {
		return nil, fmt.Errorf("safetensors: tensor %q shape %v does not match expected %v", name, t.Shape, wantShape)
	}

	return t, nil
}

func (s *Store) ReadAll() (map[string]*Tensor, error) {
	out := make(map[string]*Tensor, len(s.names))
	for _, name := range s.names {
		t, err := s.Tensor(name)
		if err != nil {
			return nil, err
		}

		out[name] = t
	}

	return out, nil
}

func (s *Store) Close() {
	s.raw = nil
	s.entries = nil
	s.names = nil
}

func decodeHeader(data []byte) (int, map[string]json.RawMessage, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return 0, nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", headerLen, len(data))
	}

	headerEnd := 8 + int(headerLen)

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:headerEnd], &header); err != nil {
		return 0, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	return headerEnd, header, nil
}

func validateHeaderEntry(name string, entry storeHeaderEntry) error {
	if dtypeBytes(entry.DType) == 0 {
		return fmt.Errorf("safetensors: tensor %q has unsupported dtype %q", name, entry.DType)
	}

	if entry.Offsets[0] < 0 || entry.Offsets[1] < entry.Offsets[0] {
		return fmt.Errorf("safetensors: tensor %q has invalid data offsets %v", name, entry.Offsets)
	}

	for _, d := range entry.Shape {
		if d < 0 {
			return fmt.Errorf("safetensors: tensor %q has negative shape dimension in %v", name, entry.Shape)
		}
	}

	return nil
}

func shapeElementCount(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension %d", d)
		}

		if d == 0 {
			return 0, nil
		}

		if total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

// dtypeBytes returns the element width of a supported dtype, or 0.
func dtypeBytes(dtype string) int {
	switch strings.ToUpper(dtype) {
	case dtypeF32:
		return 4
	case dtypeF16, dtypeBF16:
		return 2
	default:
		return 0
	}
}

func decodeTensorData(raw []byte, dtype string, shape []int64) ([]float32, error) {
	elemCount, err := shapeElementCount(shape)
	if err != nil {
		return nil, err
	}

	n := int(elemCount)
	width := dtypeBytes(dtype)

	if width == 0 {
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}

	if len(raw) < n*width {
		return nil, fmt.Errorf("need %d bytes for %s, got %d", n*width, dtype, len(raw))
	}

	out := make([]float32, n)

	switch strings.ToUpper(dtype) {
	case dtypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case dtypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case dtypeBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}

	return out, nil
}

func summarizeNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}

	const maxNames = 8
	if len(names) <= maxNames {
		return strings.Join(names, ", ")
	}

	return strings.Join(names[:maxNames], ", ") + ", ..."
}
