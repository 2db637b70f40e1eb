package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"
)

type tensorMeta struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// buildSafetensors creates a .safetensors blob from name -> (dtype, shape,
// raw bytes).
func buildSafetensors(t *testing.T, tensors map[string]struct {
	dtype string
	shape []int64
	data  []byte
}) []byte {
	t.Helper()

	header := make(map[string]tensorMeta)

	var rawData []byte

	for name, info := range tensors {
		start := len(rawData)
		rawData = append(rawData, info.data...)
		header[name] = tensorMeta{
			DType:   info.dtype,
			Shape:   info.shape,
			Offsets: [2]int{start, start + len(info.data)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)

	return append(buf, rawData...)
}

func float32Bytes(vals []float32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	return buf
}
