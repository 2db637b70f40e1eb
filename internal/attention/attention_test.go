package attention

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/example/go-radtts/internal/nn"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

func newRNG(seed uint64) *rand.Rand { return rand.New(rand.NewPCG(seed, 3)) }

func randTensor(t *testing.T, rng *rand.Rand, shape ...int64) *tensor.Tensor {
	t.Helper()

	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}

	return out
}

func smallAttention(t *testing.T) *ConvAttention {
	t.Helper()

	a, err := New(Config{MelChannels: 4, TextChannels: 3, AttChannels: 5, Temperature: 0.05}, newRNG(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return a
}

func TestConvAttentionRowsSumToOneOverValidKeys(t *testing.T) {
	a := smallAttention(t)
	rng := newRNG(2)
	queries, keys := randTensor(t, rng, 2, 4, 6), randTensor(t, rng, 2, 3, 5)
	keyLens := []int{5, 3}

	attn, logProb, err := a.Forward(queries, keys, keyLens, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if got := attn.Shape(); !slices.Equal(got, []int64{2, 1, 6, 5}) {
		t.Fatalf("attn shape = %v", got)
	}

	d, lp := attn.RawData(), logProb.RawData()

	for b, kl := range keyLens {
		for i := range 6 {
			row := d[(b*6+i)*5 : (b*6+i+1)*5]

			var sum float64
			for j, v := range row {
				if j >= kl && v != 0 {
					t.Fatalf("item %d row %d: masked key %d has weight %v", b, i, j, v)
				}

				sum += float64(v)
			}

			if math.Abs(sum-1) > 1e-4 {
				t.Fatalf("item %d row %d sums to %v", b, i, sum)
			}

			for _, v := range lp[(b*6+i)*5 : (b*6+i+1)*5] {
				if math.IsInf(float64(v), 0) || v > 0 {
					t.Fatalf("log score %v should be finite and <= 0", v)
				}
			}
		}
	}
}

func TestConvAttentionPriorReweights(t *testing.T) {
	a := smallAttention(t)
	rng := newRNG(3)
	queries, keys := randTensor(t, rng, 1, 4, 3), randTensor(t, rng, 1, 3, 4)

	plain, _, err := a.Forward(queries, keys, nil, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	prior, _ := tensor.New([]float32{
		0.7, 0.1, 0.1, 0.1,
		0.25, 0.25, 0.25, 0.25,
		0.05, 0.05, 0.3, 0.6,
	}, []int64{1, 3, 4})

	withPrior, _, err := a.Forward(queries, keys, nil, prior)
	if err != nil {
		t.Fatalf("Forward with prior: %v", err)
	}

	// softmax(log_softmax(s) + log p) is proportional to softmax(s) * p.
	pd, wd := plain.RawData(), prior.RawData()
	want := make([]float32, len(pd))

	for row := range 3 {
		var sum float32
		for j := range 4 {
			want[row*4+j] = pd[row*4+j] * wd[row*4+j]
			sum += want[row*4+j]
		}

		for j := range 4 {
			want[row*4+j] /= sum
		}
	}

	if diff := cmp.Diff(want, withPrior.Data(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Fatalf("prior alignment mismatch (-want +got):\n%s", diff)
	}
}

func TestConvAttentionShapeErrors(t *testing.T) {
	a := smallAttention(t)
	rng := newRNG(4)

	_, _, err := a.Forward(randTensor(t, rng, 2, 4, 3), randTensor(t, rng, 1, 3, 4), nil, nil)
	if !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for batch mismatch, got %v", err)
	}

	prior := randTensor(t, rng, 1, 4, 3)

	_, _, err = a.Forward(randTensor(t, rng, 1, 4, 3), randTensor(t, rng, 1, 3, 4), nil, prior)
	if !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for transposed prior, got %v", err)
	}
}

func TestConvAttentionParamNames(t *testing.T) {
	names := nn.SortedNames(smallAttention(t))
	want := []string{
		"key_proj.0.conv.bias", "key_proj.0.conv.weight",
		"key_proj.2.conv.bias", "key_proj.2.conv.weight",
		"query_proj.0.conv.bias", "query_proj.0.conv.weight",
		"query_proj.2.conv.bias", "query_proj.2.conv.weight",
		"query_proj.4.conv.bias", "query_proj.4.conv.weight",
	}

	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("param names (-want +got):\n%s", diff)
	}
}

func TestBinarizeMASFollowsMonotonicPath(t *testing.T) {
	soft, _ := tensor.New([]float32{
		0.9, 0.1, 0.0,
		0.6, 0.4, 0.0,
		0.2, 0.7, 0.1,
		0.1, 0.2, 0.7,
		0.0, 0.1, 0.9,
	}, []int64{1, 1, 5, 3})

	hard, err := BinarizeMAS(context.Background(), soft, []int{5}, []int{3})
	if err != nil {
		t.Fatalf("BinarizeMAS: %v", err)
	}

	want := []float32{
		1, 0, 0,
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		0, 0, 1,
	}

	if diff := cmp.Diff(want, hard.Data()); diff != "" {
		t.Fatalf("hard alignment (-want +got):\n%s", diff)
	}

	durs, err := Durations(hard, []int{3})
	if err != nil {
		t.Fatalf("Durations: %v", err)
	}

	if diff := cmp.Diff([][]float32{{2, 1, 2}}, durs); diff != "" {
		t.Fatalf("durations (-want +got):\n%s", diff)
	}
}

func TestBinarizeMASRespectsLengths(t *testing.T) {
	a := smallAttention(t)
	rng := newRNG(5)
	queries, keys := randTensor(t, rng, 2, 4, 7), randTensor(t, rng, 2, 3, 4)
	queryLens, keyLens := []int{7, 5}, []int{4, 2}

	soft, _, err := a.Forward(queries, keys, keyLens, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	hard, err := BinarizeMAS(context.Background(), soft, queryLens, keyLens)
	if err != nil {
		t.Fatalf("BinarizeMAS: %v", err)
	}

	durs, err := Durations(hard, keyLens)
	if err != nil {
		t.Fatalf("Durations: %v", err)
	}

	for b, row := range durs {
		var total float32
		for _, d := range row {
			if d < 1 {
				t.Fatalf("item %d: token with duration %v, want >= 1", b, d)
			}

			total += d
		}

		if int(total) != queryLens[b] {
			t.Fatalf("item %d durations sum to %v, want %d", b, total, queryLens[b])
		}
	}

	// Frames beyond the query length stay unassigned.
	hd := hard.RawData()
	for i := 5; i < 7; i++ {
		for j := range 4 {
			if v := hd[((1*7)+i)*4+j]; v != 0 {
				t.Fatalf("padded frame %d token %d = %v", i, j, v)
			}
		}
	}
}

func TestBinarizeMASCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	soft, _ := tensor.Full([]int64{2, 1, 3, 2}, 0.5)

	if _, err := BinarizeMAS(ctx, soft, []int{3, 3}, []int{2, 2}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
