package main

import (
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strconv"

	"github.com/example/go-radtts/internal/attention"
	"github.com/example/go-radtts/internal/checkpoint"
	"github.com/example/go-radtts/internal/config"
	"github.com/example/go-radtts/internal/flow"
	"github.com/example/go-radtts/internal/nn"
	"github.com/example/go-radtts/internal/runtime/ops"
	"github.com/example/go-radtts/internal/runtime/tensor"
	"github.com/example/go-radtts/internal/safetensors"
)

const checkpointFormat = "radtts-decoder"

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// decoder bundles the flow stack and the alignment attention that share one
// checkpoint. Flow parameters live under "flows.", attention parameters under
// "attention.".
type decoder struct {
	Stack     *flow.Stack
	Attention *attention.ConvAttention
}

func (d *decoder) Params() map[string]*tensor.Tensor {
	p := make(map[string]*tensor.Tensor)
	nn.Prefixed(p, "", d.Stack)
	nn.Prefixed(p, "attention", d.Attention)

	return p
}

func (d *decoder) BufferNames() []string { return nn.PrefixedBuffers(nil, "", d.Stack) }

func (d *decoder) Invalidate() { d.Stack.Invalidate() }

func buildDecoder(cfg config.Config, rng *rand.Rand) (*decoder, error) {
	stack, err := flow.NewStack(cfg.Model.StackConfig(slog.Default()), rng)
	if err != nil {
		return nil, fmt.Errorf("build flow stack: %w", err)
	}

	att, err := attention.New(cfg.AttentionLayerConfig(), rng)
	if err != nil {
		return nil, fmt.Errorf("build attention: %w", err)
	}

	return &decoder{Stack: stack, Attention: att}, nil
}

// loadDecoder builds the configured decoder and fills it from path.
func loadDecoder(cfg config.Config, path string) (*decoder, error) {
	d, err := buildDecoder(cfg, newRNG(cfg.Runtime.Seed))
	if err != nil {
		return nil, err
	}

	vb, err := checkpoint.OpenVarBuilder(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer vb.Store().Close()

	checkMetadata(vb.Store().Metadata(), cfg)

	if err := checkpoint.Load(vb, d); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	if unused := checkpoint.Unused(vb, d); len(unused) > 0 {
		slog.Debug("checkpoint tensors not used by the decoder", "count", len(unused), "first", unused[0])
	}

	return d, nil
}

func decoderMetadata(cfg config.Config) map[string]string {
	m := cfg.Model

	return map[string]string{
		"format":             checkpointFormat,
		"n_mel_channels":     strconv.FormatInt(m.MelChannels, 10),
		"n_context_channels": strconv.FormatInt(m.ContextChannels, 10),
		"n_flows":            strconv.Itoa(m.Flows),
		"invconv":            m.InvConv,
		"coupling":           m.Coupling,
	}
}

// checkMetadata warns when a checkpoint was written for a different
// configuration. Checkpoints without metadata are accepted silently.
func checkMetadata(meta map[string]string, cfg config.Config) {
	if len(meta) == 0 {
		return
	}

	want := decoderMetadata(cfg)
	for _, key := range slices.Sorted(maps.Keys(want)) {
		got, ok := meta[key]
		if ok && got != want[key] {
			slog.Warn("checkpoint metadata differs from configuration", "key", key, "checkpoint", got, "config", want[key])
		}
	}
}

func readTensors(path string) (map[string]*tensor.Tensor, error) {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	all, err := store.ReadAll()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*tensor.Tensor, len(all))
	for name, st := range all {
		t, err := tensor.New(st.Data, st.Shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}

		out[name] = t
	}

	return out, nil
}

func writeTensors(path string, tensors map[string]*tensor.Tensor, meta map[string]string) error {
	list := make([]safetensors.Tensor, 0, len(tensors))
	for _, name := range slices.Sorted(maps.Keys(tensors)) {
		t := tensors[name]
		list = append(list, safetensors.Tensor{Name: name, Shape: t.Shape(), Data: t.Data()})
	}

	return safetensors.WriteFile(path, list, safetensors.EncodeOptions{Metadata: meta})
}

func requireTensor(tensors map[string]*tensor.Tensor, name string, rank int) (*tensor.Tensor, error) {
	t, ok := tensors[name]
	if !ok {
		return nil, fmt.Errorf("input has no tensor %q", name)
	}

	if t.Rank() != rank {
		return nil, fmt.Errorf("tensor %q has shape %v, want rank %d", name, t.Shape(), rank)
	}

	return t, nil
}

func randomNormal(rng *rand.Rand, shape ...int64) (*tensor.Tensor, error) {
	t, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	d := t.RawData()
	for i := range d {
		d[i] = float32(rng.NormFloat64())
	}

	return t, nil
}

// lengthsOrNil validates user supplied lengths; an empty list means every
// frame is valid.
func lengthsOrNil(lens []int, batch, width int64) ([]int, error) {
	if len(lens) == 0 {
		return nil, nil
	}

	if err := ops.ValidateLengths(lens, batch, width); err != nil {
		return nil, err
	}

	return lens, nil
}
