// Package checkpoint maps named layer parameters to safetensors files.
package checkpoint

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/example/go-radtts/internal/runtime/tensor"
	"github.com/example/go-radtts/internal/safetensors"
)

// VarBuilder provides hierarchical tensor lookup over a safetensors store.
// Weight-normalised parameters (name_g/name_v or
// parametrizations.name.original0/original1) are folded into a plain tensor
// when the plain name is absent.
type VarBuilder struct {
	store  *safetensors.Store
	prefix string
}

// OpenVarBuilder opens path and strips the "module." prefix that
// data-parallel training wrappers add to every name.
func OpenVarBuilder(path string) (*VarBuilder, error) {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{
		KeyMapper: safetensors.StripPrefix("module."),
	})
	if err != nil {
		return nil, err
	}

	return &VarBuilder{store: store}, nil
}

func NewVarBuilder(store *safetensors.Store) *VarBuilder {
	return &VarBuilder{store: store}
}

// Store returns the underlying store.
func (vb *VarBuilder) Store() *safetensors.Store {
	if vb == nil {
		return nil
	}

	return vb.store
}

func (vb *VarBuilder) Path(parts ...string) *VarBuilder {
	if vb == nil {
		return nil
	}

	prefix := vb.prefix

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
	}

	return &VarBuilder{store: vb.store, prefix: prefix}
}

// Has reports whether name resolves to a stored or foldable tensor.
func (vb *VarBuilder) Has(name string) bool {
	if vb == nil || vb.store == nil {
		return false
	}

	full := vb.resolve(name)
	if vb.store.Has(full) {
		return true
	}

	g, v := weightNormNames(full)
	for i := range g {
		if vb.store.Has(g[i]) && vb.store.Has(v[i]) {
			return true
		}
	}

	return false
}

func (vb *VarBuilder) Tensor(name string, wantShape ...int64) (*tensor.Tensor, error) {
	if vb == nil || vb.store == nil {
		return nil, errors.New("checkpoint: uninitialized store")
	}

	full := vb.resolve(name)

	st, err := vb.lookup(full)
	if err != nil {
		return nil, err
	}

	if len(wantShape) > 0 && !slices.Equal(st.Shape, wantShape) {
		return nil, fmt.Errorf("checkpoint: tensor %q shape %v does not match expected %v", full, st.Shape, wantShape)
	}

	t, err := tensor.New(st.Data, st.Shape)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: tensor %q: %w", full, err)
	}

	return t, nil
}

func (vb *VarBuilder) TensorMaybe(name string, wantShape ...int64) (*tensor.Tensor, bool, error) {
	if !vb.Has(name) {
		return nil, false, nil
	}

	t, err := vb.Tensor(name, wantShape...)
	if err != nil {
		return nil, true, err
	}

	return t, true, nil
}

func (vb *VarBuilder) lookup(full string) (*safetensors.Tensor, error) {
	if vb.store.Has(full) {
		return vb.store.Tensor(full)
	}

	gNames, vNames := weightNormNames(full)
	for i := range gNames {
		if !vb.store.Has(gNames[i]) || !vb.store.Has(vNames[i]) {
			continue
		}

		g, err := vb.store.Tensor(gNames[i])
		if err != nil {
			return nil, err
		}

		v, err := vb.store.Tensor(vNames[i])
		if err != nil {
			return nil, err
		}

		return foldWeightNorm(full, g, v)
	}

	// Report the plain name so the error lists what is available.
	return vb.store.Tensor(full)
}

func (vb *VarBuilder) resolve(name string) string {
	name = strings.TrimSpace(name)
	if vb == nil || vb.prefix == "" {
		return name
	}

	if name == "" {
		return vb.prefix
	}

	return vb.prefix + "." + name
}

// weightNormNames lists the (g, v) name pairs a weight-normalised full name
// may be stored under.
func weightNormNames(full string) (g, v []string) {
	parent, leaf := "", full
	if i := strings.LastIndexByte(full, '.'); i >= 0 {
		parent, leaf = full[:i+1], full[i+1:]
	}

	g = []string{full + "_g", parent + "parametrizations." + leaf + ".original0"}
	v = []string{full + "_v", parent + "parametrizations." + leaf + ".original1"}

	return g, v
}

// foldWeightNorm computes w = g * v / ||v|| with the norm taken over every
// dimension except the first.
func foldWeightNorm(name string, g, v *safetensors.Tensor) (*safetensors.Tensor, error) {
	if len(v.Shape) == 0 || v.Shape[0] == 0 {
		return nil, fmt.Errorf("checkpoint: weight-norm %q has empty direction %v", name, v.Shape)
	}

	rows := int(v.Shape[0])
	if len(g.Data) != rows {
		return nil, fmt.Errorf("checkpoint: weight-norm %q magnitude has %d values for %d rows", name, len(g.Data), rows)
	}

	per := len(v.Data) / rows
	out := make([]float32, len(v.Data))

	for r := range rows {
		row := v.Data[r*per : (r+1)*per]

		var ss float64
		for _, x := range row {
			ss += float64(x) * float64(x)
		}

		scale := float64(g.Data[r]) / math.Sqrt(ss)
		if ss == 0 {
			scale = 0
		}

		for i, x := range row {
			out[r*per+i] = float32(float64(x) * scale)
		}
	}

	return &safetensors.Tensor{Name: name, Shape: slices.Clone(v.Shape), Data: out}, nil
}
