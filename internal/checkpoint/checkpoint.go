package checkpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-radtts/internal/nn"
	"github.com/example/go-radtts/internal/safetensors"
)

// ErrMissingParams is returned by Load when the checkpoint lacks parameters
// the module declares.
var ErrMissingParams = errors.New("checkpoint: missing parameters")

// Load copies every parameter of m from vb, checking shapes, then lets the
// module drop cached derived values.
func Load(vb *VarBuilder, m nn.Module) error {
	params := m.Params()

	var missing []string

	for _, name := range nn.SortedNames(m) {
		if !vb.Has(name) {
			missing = append(missing, vb.resolve(name))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %d absent, first %q", ErrMissingParams, len(missing), missing[0])
	}

	for _, name := range nn.SortedNames(m) {
		dst := params[name]

		src, err := vb.Tensor(name, dst.Shape()...)
		if err != nil {
			return err
		}

		copy(dst.RawData(), src.RawData())
	}

	if inv, ok := m.(nn.Invalidator); ok {
		inv.Invalidate()
	}

	return nil
}

// Unused returns the stored tensor names under vb's prefix that m does not
// consume, after weight-norm folding.
func Unused(vb *VarBuilder, m nn.Module) []string {
	want := make(map[string]bool)
	for name := range m.Params() {
		full := vb.resolve(name)
		want[full] = true

		g, v := weightNormNames(full)
		for i := range g {
			want[g[i]] = true
			want[v[i]] = true
		}
	}

	var out []string

	for _, name := range vb.store.Names() {
		if vb.prefix != "" && !hasPathPrefix(name, vb.prefix) {
			continue
		}

		if !want[name] {
			out = append(out, name)
		}
	}

	return out
}

// Collect snapshots the parameters of m as safetensors tensors under prefix,
// in name order.
func Collect(prefix string, m nn.Module) []safetensors.Tensor {
	params := m.Params()
	out := make([]safetensors.Tensor, 0, len(params))

	for _, name := range nn.SortedNames(m) {
		t := params[name]

		full := name
		if prefix != "" {
			full = prefix + "." + name
		}

		out = append(out, safetensors.Tensor{Name: full, Shape: t.Shape(), Data: t.Data()})
	}

	return out
}

// Save writes the parameters of m to path.
func Save(path string, m nn.Module, opts safetensors.EncodeOptions) error {
	return safetensors.WriteFile(path, Collect("", m), opts)
}

func hasPathPrefix(name, prefix string) bool {
	return name == prefix || strings.HasPrefix(name, prefix+".")
}
