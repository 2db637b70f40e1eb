package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newCaptureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer

	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestOverride_NestedKeys(t *testing.T) {
	cfg := map[string]any{
		"model": map[string]any{
			"n_flows": 8,
			"affine": map[string]any{
				"n_layers": 4,
				"scaling":  []any{"exp"},
			},
		},
		"seed": 1234,
		"name": "decoder",
	}

	logger, _ := newCaptureLogger()
	Override(cfg, []string{
		"model.n_flows=2",
		"model.affine.scaling=[tanh, sigmoid]",
		"seed=None",
		"name=my decoder",
	}, logger)

	want := map[string]any{
		"model": map[string]any{
			"n_flows": 2,
			"affine": map[string]any{
				"n_layers": 4,
				"scaling":  []any{"tanh", "sigmoid"},
			},
		},
		"seed": nil,
		"name": "my decoder",
	}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Override mismatch (-want +got):\n%s", diff)
	}
}

func TestOverride_LiteralTypes(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{"4", 4},
		{"-1.5", -1.5},
		{"1e-3", 0.001},
		{"true", true},
		{"True", true},
		{"None", nil},
		{"null", nil},
		{"{a: 1}", map[string]any{"a": 1}},
		{"hello", "hello"},
		{"", ""},
		{"[unclosed", "[unclosed"},
	}

	for _, c := range cases {
		cfg := map[string]any{"k": "old"}
		Override(cfg, []string{"k=" + c.raw}, slog.New(slog.DiscardHandler))

		if diff := cmp.Diff(c.want, cfg["k"]); diff != "" {
			t.Errorf("Override(k=%s) mismatch (-want +got):\n%s", c.raw, diff)
		}
	}
}

func TestOverride_UnknownKeysAreSkipped(t *testing.T) {
	cfg := map[string]any{
		"model": map[string]any{"n_flows": 8},
		"leaf":  3,
	}

	logger, buf := newCaptureLogger()
	Override(cfg, []string{
		"missing=1",
		"model.missing=1",
		"nowhere.n_flows=1",
		"leaf.child=1",
		"no-equals-sign",
	}, logger)

	want := map[string]any{
		"model": map[string]any{"n_flows": 8},
		"leaf":  3,
	}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config changed (-want +got):\n%s", diff)
	}

	out := buf.String()
	if got := strings.Count(out, "config param not updated"); got != 4 {
		t.Errorf("logged %d not-updated warnings; want 4\n%s", got, out)
	}

	if !strings.Contains(out, "want key=value") {
		t.Errorf("missing malformed-param warning in log:\n%s", out)
	}
}

func TestOverride_ValueWithEquals(t *testing.T) {
	cfg := map[string]any{"expr": ""}
	Override(cfg, []string{"expr=a=b"}, slog.New(slog.DiscardHandler))

	if cfg["expr"] != "a=b" {
		t.Errorf("expr = %v; want a=b", cfg["expr"])
	}
}
