package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

// newFlagBinder creates a FlagSet with all config flags registered at their defaults.
func newFlagBinder(defaults Config) *fakeBinder {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	return &fakeBinder{fs: fs}
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.Checkpoint != "models/radtts_decoder.safetensors" {
		t.Errorf("Checkpoint = %q; want %q", cfg.Paths.Checkpoint, "models/radtts_decoder.safetensors")
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want info", cfg.LogLevel)
	}

	if cfg.Model.MelChannels != 80 || cfg.Model.ContextChannels != 512 {
		t.Errorf("Model channels = %d/%d; want 80/512", cfg.Model.MelChannels, cfg.Model.ContextChannels)
	}

	if cfg.Model.InvConv != "lu" || cfg.Model.Coupling != "affine" {
		t.Errorf("Model kinds = %q/%q; want lu/affine", cfg.Model.InvConv, cfg.Model.Coupling)
	}

	if cfg.Model.Spline.Bins != 8 || cfg.Model.Spline.Left != -4 || cfg.Model.Spline.Right != 4 {
		t.Errorf("Spline = %+v; want 8 bins on [-4, 4]", cfg.Model.Spline)
	}

	if ar := cfg.Model.SplineAR; ar.Left != -6 || ar.Top != 6 || ar.KernelSize != 1 {
		t.Errorf("SplineAR = %+v; want [-6, 6] with kernel 1", ar)
	}

	if cfg.Attention.Temperature != 0.0005 {
		t.Errorf("Attention.Temperature = %v; want 0.0005", cfg.Attention.Temperature)
	}
}

func TestModelConfig_StackConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.MelChannels = 8
	cfg.Model.ContextChannels = 4
	cfg.Model.Coupling = "spline"

	sc := cfg.Model.StackConfig(nil)

	if sc.Channels != 8 || sc.ContextChannels != 4 {
		t.Errorf("stack channels = %d/%d; want 8/4", sc.Channels, sc.ContextChannels)
	}

	if sc.Affine.Channels != 8 || sc.Spline.ContextChannels != 4 {
		t.Errorf("coupling channels not propagated: affine=%d spline ctx=%d", sc.Affine.Channels, sc.Spline.ContextChannels)
	}

	if sc.Coupling != "spline" || sc.Spline.Bins != 8 {
		t.Errorf("stack = %+v", sc)
	}

	if sc.SplineAR.Left != -6 || sc.SplineAR.Right != 6 || sc.SplineAR.Channels != 8 {
		t.Errorf("SplineAR = %+v; want 8 channels on [-6, 6]", sc.SplineAR)
	}

	att := cfg.AttentionLayerConfig()
	if att.MelChannels != 8 || att.TextChannels != 512 {
		t.Errorf("attention config = %+v", att)
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	cases := []struct {
		flag string
		want string
	}{
		{"checkpoint", defaults.Paths.Checkpoint},
		{"log-level", "info"},
		{"workers", "4"},
		{"flows", "8"},
		{"coupling", "affine"},
		{"invconv", "lu"},
		{"set", "[]"},
	}

	for _, c := range cases {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}

	for name := range flagKeys {
		if fs.Lookup(name) == nil {
			t.Errorf("flagKeys entry %q has no registered flag", name)
		}
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	defaults := DefaultConfig()
	binder := newFlagBinder(defaults)

	cfg, err := Load(LoadOptions{
		Cmd:      binder,
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if diff := cmp.Diff(defaults, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	err := fs.Parse([]string{
		"--coupling=spline_ar",
		"--workers=8",
		"--log-level=debug",
		"--sigma=0.5",
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, err := Load(LoadOptions{
		Cmd:      &fakeBinder{fs: fs},
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Model.Coupling != "spline_ar" {
		t.Errorf("Model.Coupling = %q; want %q", cfg.Model.Coupling, "spline_ar")
	}

	if cfg.Runtime.Workers != 8 {
		t.Errorf("Runtime.Workers = %d; want 8", cfg.Runtime.Workers)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}

	if cfg.Model.Sigma != 0.5 {
		t.Errorf("Model.Sigma = %v; want 0.5", cfg.Model.Sigma)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("RADTTS_LOG_LEVEL", "warn")
	t.Setenv("RADTTS_MODEL_N_FLOWS", "3")
	t.Setenv("RADTTS_PATHS_CHECKPOINT", "/tmp/decoder.safetensors")

	cfg, err := Load(LoadOptions{
		Defaults: DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "warn")
	}

	if cfg.Model.Flows != 3 {
		t.Errorf("Model.Flows = %d; want 3", cfg.Model.Flows)
	}

	if cfg.Paths.Checkpoint != "/tmp/decoder.safetensors" {
		t.Errorf("Paths.Checkpoint = %q", cfg.Paths.Checkpoint)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "radtts.yaml")

	content := `
log_level: error
runtime:
  workers: 16
model:
  coupling: spline
  spline:
    n_bins: 12
    quadratic: true
attention:
  temperature: 0.001
`

	err := os.WriteFile(cfgFile, []byte(content), 0o644)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Bound but unchanged flags must not shadow file values.
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd:        newFlagBinder(defaults),
		ConfigFile: cfgFile,
		Defaults:   defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "error")
	}

	if cfg.Runtime.Workers != 16 {
		t.Errorf("Runtime.Workers = %d; want 16", cfg.Runtime.Workers)
	}

	if cfg.Model.Coupling != "spline" {
		t.Errorf("Model.Coupling = %q; want spline", cfg.Model.Coupling)
	}

	if cfg.Model.Spline.Bins != 12 || !cfg.Model.Spline.Quadratic {
		t.Errorf("Model.Spline = %+v; want 12 quadratic bins", cfg.Model.Spline)
	}

	if cfg.Model.Spline.Left != -4 {
		t.Errorf("Model.Spline.Left = %v; want default -4", cfg.Model.Spline.Left)
	}

	if cfg.Attention.Temperature != 0.001 {
		t.Errorf("Attention.Temperature = %v; want 0.001", cfg.Attention.Temperature)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "bad.yaml")
	// Write invalid YAML
	err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o644)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err = Load(LoadOptions{
		ConfigFile: cfgFile,
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/radtts.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}

func TestLoad_Overrides(t *testing.T) {
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Defaults: defaults,
		Overrides: []string{
			"model.affine.n_layers=2",
			"model.affine.scaling=[tanh]",
			"model.spline.right=6.5",
			"model.spline_ar.n_bins=4",
			"model.no_such_key=1",
		},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Model.Affine.Layers != 2 {
		t.Errorf("Affine.Layers = %d; want 2", cfg.Model.Affine.Layers)
	}

	if diff := cmp.Diff([]string{"tanh"}, cfg.Model.Affine.Scaling); diff != "" {
		t.Errorf("Affine.Scaling mismatch (-want +got):\n%s", diff)
	}

	if cfg.Model.Spline.Right != 6.5 {
		t.Errorf("Spline.Right = %v; want 6.5", cfg.Model.Spline.Right)
	}

	if cfg.Model.SplineAR.Bins != 4 || cfg.Model.Spline.Bins != 8 || cfg.Model.SplineAR.Right != 6 {
		t.Errorf("spline_ar override leaked: SplineAR=%+v Spline.Bins=%d", cfg.Model.SplineAR, cfg.Model.Spline.Bins)
	}

	if cfg.Paths.Checkpoint != defaults.Paths.Checkpoint {
		t.Errorf("untouched key changed: Checkpoint = %q", cfg.Paths.Checkpoint)
	}
}

func TestLoad_SetFlag(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	if err := fs.Parse([]string{"--set", "model.n_flows=2", "--set", "runtime.workers=1"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, err := Load(LoadOptions{Cmd: &fakeBinder{fs: fs}, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Model.Flows != 2 || cfg.Runtime.Workers != 1 {
		t.Errorf("Flows/Workers = %d/%d; want 2/1", cfg.Model.Flows, cfg.Runtime.Workers)
	}
}

func TestLoad_NilCmd(t *testing.T) {
	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Model.Flows != 8 {
		t.Errorf("Model.Flows = %d; want 8", cfg.Model.Flows)
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "info", "warn", "warning", "error", "DEBUG"} {
		if _, err := ParseLogLevel(s); err != nil {
			t.Errorf("ParseLogLevel(%q) error = %v", s, err)
		}
	}

	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("ParseLogLevel(loud) = nil error; want error")
	}
}
