package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/go-radtts/internal/attention"
	"github.com/example/go-radtts/internal/flow"
)

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Model     ModelConfig     `mapstructure:"model"`
	Attention AttentionConfig `mapstructure:"attention"`
}

type PathsConfig struct {
	Checkpoint string `mapstructure:"checkpoint"`
}

type RuntimeConfig struct {
	Workers     int    `mapstructure:"workers"`
	ConvWorkers int    `mapstructure:"conv_workers"`
	Seed        uint64 `mapstructure:"seed"`
}

// ModelConfig holds the decoder flow hyper-parameters.
type ModelConfig struct {
	MelChannels     int64        `mapstructure:"n_mel_channels"`
	ContextChannels int64        `mapstructure:"n_context_channels"`
	Flows           int          `mapstructure:"n_flows"`
	InvConv         string       `mapstructure:"invconv"`
	Coupling        string       `mapstructure:"coupling"`
	CacheInverse    bool         `mapstructure:"cache_inverse"`
	Sigma           float64      `mapstructure:"sigma"`
	Affine          AffineConfig `mapstructure:"affine"`
	Spline          SplineConfig `mapstructure:"spline"`
	SplineAR        SplineConfig `mapstructure:"spline_ar"`
}

type AffineConfig struct {
	Layers         int      `mapstructure:"n_layers"`
	Model          string   `mapstructure:"model"`
	WithDilation   bool     `mapstructure:"with_dilation"`
	KernelSize     int64    `mapstructure:"kernel_size"`
	Scaling        []string `mapstructure:"scaling"`
	Activation     string   `mapstructure:"activation"`
	HiddenChannels int64    `mapstructure:"hidden_channels"`
	PartialPadding bool     `mapstructure:"partial_padding"`
}

type SplineConfig struct {
	Bins         int     `mapstructure:"n_bins"`
	Layers       int     `mapstructure:"n_layers"`
	KernelSize   int64   `mapstructure:"kernel_size"`
	WithDilation bool    `mapstructure:"with_dilation"`
	Left         float64 `mapstructure:"left"`
	Right        float64 `mapstructure:"right"`
	Bottom       float64 `mapstructure:"bottom"`
	Top          float64 `mapstructure:"top"`
	Quadratic    bool    `mapstructure:"quadratic"`
}

type AttentionConfig struct {
	TextChannels int64   `mapstructure:"n_text_channels"`
	AttChannels  int64   `mapstructure:"n_att_channels"`
	Temperature  float64 `mapstructure:"temperature"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
	// Overrides are dotted key=value assignments applied after every other
	// source, see Override.
	Overrides []string
	Logger    *slog.Logger
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	stack := flow.DefaultStackConfig(80, 512)
	att := attention.DefaultConfig()

	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			Checkpoint: "models/radtts_decoder.safetensors",
		},
		Runtime: RuntimeConfig{
			Workers:     4,
			ConvWorkers: 4,
			Seed:        1234,
		},
		Model: ModelConfig{
			MelChannels:     stack.Channels,
			ContextChannels: stack.ContextChannels,
			Flows:           stack.Steps,
			InvConv:         stack.InvConv,
			Coupling:        stack.Coupling,
			CacheInverse:    true,
			Sigma:           1,
			Affine: AffineConfig{
				Layers:         stack.Affine.Layers,
				Model:          stack.Affine.Model,
				WithDilation:   stack.Affine.WithDilation,
				KernelSize:     stack.Affine.KernelSize,
				Scaling:        stack.Affine.Scaling,
				Activation:     stack.Affine.Activation,
				HiddenChannels: stack.Affine.HiddenChannels,
			},
			Spline:   splineSection(stack.Spline),
			SplineAR: splineSection(stack.SplineAR),
		},
		Attention: AttentionConfig{
			TextChannels: att.TextChannels,
			AttChannels:  att.AttChannels,
			Temperature:  att.Temperature,
		},
	}
}

// flagKeys maps command line flags to their configuration keys.
var flagKeys = map[string]string{
	"log-level":        "log_level",
	"checkpoint":       "paths.checkpoint",
	"workers":          "runtime.workers",
	"conv-workers":     "runtime.conv_workers",
	"seed":             "runtime.seed",
	"mel-channels":     "model.n_mel_channels",
	"context-channels": "model.n_context_channels",
	"flows":            "model.n_flows",
	"invconv":          "model.invconv",
	"coupling":         "model.coupling",
	"sigma":            "model.sigma",
	"temperature":      "attention.temperature",
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("checkpoint", defaults.Paths.Checkpoint, "Path to the decoder .safetensors checkpoint")
	fs.Int("workers", defaults.Runtime.Workers, "Parallel workers for tensor kernels")
	fs.Int("conv-workers", defaults.Runtime.ConvWorkers, "Parallel workers for convolutions")
	fs.Uint64("seed", defaults.Runtime.Seed, "Random seed for initialisation and sampling")
	fs.Int64("mel-channels", defaults.Model.MelChannels, "Latent (mel) channel count")
	fs.Int64("context-channels", defaults.Model.ContextChannels, "Conditioning channel count")
	fs.Int("flows", defaults.Model.Flows, "Number of (1x1 conv, coupling) steps")
	fs.String("invconv", defaults.Model.InvConv, "1x1 convolution kind (lu|plain)")
	fs.String("coupling", defaults.Model.Coupling, "Coupling kind (affine|spline|spline_ar)")
	fs.Float64("sigma", defaults.Model.Sigma, "Standard deviation of the latent prior")
	fs.Float64("temperature", defaults.Attention.Temperature, "Attention distance temperature")
	fs.StringArray("set", nil, "Override a configuration key, e.g. --set model.affine.n_layers=2")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	overrides := opts.Overrides
	if opts.Cmd != nil {
		fs := opts.Cmd.Flags()
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}

		if set, err := fs.GetStringArray("set"); err == nil {
			overrides = append(set, overrides...)
		}
	}

	v.SetEnvPrefix("RADTTS")
	replacer := strings.NewReplacer("-", "_", ".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("radtts")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	if len(overrides) > 0 {
		settings := v.AllSettings()
		Override(settings, overrides, opts.Logger)

		merged := viper.New()
		if err := merged.MergeConfigMap(settings); err != nil {
			return Config{}, fmt.Errorf("merge overrides: %w", err)
		}
		v = merged
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.checkpoint", c.Paths.Checkpoint)
	v.SetDefault("runtime.workers", c.Runtime.Workers)
	v.SetDefault("runtime.conv_workers", c.Runtime.ConvWorkers)
	v.SetDefault("runtime.seed", c.Runtime.Seed)

	m := c.Model
	v.SetDefault("model.n_mel_channels", m.MelChannels)
	v.SetDefault("model.n_context_channels", m.ContextChannels)
	v.SetDefault("model.n_flows", m.Flows)
	v.SetDefault("model.invconv", m.InvConv)
	v.SetDefault("model.coupling", m.Coupling)
	v.SetDefault("model.cache_inverse", m.CacheInverse)
	v.SetDefault("model.sigma", m.Sigma)
	v.SetDefault("model.affine.n_layers", m.Affine.Layers)
	v.SetDefault("model.affine.model", m.Affine.Model)
	v.SetDefault("model.affine.with_dilation", m.Affine.WithDilation)
	v.SetDefault("model.affine.kernel_size", m.Affine.KernelSize)
	v.SetDefault("model.affine.scaling", m.Affine.Scaling)
	v.SetDefault("model.affine.activation", m.Affine.Activation)
	v.SetDefault("model.affine.hidden_channels", m.Affine.HiddenChannels)
	v.SetDefault("model.affine.partial_padding", m.Affine.PartialPadding)
	setSplineDefaults(v, "model.spline", m.Spline)
	setSplineDefaults(v, "model.spline_ar", m.SplineAR)

	v.SetDefault("attention.n_text_channels", c.Attention.TextChannels)
	v.SetDefault("attention.n_att_channels", c.Attention.AttChannels)
	v.SetDefault("attention.temperature", c.Attention.Temperature)
}

func setSplineDefaults(v *viper.Viper, key string, s SplineConfig) {
	v.SetDefault(key+".n_bins", s.Bins)
	v.SetDefault(key+".n_layers", s.Layers)
	v.SetDefault(key+".kernel_size", s.KernelSize)
	v.SetDefault(key+".with_dilation", s.WithDilation)
	v.SetDefault(key+".left", s.Left)
	v.SetDefault(key+".right", s.Right)
	v.SetDefault(key+".bottom", s.Bottom)
	v.SetDefault(key+".top", s.Top)
	v.SetDefault(key+".quadratic", s.Quadratic)
}

func splineSection(s flow.SplineConfig) SplineConfig {
	return SplineConfig{
		Bins:         s.Bins,
		Layers:       s.Layers,
		KernelSize:   s.KernelSize,
		WithDilation: s.WithDilation,
		Left:         s.Left,
		Right:        s.Right,
		Bottom:       s.Bottom,
		Top:          s.Top,
		Quadratic:    s.Quadratic,
	}
}

// ParseLogLevel maps a level name to a slog.Level. Unknown names return
// LevelInfo together with an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// StackConfig converts the model section into a flow stack configuration.
func (m ModelConfig) StackConfig(logger *slog.Logger) flow.StackConfig {
	return flow.StackConfig{
		Channels:        m.MelChannels,
		ContextChannels: m.ContextChannels,
		Steps:           m.Flows,
		InvConv:         m.InvConv,
		Coupling:        m.Coupling,
		CacheInverse:    m.CacheInverse,
		Affine: flow.AffineConfig{
			Channels:        m.MelChannels,
			ContextChannels: m.ContextChannels,
			Layers:          m.Affine.Layers,
			Model:           m.Affine.Model,
			WithDilation:    m.Affine.WithDilation,
			KernelSize:      m.Affine.KernelSize,
			Scaling:         m.Affine.Scaling,
			Activation:      m.Affine.Activation,
			HiddenChannels:  m.Affine.HiddenChannels,
			PartialPadding:  m.Affine.PartialPadding,
		},
		Spline:   m.Spline.flowConfig(m, logger),
		SplineAR: m.SplineAR.flowConfig(m, logger),
	}
}

func (s SplineConfig) flowConfig(m ModelConfig, logger *slog.Logger) flow.SplineConfig {
	return flow.SplineConfig{
		Channels:        m.MelChannels,
		ContextChannels: m.ContextChannels,
		Layers:          s.Layers,
		WithDilation:    s.WithDilation,
		KernelSize:      s.KernelSize,
		Bins:            s.Bins,
		Left:            s.Left,
		Right:           s.Right,
		Bottom:          s.Bottom,
		Top:             s.Top,
		Quadratic:       s.Quadratic,
		Logger:          logger,
	}
}

// AttentionLayerConfig converts the attention section, using the model's mel
// channels as the query width.
func (c Config) AttentionLayerConfig() attention.Config {
	return attention.Config{
		MelChannels:  c.Model.MelChannels,
		TextChannels: c.Attention.TextChannels,
		AttChannels:  c.Attention.AttChannels,
		Temperature:  c.Attention.Temperature,
	}
}
