package config

import (
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

// Override applies dotted key=value assignments to a nested settings map.
// Values are parsed as YAML literals (numbers, booleans, sequences, maps;
// "None" and "null" become nil); values that do not parse are kept as the raw
// string. The first key segment selects a nested map and the rest of the key
// is applied inside it. Only keys that already exist are overwritten.
// Unknown keys and malformed params are logged and skipped.
func Override(cfg map[string]any, params []string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, param := range params {
		key, raw, ok := strings.Cut(param, "=")
		if !ok {
			logger.Warn("config override ignored: want key=value", "param", param)
			continue
		}

		overrideKey(cfg, key, parseLiteral(raw, logger), logger)
	}
}

func overrideKey(cfg map[string]any, key string, value any, logger *slog.Logger) {
	head, rest, nested := strings.Cut(key, ".")
	if !nested {
		if _, ok := cfg[key]; !ok {
			logger.Warn("config param not updated", "key", key, "value", value)
			return
		}

		logger.Info("overriding config param", "key", key, "value", value)
		cfg[key] = value

		return
	}

	child, ok := cfg[head].(map[string]any)
	if !ok {
		logger.Warn("config param not updated", "key", key, "value", value)
		return
	}

	overrideKey(child, rest, value, logger)
}

func parseLiteral(raw string, logger *slog.Logger) any {
	if raw == "None" {
		return nil
	}

	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		logger.Debug("config override kept as string", "value", raw, "error", err)
		return raw
	}

	// An empty document decodes to nil; keep the empty string instead.
	if v == nil && strings.TrimSpace(raw) != "null" && strings.TrimSpace(raw) != "~" {
		return raw
	}

	return v
}
