package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mcp-router/mcp-router/internal/domain/routererr"
)

// Load reads, parses, normalizes, defaults, and validates the configuration
// file at path. Unknown keys anywhere in the document are rejected.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a validated Config from raw JSON bytes.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, routererr.Wrap(routererr.KindConfigInvalid, "failed to parse config", err)
	}
	// A second document after the first is as much a mistake as an unknown key.
	if dec.More() {
		return nil, routererr.New(routererr.KindConfigInvalid, "trailing data after config document")
	}

	if err := cfg.Normalize(); err != nil {
		return nil, routererr.Wrap(routererr.KindConfigInvalid, "failed to normalize config", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
