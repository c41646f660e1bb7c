package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values, for containerized runs
// where the YAML is baked into the image but endpoints differ per cluster.
const (
	EnvListenAddr   = "MARKETCORE_LISTEN_ADDR"
	EnvOTLPEndpoint = "MARKETCORE_OTLP_ENDPOINT"
)

// LoadFile reads, parses and validates a YAML simulation config.
func LoadFile(path string) (*SimConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	c := SimConfigFromMap(raw)
	applyEnvOverrides(c)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Load returns the config from the first path that exists, or defaults when
// none does. Environment overrides apply either way.
func Load(paths ...string) (*SimConfig, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return LoadFile(path)
	}

	c := DefaultSimConfig()
	applyEnvOverrides(c)
	return c, nil
}

func applyEnvOverrides(c *SimConfig) {
	if addr := os.Getenv(EnvListenAddr); addr != "" {
		c.ListenAddr = addr
	}
	if endpoint := os.Getenv(EnvOTLPEndpoint); endpoint != "" {
		c.OTLPEndpoint = endpoint
	}
}
