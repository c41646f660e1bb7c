// Package config provides simulation run configuration.
//
// This module contains only knobs relevant to driving a run: round and step
// counts, determinism, protocol toggles and endpoint addresses. Per-agent
// economics (endowments, behaviors) belong to the simulation code itself.
package config

import (
	"fmt"
	"sync"

	"github.com/agorasim-collective/marketcore/marketmsg"
	"github.com/agorasim-collective/marketcore/simengine/typeutil"
)

// RunMode selects how agents are driven within a round.
type RunMode string

const (
	// RunModeSequential drives every agent on a single goroutine.
	RunModeSequential RunMode = "sequential"

	// RunModePartitioned shards agents across workers by identity hash.
	RunModePartitioned RunMode = "partitioned"
)

// Valid reports whether the run mode is a known value.
func (m RunMode) Valid() bool {
	switch m {
	case RunModeSequential, RunModePartitioned:
		return true
	default:
		return false
	}
}

// SimConfig holds the configuration of a simulation run.
type SimConfig struct {
	// Run Shape
	Name    string  `json:"name" yaml:"name"`       // Run name for logging/metrics
	Rounds  int     `json:"rounds" yaml:"rounds"`   // Rounds to run
	Steps   int     `json:"steps" yaml:"steps"`     // Act/deliver/clear steps per round
	Workers int     `json:"workers" yaml:"workers"` // Worker count in partitioned mode
	Mode    RunMode `json:"mode" yaml:"mode"`       // sequential or partitioned

	// Determinism
	Seed int64 `json:"seed" yaml:"seed"` // Base seed for retrieval permutations

	// Protocol Toggles
	TradeLogging   string `json:"trade_logging" yaml:"trade_logging"`     // off, group or individual
	CheckUnmatched bool   `json:"check_unmatched" yaml:"check_unmatched"` // End-of-round audit

	// Observability
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	ListenAddr     string `json:"listen_addr" yaml:"listen_addr"`     // Control server address
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"` // Trace collector; empty disables

	// Logging
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// DefaultSimConfig returns a SimConfig with default values.
func DefaultSimConfig() *SimConfig {
	return &SimConfig{
		Name:    "simulation",
		Rounds:  100,
		Steps:   1,
		Workers: 4,
		Mode:    RunModeSequential,

		Seed: 0,

		TradeLogging:   string(marketmsg.TradeLoggingOff),
		CheckUnmatched: true,

		MetricsEnabled: true,
		ListenAddr:     ":50061",
		OTLPEndpoint:   "",

		LogLevel: "INFO",
	}
}

// SimConfigFromMap creates a SimConfig from a map over defaults.
// Unknown keys are ignored; numbers may arrive as int or float64.
func SimConfigFromMap(config map[string]any) *SimConfig {
	c := DefaultSimConfig()

	c.Name = typeutil.SafeStringDefault(config["name"], c.Name)
	c.Rounds = typeutil.SafeIntDefault(config["rounds"], c.Rounds)
	c.Steps = typeutil.SafeIntDefault(config["steps"], c.Steps)
	c.Workers = typeutil.SafeIntDefault(config["workers"], c.Workers)
	c.Mode = RunMode(typeutil.SafeStringDefault(config["mode"], string(c.Mode)))

	c.Seed = typeutil.SafeInt64Default(config["seed"], c.Seed)

	c.TradeLogging = typeutil.SafeStringDefault(config["trade_logging"], c.TradeLogging)
	c.CheckUnmatched = typeutil.SafeBoolDefault(config["check_unmatched"], c.CheckUnmatched)

	c.MetricsEnabled = typeutil.SafeBoolDefault(config["metrics_enabled"], c.MetricsEnabled)
	c.ListenAddr = typeutil.SafeStringDefault(config["listen_addr"], c.ListenAddr)
	c.OTLPEndpoint = typeutil.SafeStringDefault(config["otlp_endpoint"], c.OTLPEndpoint)

	c.LogLevel = typeutil.SafeStringDefault(config["log_level"], c.LogLevel)

	return c
}

// ToMap converts the config to a map.
func (c *SimConfig) ToMap() map[string]any {
	return map[string]any{
		"name":            c.Name,
		"rounds":          c.Rounds,
		"steps":           c.Steps,
		"workers":         c.Workers,
		"mode":            string(c.Mode),
		"seed":            c.Seed,
		"trade_logging":   c.TradeLogging,
		"check_unmatched": c.CheckUnmatched,
		"metrics_enabled": c.MetricsEnabled,
		"listen_addr":     c.ListenAddr,
		"otlp_endpoint":   c.OTLPEndpoint,
		"log_level":       c.LogLevel,
	}
}

// Validate validates the configuration.
func (c *SimConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("SimConfig.Name is required")
	}
	if c.Rounds < 1 {
		return fmt.Errorf("SimConfig.Rounds must be at least 1, got %d", c.Rounds)
	}
	if c.Steps < 1 {
		return fmt.Errorf("SimConfig.Steps must be at least 1, got %d", c.Steps)
	}
	if c.Workers < 1 {
		return fmt.Errorf("SimConfig.Workers must be at least 1, got %d", c.Workers)
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("SimConfig.Mode must be sequential or partitioned, got %q", c.Mode)
	}
	if !marketmsg.TradeLogging(c.TradeLogging).Valid() {
		return fmt.Errorf("SimConfig.TradeLogging must be off, group or individual, got %q", c.TradeLogging)
	}
	return nil
}

// =============================================================================
// GLOBAL CONFIG (set by the daemon after flag/file parsing)
// =============================================================================

var (
	globalSimConfig *SimConfig
	configMu        sync.RWMutex
)

// GetSimConfig gets the simulation configuration instance.
// Returns the injected config or defaults.
func GetSimConfig() *SimConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalSimConfig == nil {
		return DefaultSimConfig()
	}
	return globalSimConfig
}

// SetSimConfig sets the simulation configuration instance.
func SetSimConfig(config *SimConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalSimConfig = config
}

// ResetSimConfig resets the config to nil (useful for testing).
// After reset, GetSimConfig() will return defaults.
func ResetSimConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalSimConfig = nil
}
