// Package config loads the unified YAML configuration: runtime knobs plus
// the machine redaction rules.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gantryproj/gantry/pkg/model"
)

// Config is the full on-disk configuration.
type Config struct {
	// Profile names the privacy profile applied by external analyzers.
	Profile string `yaml:"profile"`

	// Workers is the worker-pool width for ingest and redaction.
	// Zero picks the runtime default.
	Workers int `yaml:"workers"`

	// BatchSize is records per ingest batch commit.
	BatchSize int `yaml:"batch_size"`

	// AuditQueueCapacity bounds the async audit queue.
	AuditQueueCapacity int `yaml:"audit_queue_capacity"`

	// Codec selects sidecar frame compression: "zlib" or "raw".
	Codec string `yaml:"codec"`

	// MachineRules maps device serial numbers to redaction zones.
	MachineRules []model.MachineRule `yaml:"machine_rules"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Profile: "standard",
		Codec:   string(model.CodecZlib),
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML config bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	switch model.Codec(c.Codec) {
	case model.CodecRaw, model.CodecZlib:
	case "":
		c.Codec = string(model.CodecZlib)
	default:
		return fmt.Errorf("config: unknown codec %q", c.Codec)
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must be >= 0")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("config: batch_size must be >= 0")
	}
	if c.AuditQueueCapacity < 0 {
		return fmt.Errorf("config: audit_queue_capacity must be >= 0")
	}

	seen := make(map[string]bool, len(c.MachineRules))
	for i, r := range c.MachineRules {
		if r.SerialNumber == "" {
			return fmt.Errorf("config: machine rule %d missing serial_number", i)
		}
		if seen[r.SerialNumber] {
			return fmt.Errorf("config: duplicate machine rule for serial %q", r.SerialNumber)
		}
		seen[r.SerialNumber] = true
		for j, z := range r.Zones {
			if z.RowEnd <= z.RowStart || z.ColEnd <= z.ColStart {
				return fmt.Errorf("config: rule %q zone %d is empty", r.SerialNumber, j)
			}
			if z.RowStart < 0 || z.ColStart < 0 {
				return fmt.Errorf("config: rule %q zone %d has negative bounds", r.SerialNumber, j)
			}
		}
	}
	return nil
}
