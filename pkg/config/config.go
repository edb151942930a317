// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mbeema/flowstate/pkg/ctxtree"
	"github.com/mbeema/flowstate/pkg/flow"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for flowstate.
type Config struct {
	ServiceName string        `yaml:"service_name" env:"FLOWSTATE_SERVICE_NAME"`
	LogLevel    string        `yaml:"log_level" env:"FLOWSTATE_LOG_LEVEL"`
	Tree        TreeConfig    `yaml:"tree"`
	Capture     CaptureConfig `yaml:"capture"`
	Health      HealthConfig  `yaml:"health"`
}

// TreeConfig controls context lifetimes.
type TreeConfig struct {
	DefaultTTL    time.Duration            `yaml:"default_ttl"`
	SweepInterval time.Duration            `yaml:"sweep_interval"`
	TTL           map[string]time.Duration `yaml:"ttl"` // per kind, e.g. "tcp": 2m
	Workers       int                      `yaml:"workers"`
}

// KindTTLs resolves the per-kind overrides. Unknown kinds are rejected by
// Validate, so they are skipped here.
func (t *TreeConfig) KindTTLs() map[ctxtree.Kind]time.Duration {
	out := make(map[ctxtree.Kind]time.Duration, len(t.TTL))
	for name, d := range t.TTL {
		if k, err := ctxtree.ParseKind(name); err == nil {
			out[k] = d
		}
	}
	return out
}

// CaptureConfig describes the packet source and the acquisition it feeds.
type CaptureConfig struct {
	Enabled bool          `yaml:"enabled"`
	File    string        `yaml:"file"`   // pcap or pcapng
	Format  string        `yaml:"format"` // "auto", "pcap", "pcapng"
	LIID    string        `yaml:"liid"`
	Trigger TriggerConfig `yaml:"trigger"`
}

// TriggerConfig is the address that caused acquisition.
type TriggerConfig struct {
	Family  string `yaml:"family"` // "ipv4" or "ipv6"
	Address string `yaml:"address"`
}

// Raw returns the trigger as a family-tagged byte string. IPv4 triggers are
// 4 bytes and IPv6 triggers 16; an address that does not belong to the
// family yields an empty slice, which the root context ignores.
func (t TriggerConfig) Raw() (flow.Family, []byte, error) {
	fam, err := flow.ParseFamily(t.Family)
	if err != nil {
		return 0, nil, err
	}
	ip := net.ParseIP(strings.TrimSpace(t.Address))
	if ip == nil {
		return fam, nil, nil
	}
	if fam == flow.FamilyIPv4 {
		return fam, ip.To4(), nil
	}
	if ip.To4() != nil {
		return fam, nil, nil
	}
	return fam, ip.To16(), nil
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"FLOWSTATE_HEALTH_PORT"` // e.g. ":8687"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "flowstate",
		LogLevel:    "info",
		Tree: TreeConfig{
			DefaultTTL:    10 * time.Second,
			SweepInterval: time.Second,
			Workers:       4,
		},
		Capture: CaptureConfig{
			Enabled: false,
			Format:  "auto",
			LIID:    "default",
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8687",
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml    → service_name, log_level, health
//   - tree.yaml    → tree
//   - capture.yaml → capture
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "tree.yaml", "capture.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads FLOWSTATE_* environment variables and applies
// them to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"FLOWSTATE_SERVICE_NAME":    func(v string) { c.ServiceName = v },
		"FLOWSTATE_LOG_LEVEL":       func(v string) { c.LogLevel = v },
		"FLOWSTATE_HEALTH_PORT":     func(v string) { c.Health.Port = v },
		"FLOWSTATE_CAPTURE_FILE":    func(v string) { c.Capture.File = v },
		"FLOWSTATE_CAPTURE_LIID":    func(v string) { c.Capture.LIID = v },
		"FLOWSTATE_TRIGGER_ADDRESS": func(v string) { c.Capture.Trigger.Address = v },
	}

	boolOverrides := map[string]*bool{
		"FLOWSTATE_CAPTURE_ENABLED": &c.Capture.Enabled,
		"FLOWSTATE_HEALTH_ENABLED":  &c.Health.Enabled,
	}

	durationOverrides := map[string]*time.Duration{
		"FLOWSTATE_TREE_DEFAULT_TTL":    &c.Tree.DefaultTTL,
		"FLOWSTATE_TREE_SWEEP_INTERVAL": &c.Tree.SweepInterval,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
				*target = d
			}
		}
	}

	if val := os.Getenv("FLOWSTATE_TREE_WORKERS"); val != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			c.Tree.Workers = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Tree.DefaultTTL <= 0 {
		return fmt.Errorf("tree.default_ttl must be positive")
	}
	if c.Tree.SweepInterval < time.Millisecond {
		return fmt.Errorf("tree.sweep_interval must be at least 1ms")
	}
	if c.Tree.Workers <= 0 {
		return fmt.Errorf("tree.workers must be positive")
	}
	for name, d := range c.Tree.TTL {
		k, err := ctxtree.ParseKind(name)
		if err != nil {
			return fmt.Errorf("tree.ttl: %w", err)
		}
		if k == ctxtree.KindRoot {
			return fmt.Errorf("tree.ttl: root contexts are never reaped")
		}
		if d <= 0 {
			return fmt.Errorf("tree.ttl.%s must be positive", name)
		}
	}

	if c.Capture.Enabled {
		if c.Capture.File == "" {
			return fmt.Errorf("capture.file is required when capture is enabled")
		}
		switch c.Capture.Format {
		case "", "auto", "pcap", "pcapng":
		default:
			return fmt.Errorf("capture.format must be 'auto', 'pcap' or 'pcapng'")
		}
		if c.Capture.LIID == "" {
			return fmt.Errorf("capture.liid is required when capture is enabled")
		}
	}
	if c.Capture.Trigger.Family != "" {
		if _, err := flow.ParseFamily(c.Capture.Trigger.Family); err != nil {
			return fmt.Errorf("capture.trigger.family: %w", err)
		}
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}

	return nil
}
