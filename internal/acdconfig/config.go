// Package acdconfig handles TOML configuration parsing and validation
// for the acdprobe daemon.
package acdconfig

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for acdprobe.
type Config struct {
	Log        LogConfig         `toml:"log"`
	Metrics    MetricsConfig     `toml:"metrics"`
	Audit      AuditConfig       `toml:"audit"`
	Interfaces []InterfaceConfig `toml:"interface"`
}

// LogConfig controls the process-wide slog output.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// AuditConfig controls the bbolt-backed event audit trail.
type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"db_path"`
}

// InterfaceConfig configures ACD on one network interface.
type InterfaceConfig struct {
	Name      string          `toml:"name"`
	Addresses []AddressConfig `toml:"address"`
}

// AddressConfig configures a single candidate address to probe.
type AddressConfig struct {
	IP            string `toml:"ip"`
	TimeoutMs     uint64 `toml:"timeout_ms"`
	DefensePolicy string `toml:"defense_policy"` // never, once, always
}

const (
	// DefaultLogLevel is used when log.level is unset.
	DefaultLogLevel = "info"
	// DefaultMetricsListen is used when metrics.listen is unset.
	DefaultMetricsListen = ":9270"
	// DefaultAuditDBPath is used when audit.db_path is unset.
	DefaultAuditDBPath = "acd-audit.db"
	// DefaultTimeoutMs is used when an address omits timeout_ms.
	DefaultTimeoutMs = 9000
	// DefaultDefensePolicy is used when an address omits defense_policy.
	DefaultDefensePolicy = "once"
)

// Load reads and parses a TOML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsListen
	}
	if cfg.Audit.DBPath == "" {
		cfg.Audit.DBPath = DefaultAuditDBPath
	}
	for i := range cfg.Interfaces {
		for j := range cfg.Interfaces[i].Addresses {
			addr := &cfg.Interfaces[i].Addresses[j]
			if addr.TimeoutMs == 0 {
				addr.TimeoutMs = DefaultTimeoutMs
			}
			if addr.DefensePolicy == "" {
				addr.DefensePolicy = DefaultDefensePolicy
			}
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", cfg.Log.Level)
	}

	if len(cfg.Interfaces) == 0 {
		return fmt.Errorf("at least one [[interface]] block is required")
	}

	for i, iface := range cfg.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("interface[%d]: name is required", i)
		}
		if len(iface.Addresses) == 0 {
			return fmt.Errorf("interface[%d] (%s): at least one [[interface.address]] is required", i, iface.Name)
		}
		for j, addr := range iface.Addresses {
			if net.ParseIP(addr.IP).To4() == nil {
				return fmt.Errorf("interface[%d].address[%d]: invalid IPv4 address %q", i, j, addr.IP)
			}
			switch addr.DefensePolicy {
			case "never", "once", "always":
			default:
				return fmt.Errorf("interface[%d].address[%d]: defense_policy must be never, once, or always, got %q", i, j, addr.DefensePolicy)
			}
		}
	}

	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
	}

	return nil
}

// ParseDuration is a helper for parsing Go-style duration strings, kept
// for config sections that may grow duration fields later.
func ParseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}
