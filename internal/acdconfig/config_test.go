package acdconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
[log]
level = "info"

[[interface]]
name = "eth0"

  [[interface.address]]
  ip = "192.168.1.10"
  timeout_ms = 9000
  defense_policy = "once"
`

func TestLoadMinimalConfig(t *testing.T) {
	path := writeTestConfig(t, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if len(cfg.Interfaces) != 1 {
		t.Fatalf("Interfaces = %d, want 1", len(cfg.Interfaces))
	}
	if cfg.Interfaces[0].Name != "eth0" {
		t.Errorf("Interfaces[0].Name = %q, want %q", cfg.Interfaces[0].Name, "eth0")
	}
	if len(cfg.Interfaces[0].Addresses) != 1 {
		t.Fatalf("Addresses = %d, want 1", len(cfg.Interfaces[0].Addresses))
	}
	addr := cfg.Interfaces[0].Addresses[0]
	if addr.IP != "192.168.1.10" || addr.TimeoutMs != 9000 || addr.DefensePolicy != "once" {
		t.Errorf("unexpected address config: %+v", addr)
	}
	if cfg.Metrics.Listen != DefaultMetricsListen {
		t.Errorf("Metrics.Listen = %q, want default %q", cfg.Metrics.Listen, DefaultMetricsListen)
	}
	if cfg.Audit.DBPath != DefaultAuditDBPath {
		t.Errorf("Audit.DBPath = %q, want default %q", cfg.Audit.DBPath, DefaultAuditDBPath)
	}
}

func TestLoadAppliesAddressDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[[interface]]
name = "eth0"

  [[interface.address]]
  ip = "10.0.0.5"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	addr := cfg.Interfaces[0].Addresses[0]
	if addr.TimeoutMs != DefaultTimeoutMs {
		t.Errorf("TimeoutMs = %d, want default %d", addr.TimeoutMs, DefaultTimeoutMs)
	}
	if addr.DefensePolicy != DefaultDefensePolicy {
		t.Errorf("DefensePolicy = %q, want default %q", addr.DefensePolicy, DefaultDefensePolicy)
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path.toml")
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	path := writeTestConfig(t, "this is not valid toml {{{{")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestLoadRejectsNoInterfaces(t *testing.T) {
	path := writeTestConfig(t, `[log]
level = "info"
`)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error when no [[interface]] blocks are present")
	}
}

func TestLoadRejectsInvalidIP(t *testing.T) {
	path := writeTestConfig(t, `
[[interface]]
name = "eth0"

  [[interface.address]]
  ip = "not-an-ip"
`)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid IPv4 address")
	}
}

func TestLoadRejectsInvalidDefensePolicy(t *testing.T) {
	path := writeTestConfig(t, `
[[interface]]
name = "eth0"

  [[interface.address]]
  ip = "10.0.0.5"
  defense_policy = "sometimes"
`)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid defense_policy")
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	path := writeTestConfig(t, `
[log]
level = "verbose"

[[interface]]
name = "eth0"

  [[interface.address]]
  ip = "10.0.0.5"
`)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid log level")
	}
}

func TestLoadRejectsBadMetricsListen(t *testing.T) {
	path := writeTestConfig(t, `
[metrics]
enabled = true
listen = "not-a-host-port"

[[interface]]
name = "eth0"

  [[interface.address]]
  ip = "10.0.0.5"
`)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid metrics.listen")
	}
}
