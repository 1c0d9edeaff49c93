package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Delegation.BaseTimeout != 3*time.Minute {
		t.Errorf("base timeout = %s", cfg.Delegation.BaseTimeout)
	}
	if cfg.Scheduler.BatchSize != 3 || cfg.Scheduler.RetryCeiling != 3 {
		t.Errorf("scheduler defaults = %+v", cfg.Scheduler)
	}
	if cfg.Confirm.TTL != 5*time.Minute {
		t.Errorf("confirm ttl = %s", cfg.Confirm.TTL)
	}
	if cfg.Breaker.Cooldown != 2*time.Minute {
		t.Errorf("breaker cooldown = %s", cfg.Breaker.Cooldown)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	content := `
server:
  addr: ":9999"
delegation:
  base_timeout: 90s
agents:
  aliases:
    toby: toby-technical
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Delegation.BaseTimeout != 90*time.Second {
		t.Errorf("base timeout = %s", cfg.Delegation.BaseTimeout)
	}
	if cfg.Delegation.PollInterval != 2*time.Second {
		t.Errorf("unset keys must keep defaults, poll = %s", cfg.Delegation.PollInterval)
	}
	if cfg.Agents.Aliases["toby"] != "toby-technical" {
		t.Errorf("aliases = %v", cfg.Agents.Aliases)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CONDUCTOR_LOG_LEVEL", "debug")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %q, want debug from env", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestWriteStarter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "conductor.yaml")
	if err := WriteStarter(path); err != nil {
		t.Fatalf("WriteStarter: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("starter config must load cleanly: %v", err)
	}
	if cfg.Scheduler.StuckCeiling != 10*time.Minute {
		t.Errorf("stuck ceiling = %s", cfg.Scheduler.StuckCeiling)
	}

	if err := WriteStarter(path); err == nil {
		t.Fatal("must refuse to overwrite an existing file")
	}
}
