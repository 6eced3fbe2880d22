package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "liquidsoap.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "clock:\n  allow_streaming_errors: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Clock.AllowStreamingErrors {
		t.Fatalf("expected allow_streaming_errors true")
	}
	if cfg.Root.MaxLatencySeconds != 60 {
		t.Fatalf("expected default max_latency 60, got %v", cfg.Root.MaxLatencySeconds)
	}
	if len(cfg.Harbor.BindAddrs) != 1 || cfg.Harbor.BindAddrs[0] != ":8005" {
		t.Fatalf("expected default bind addr, got %v", cfg.Harbor.BindAddrs)
	}
}

func TestLoadRewritesLegacyBindAddr(t *testing.T) {
	path := writeTemp(t, "harbor:\n  bind_addr: \":9000\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Harbor.UsedLegacyBindAddr() {
		t.Fatalf("expected legacy flag set")
	}
	if len(cfg.Harbor.BindAddrs) != 1 || cfg.Harbor.BindAddrs[0] != ":9000" {
		t.Fatalf("expected legacy addr folded in, got %v", cfg.Harbor.BindAddrs)
	}
	if cfg.Harbor.BindAddr != "" {
		t.Fatalf("expected legacy field cleared")
	}
}

func TestLoadRejectsDuplicateBindAddrs(t *testing.T) {
	path := writeTemp(t, "harbor:\n  bind_addrs: [\":8005\", \":8005\"]\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duplicate bind_addrs to fail validation")
	}
}

func TestLoadRejectsNegativeMaxLatency(t *testing.T) {
	path := writeTemp(t, "root:\n  max_latency: -1\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected negative max_latency to fail validation")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
