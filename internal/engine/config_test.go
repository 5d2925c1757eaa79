package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"hush-chat/go-keycore/internal/recordsync"
)

func TestLoadFromPathFallsBackToDefaults(t *testing.T) {
	cfg := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	def := DefaultConfig()
	if cfg.CacheIdleTTL != def.CacheIdleTTL {
		t.Fatalf("CacheIdleTTL = %v, want %v", cfg.CacheIdleTTL, def.CacheIdleTTL)
	}
	if cfg.Network.Transport != recordsync.TransportMock {
		t.Fatalf("Transport = %q, want mock", cfg.Network.Transport)
	}
	if !cfg.Network.StoreFailover {
		t.Fatal("StoreFailover should default to true")
	}
}

func TestLoadFromPathMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keycore.yaml")
	content := `engine:
  dataDir: /var/lib/keycore
  cacheIdleTTL: 5m
  recordTTL: 12h
  wrapIssuanceBurst: 8
network:
  transport: go-waku
  port: 61000
  enableStore: false
  storeFailover: false
  bootstrapNodes:
    - /dns4/boot.example.org/tcp/60000/p2p/16Uiu2HAm
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := LoadFromPath(path)
	if cfg.DataDir != "/var/lib/keycore" {
		t.Fatalf("DataDir = %q", cfg.DataDir)
	}
	if cfg.CacheIdleTTL != 5*time.Minute {
		t.Fatalf("CacheIdleTTL = %v, want 5m", cfg.CacheIdleTTL)
	}
	if cfg.RecordTTL != 12*time.Hour {
		t.Fatalf("RecordTTL = %v, want 12h", cfg.RecordTTL)
	}
	if cfg.WrapIssuanceBurst != 8 {
		t.Fatalf("WrapIssuanceBurst = %d, want 8", cfg.WrapIssuanceBurst)
	}
	if cfg.Network.Transport != recordsync.TransportGoWaku {
		t.Fatalf("Transport = %q, want go-waku", cfg.Network.Transport)
	}
	if cfg.Network.Port != 61000 {
		t.Fatalf("Port = %d, want 61000", cfg.Network.Port)
	}
	if cfg.Network.EnableStore {
		t.Fatal("EnableStore should merge to false")
	}
	if cfg.Network.StoreFailover {
		t.Fatal("StoreFailover should merge to false")
	}
	if len(cfg.Network.BootstrapNodes) != 1 {
		t.Fatalf("BootstrapNodes = %v", cfg.Network.BootstrapNodes)
	}
	// Untouched keys keep defaults.
	if cfg.CacheMaxEntries != DefaultConfig().CacheMaxEntries {
		t.Fatalf("CacheMaxEntries = %d", cfg.CacheMaxEntries)
	}
}

func TestLoadFromPathAppliesEnvOverridesLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keycore.yaml")
	content := `engine:
  dataDir: /from/file
network:
  transport: go-waku
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HUSH_DATA_DIR", "/from/env")
	t.Setenv("HUSH_NETWORK_TRANSPORT", "mock")
	t.Setenv("HUSH_CACHE_IDLE_TTL", "90s")
	t.Setenv("HUSH_RECORD_TTL", "not-a-duration")

	cfg := LoadFromPath(path)
	if cfg.DataDir != "/from/env" {
		t.Fatalf("DataDir = %q, want env value", cfg.DataDir)
	}
	if cfg.Network.Transport != recordsync.TransportMock {
		t.Fatalf("Transport = %q, want mock", cfg.Network.Transport)
	}
	if cfg.CacheIdleTTL != 90*time.Second {
		t.Fatalf("CacheIdleTTL = %v, want 90s", cfg.CacheIdleTTL)
	}
	if cfg.RecordTTL != DefaultConfig().RecordTTL {
		t.Fatalf("RecordTTL = %v, malformed env must not apply", cfg.RecordTTL)
	}
}

func TestNormalizeClampsInvalidValues(t *testing.T) {
	cfg := normalize(Config{
		CacheIdleTTL:           -time.Minute,
		CacheMaxEntries:        -1,
		SamplesPerConversation: 0,
		WrapIssuanceRPS:        -3,
	})
	def := DefaultConfig()
	if cfg.CacheIdleTTL != def.CacheIdleTTL {
		t.Fatalf("CacheIdleTTL = %v", cfg.CacheIdleTTL)
	}
	if cfg.CacheMaxEntries != def.CacheMaxEntries {
		t.Fatalf("CacheMaxEntries = %d", cfg.CacheMaxEntries)
	}
	if cfg.SamplesPerConversation != def.SamplesPerConversation {
		t.Fatalf("SamplesPerConversation = %d", cfg.SamplesPerConversation)
	}
	if cfg.WrapIssuanceRPS != def.WrapIssuanceRPS {
		t.Fatalf("WrapIssuanceRPS = %v", cfg.WrapIssuanceRPS)
	}
}
