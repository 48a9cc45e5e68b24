package fieldsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	raw := `
cache:
  default_ttl: 90s
queue:
  max_pending: 250
connectivity:
  debounce_window: 5s
prepare:
  window_ttl: 336h
  resources:
    - /api/v1/attendance
    - /api/v1/medications
store:
  path: /tmp/test.db
  encryption:
    enabled: true
    passphrase: secret
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.DefaultTTL != 90*time.Second {
		t.Fatalf("cache ttl not applied: %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Queue.MaxPending != 250 {
		t.Fatalf("queue cap not applied: %d", cfg.Queue.MaxPending)
	}
	if cfg.Connectivity.DebounceWindow != 5*time.Second {
		t.Fatalf("debounce not applied: %v", cfg.Connectivity.DebounceWindow)
	}
	if len(cfg.Prepare.Resources) != 2 {
		t.Fatalf("resources not applied: %v", cfg.Prepare.Resources)
	}
	if !cfg.Store.Encryption.Enabled || cfg.Store.Encryption.Passphrase != "secret" {
		t.Fatalf("encryption not applied: %+v", cfg.Store.Encryption)
	}

	// Omitted keys keep defaults.
	if cfg.Sync.DelegationGrace != DefaultSyncConfig().DelegationGrace {
		t.Fatalf("default lost: %v", cfg.Sync.DelegationGrace)
	}
	if cfg.Store.JournalMode != "WAL" {
		t.Fatalf("default journal mode lost: %s", cfg.Store.JournalMode)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
