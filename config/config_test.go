package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != DefaultDataDir {
		t.Fatalf("expected default data dir, got %q", cfg.DataDir)
	}
	if cfg.MinerThreads <= 0 {
		t.Fatalf("expected miner threads to default to a positive CPU count, got %d", cfg.MinerThreads)
	}
}

func TestLoadRejectsOutOfRangeEffort(t *testing.T) {
	_, err := Load([]string{"--miner-effort=1.5"})
	if err != ErrInvalidEffort {
		t.Fatalf("expected ErrInvalidEffort, got %v", err)
	}
}

func TestLoadHonorsFlags(t *testing.T) {
	cfg, err := Load([]string{"--datadir=/tmp/custom", "--miner-threads=4", "--miner-effort=0.5"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/custom" || cfg.MinerThreads != 4 || cfg.MinerEffort != 0.5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
