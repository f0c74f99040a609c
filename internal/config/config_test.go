package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Strategy.EntryThresholdPct != 1.0 {
		t.Fatalf("expected entry threshold 1.0, got %v", cfg.Strategy.EntryThresholdPct)
	}
	if cfg.Strategy.ExitThresholdPct != 0.2 {
		t.Fatalf("expected exit threshold 0.2, got %v", cfg.Strategy.ExitThresholdPct)
	}
	if cfg.Strategy.TrancheUSD != 50 {
		t.Fatalf("expected tranche 50, got %v", cfg.Strategy.TrancheUSD)
	}
	if cfg.Strategy.MaxNotionalUSD != 2000 {
		t.Fatalf("expected max notional 2000, got %v", cfg.Strategy.MaxNotionalUSD)
	}
	if cfg.Strategy.TickInterval != 10*time.Second {
		t.Fatalf("expected tick interval 10s, got %v", cfg.Strategy.TickInterval)
	}
	if cfg.Feed.FreshnessWindow != 5*time.Second {
		t.Fatalf("expected freshness window 5s, got %v", cfg.Feed.FreshnessWindow)
	}
	if cfg.Exec.Mode != ModeDryRun {
		t.Fatalf("expected dry_run mode default, got %q", cfg.Exec.Mode)
	}
	if cfg.Exec.MaxLegRetries != 3 {
		t.Fatalf("expected 3 leg retries, got %d", cfg.Exec.MaxLegRetries)
	}
	if cfg.Exec.RetryBackoff != 500*time.Millisecond {
		t.Fatalf("expected 500ms backoff, got %v", cfg.Exec.RetryBackoff)
	}
	if len(cfg.Venues.Spot) != 2 || len(cfg.Venues.Futures) != 3 {
		t.Fatalf("unexpected venue defaults: %v / %v", cfg.Venues.Spot, cfg.Venues.Futures)
	}
	if len(cfg.Venues.Assets) == 0 {
		t.Fatalf("expected default asset universe")
	}
	if !cfg.Strategy.NonNegativeFundingRequired() {
		t.Fatalf("expected non-negative funding gate on by default")
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	path := writeConfig(t, "strategy:\n  entry_threshold_pct: 0.2\n  exit_threshold_pct: 0.5\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when entry <= exit")
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, "execution:\n  mode: paper\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown execution mode")
	}
}

func TestLoadRejectsCapBelowTranche(t *testing.T) {
	path := writeConfig(t, "strategy:\n  tranche_usd: 100\n  max_notional_usd: 50\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when max notional < tranche")
	}
}

func TestLoadRequiresHistoryDSN(t *testing.T) {
	path := writeConfig(t, "history:\n  enabled: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when history enabled without dsn")
	}
}

func TestLoadRequiresRedisAddr(t *testing.T) {
	path := writeConfig(t, "sink:\n  redis_enabled: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when redis sink enabled without addr")
	}
}

func TestFundingGateCanBeDisabled(t *testing.T) {
	path := writeConfig(t, "strategy:\n  require_nonnegative_funding: false\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Strategy.NonNegativeFundingRequired() {
		t.Fatalf("expected funding gate disabled")
	}
}
