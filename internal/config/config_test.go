package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"tradeledger/internal/config"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TARGET_BUILDER", "0x1234abcd")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.AttributionMode != config.AttributionAuto {
		t.Errorf("AttributionMode = %s, want auto", cfg.AttributionMode)
	}
	if cfg.PnlMode != config.PnlGross {
		t.Errorf("PnlMode = %s, want gross", cfg.PnlMode)
	}
	if cfg.LookbackMs != 86_400_000 {
		t.Errorf("LookbackMs = %d, want 86400000", cfg.LookbackMs)
	}
}

func TestLoad_MissingTargetBuilder(t *testing.T) {
	t.Setenv("TARGET_BUILDER", "")
	if _, err := config.Load(); err == nil {
		t.Error("expected error when TARGET_BUILDER is unset")
	}
}

func TestLoad_InvalidTargetBuilder(t *testing.T) {
	t.Setenv("TARGET_BUILDER", "not-an-address")
	if _, err := config.Load(); err == nil {
		t.Error("expected error for malformed TARGET_BUILDER")
	}
}

func TestLoad_InvalidAttributionMode(t *testing.T) {
	setRequired(t)
	t.Setenv("BUILDER_ATTRIBUTION_MODE", "psychic")
	if _, err := config.Load(); err == nil {
		t.Error("expected error for unknown attribution mode")
	}
}

func TestLoad_InvalidPnlMode(t *testing.T) {
	setRequired(t)
	t.Setenv("PNL_MODE", "imaginary")
	if _, err := config.Load(); err == nil {
		t.Error("expected error for unknown pnl mode")
	}
}

func TestLoad_LeaderboardUsersInline(t *testing.T) {
	setRequired(t)
	t.Setenv("LEADERBOARD_USERS", "0xaaa, 0xbbb ,0xccc")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.LeaderboardUsers) != 3 {
		t.Fatalf("got %d users, want 3", len(cfg.LeaderboardUsers))
	}
	if cfg.LeaderboardUsers[1].String() != "0xbbb" {
		t.Errorf("users[1] = %q, want 0xbbb", cfg.LeaderboardUsers[1])
	}
}

func TestLoad_LeaderboardUsersFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "users.txt")
	if err := os.WriteFile(path, []byte("0xaaa\n0xbbb\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEADERBOARD_USERS_FILE", path)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.LeaderboardUsers) != 2 {
		t.Errorf("got %d users, want 2", len(cfg.LeaderboardUsers))
	}
}

func TestLoad_LeaderboardUserInvalid(t *testing.T) {
	setRequired(t)
	t.Setenv("LEADERBOARD_USERS", "0xaaa,bogus")
	if _, err := config.Load(); err == nil {
		t.Error("expected error for malformed leaderboard user")
	}
}
