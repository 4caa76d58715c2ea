package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"tradeledger/internal/domain"
)

// AttributionMode selects which attribution subsystem the compiler runs.
type AttributionMode string

const (
	AttributionHeuristic AttributionMode = "heuristic"
	AttributionLogs      AttributionMode = "logs"
	AttributionAuto      AttributionMode = "auto"
)

// PnlMode selects whether realized pnl figures include fees.
type PnlMode string

const (
	PnlGross PnlMode = "gross"
	PnlNet   PnlMode = "net"
)

// Config holds all application configuration, loaded from environment
// variables. A .env file in the working directory is read first if
// present.
type Config struct {
	DatabasePath string
	APIBaseURL   string

	// TargetBuilder is the builder address fills are attributed against.
	TargetBuilder domain.Address

	Port            int
	AttributionMode AttributionMode
	PnlMode         PnlMode

	// LookbackMs bounds how far before a query window the ingestor
	// fetches fills, so resumed positions have their opening context.
	LookbackMs int64

	// LeaderboardUsers is the fixed cohort ranked by the leaderboard.
	LeaderboardUsers []domain.Address

	LogLevel string
}

// Load reads configuration from the environment. TARGET_BUILDER is
// required; everything else has a default.
func Load() (*Config, error) {
	// Any .env load error, for a missing or a malformed file, is
	// ignored.
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath: envOrDefault("DATABASE_PATH", "tradeledger.db"),
		APIBaseURL:   envOrDefault("HYPERLIQUID_API_URL", "https://api.hyperliquid.xyz"),
		Port:         envIntOrDefault("PORT", 8080),
		LookbackMs:   envInt64OrDefault("LOOKBACK_MS", 86_400_000),
		LogLevel:     envOrDefault("LOG_LEVEL", "info"),
	}

	builder := os.Getenv("TARGET_BUILDER")
	if builder == "" {
		return nil, fmt.Errorf("TARGET_BUILDER is required")
	}
	if err := domain.ValidateAddress(builder); err != nil {
		return nil, fmt.Errorf("TARGET_BUILDER: %w", err)
	}
	cfg.TargetBuilder = domain.NewAddress(builder)

	mode := AttributionMode(strings.ToLower(envOrDefault("BUILDER_ATTRIBUTION_MODE", "auto")))
	switch mode {
	case AttributionHeuristic, AttributionLogs, AttributionAuto:
		cfg.AttributionMode = mode
	default:
		return nil, fmt.Errorf("BUILDER_ATTRIBUTION_MODE: invalid mode %q", mode)
	}

	pnl := PnlMode(strings.ToLower(envOrDefault("PNL_MODE", "gross")))
	switch pnl {
	case PnlGross, PnlNet:
		cfg.PnlMode = pnl
	default:
		return nil, fmt.Errorf("PNL_MODE: invalid mode %q", pnl)
	}

	users, err := loadLeaderboardUsers()
	if err != nil {
		return nil, err
	}
	cfg.LeaderboardUsers = users

	return cfg, nil
}

// loadLeaderboardUsers reads the cohort from LEADERBOARD_USERS (comma
// separated) or LEADERBOARD_USERS_FILE (one address per line). The
// inline form wins when both are set.
func loadLeaderboardUsers() ([]domain.Address, error) {
	raw := os.Getenv("LEADERBOARD_USERS")
	if raw == "" {
		path := os.Getenv("LEADERBOARD_USERS_FILE")
		if path == "" {
			return nil, nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("LEADERBOARD_USERS_FILE: %w", err)
		}
		raw = strings.ReplaceAll(string(data), "\n", ",")
	}

	var users []domain.Address
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, "#") {
			continue
		}
		if err := domain.ValidateAddress(part); err != nil {
			return nil, fmt.Errorf("leaderboard user: %w", err)
		}
		users = append(users, domain.NewAddress(part))
	}
	return users, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64OrDefault(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}
