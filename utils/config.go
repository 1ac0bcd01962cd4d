// utils/config.go
package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every knob the service reads from the environment.
// Call godotenv.Load() before LoadConfig so a local .env is honoured.
type Config struct {
	ListenAddr       string
	LogLevel         string
	GameServiceToken string

	RedisURL       string
	RedisKeyPrefix string
	DatabaseURL    string

	// Matchmaking provider
	AWSRegion             string
	Tenant                string
	GameLiftRoleARN       string
	ValidRegions          []string
	BackfillTicketPattern string
	PlacementQueue        string

	// Coordination primitives
	LockTTL     time.Duration
	LockBackoff time.Duration
	LockTimeout time.Duration
	TxnTimeout  time.Duration

	LatencySamples     int
	MaxPlayersPerParty int
	TicketTTL          time.Duration
	MaxRejoinTime      time.Duration
	TicketRetention    time.Duration
	LobbyLeaveGrace    time.Duration
	MaxLobbyDataBytes  int

	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveKeyID     string
	ArchiveKeySecret string
	SweepInterval    time.Duration
}

// DefaultConfig returns the values used when an env var is not set.
func DefaultConfig() Config {
	return Config{
		ListenAddr:            ":5200",
		LogLevel:              "info",
		RedisURL:              "redis://localhost:6379/0",
		RedisKeyPrefix:        "",
		AWSRegion:             "eu-west-1",
		ValidRegions:          []string{"eu-west-1"},
		BackfillTicketPattern: "^BackFill--.*",
		LockTTL:               30 * time.Second,
		LockBackoff:           100 * time.Millisecond,
		LockTimeout:           10 * time.Second,
		TxnTimeout:            10 * time.Second,
		LatencySamples:        3,
		MaxPlayersPerParty:    4,
		TicketTTL:             12 * time.Hour,
		MaxRejoinTime:         2 * time.Minute,
		TicketRetention:       10 * time.Minute,
		LobbyLeaveGrace:       60 * time.Second,
		MaxLobbyDataBytes:     4096,
		SweepInterval:         time.Minute,
	}
}

// LoadConfig overlays the environment on DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	cfg.ListenAddr = envString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.GameServiceToken = os.Getenv("GAME_SERVICE_TOKEN")
	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.RedisKeyPrefix = envString("REDIS_KEY_PREFIX", cfg.RedisKeyPrefix)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.AWSRegion = envString("AWS_REGION", cfg.AWSRegion)
	cfg.Tenant = envString("TENANT", cfg.Tenant)
	cfg.GameLiftRoleARN = os.Getenv("GAMELIFT_ROLE_ARN")
	cfg.BackfillTicketPattern = envString("BACKFILL_TICKET_PATTERN", cfg.BackfillTicketPattern)
	cfg.PlacementQueue = os.Getenv("PLACEMENT_QUEUE")
	cfg.ArchiveBucket = os.Getenv("ARCHIVE_BUCKET")
	cfg.ArchiveEndpoint = os.Getenv("ARCHIVE_ENDPOINT")
	cfg.ArchiveKeyID = os.Getenv("ARCHIVE_ACCESS_KEY_ID")
	cfg.ArchiveKeySecret = os.Getenv("ARCHIVE_ACCESS_KEY_SECRET")

	if v := os.Getenv("VALID_REGIONS"); v != "" {
		cfg.ValidRegions = nil
		for _, region := range strings.Split(v, ",") {
			if region = strings.TrimSpace(region); region != "" {
				cfg.ValidRegions = append(cfg.ValidRegions, region)
			}
		}
	}

	var err error
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"LOCK_TTL", &cfg.LockTTL},
		{"LOCK_BACKOFF", &cfg.LockBackoff},
		{"LOCK_TIMEOUT", &cfg.LockTimeout},
		{"TXN_TIMEOUT", &cfg.TxnTimeout},
		{"TICKET_TTL", &cfg.TicketTTL},
		{"MAX_REJOIN_TIME", &cfg.MaxRejoinTime},
		{"TICKET_RETENTION", &cfg.TicketRetention},
		{"LOBBY_LEAVE_GRACE", &cfg.LobbyLeaveGrace},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.name, *d.dst); err != nil {
			return cfg, err
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"LATENCY_SAMPLES", &cfg.LatencySamples},
		{"MAX_PLAYERS_PER_PARTY", &cfg.MaxPlayersPerParty},
		{"MAX_LOBBY_CUSTOM_DATA_BYTES", &cfg.MaxLobbyDataBytes},
	}
	for _, i := range ints {
		if *i.dst, err = envInt(i.name, *i.dst); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the coordinators cannot run with.
func (c Config) Validate() error {
	if c.LatencySamples <= 0 {
		return fmt.Errorf("LATENCY_SAMPLES must be positive, got %d", c.LatencySamples)
	}
	if c.MaxPlayersPerParty < 2 {
		return fmt.Errorf("MAX_PLAYERS_PER_PARTY must be at least 2, got %d", c.MaxPlayersPerParty)
	}
	if c.LockBackoff <= 0 || c.LockTimeout <= 0 || c.LockTTL <= 0 || c.TxnTimeout <= 0 {
		return fmt.Errorf("lock and transaction durations must be positive")
	}
	if len(c.ValidRegions) == 0 {
		return fmt.Errorf("VALID_REGIONS must list at least one region")
	}
	return nil
}

// IsValidRegion reports whether latency may be reported against region.
func (c Config) IsValidRegion(region string) bool {
	for _, r := range c.ValidRegions {
		if r == region {
			return true
		}
	}
	return false
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return d, nil
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return i, nil
}
