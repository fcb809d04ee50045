package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Discord        DiscordConfig        `yaml:"discord"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	NATS           NATSConfig           `yaml:"nats"`
	Market         MarketConfig         `yaml:"market"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id"`
	// AuctionChannelID is where auction threads are opened.
	AuctionChannelID string `yaml:"auction_channel_id"`
	// GiveawayChannelID is where giveaway threads are opened.
	GiveawayChannelID string `yaml:"giveaway_channel_id"`
	// DealCategoryID parents private deal rooms. Optional.
	DealCategoryID string `yaml:"deal_category_id"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres", "sqlite" or "memory"
	// Path is the database file used by the sqlite driver.
	Path string `yaml:"path"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis settings for the pending submission backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig holds settings for the settlement handoff stream.
// An empty URL disables publishing.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
}

// MarketConfig holds the rules of the auction and giveaway engine.
type MarketConfig struct {
	BidCeiling        int64         `yaml:"bid_ceiling"`
	WarningOffset     time.Duration `yaml:"warning_offset"`
	TestWarningOffset time.Duration `yaml:"test_warning_offset"`
	MinAuctionHours   int           `yaml:"min_auction_hours"`
	MaxAuctionHours   int           `yaml:"max_auction_hours"`
	MinTestMinutes    int           `yaml:"min_test_minutes"`
	MaxTestMinutes    int           `yaml:"max_test_minutes"`
	MinGiveawayHours  int           `yaml:"min_giveaway_hours"`
	MaxGiveawayHours  int           `yaml:"max_giveaway_hours"`
	PendingTimeout    time.Duration `yaml:"pending_timeout"`
	MaxPendingPerUser int           `yaml:"max_pending_per_user"`
	PendingBackend    string        `yaml:"pending_backend"` // "memory" or "redis"
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	HistoryLimit      int           `yaml:"history_limit"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// DefaultMarket returns the market rules used when the file sets none.
func DefaultMarket() MarketConfig {
	return MarketConfig{
		BidCeiling:        999_999_999,
		WarningOffset:     5 * time.Minute,
		TestWarningOffset: time.Minute,
		MinAuctionHours:   1,
		MaxAuctionHours:   168,
		MinTestMinutes:    1,
		MaxTestMinutes:    10,
		MinGiveawayHours:  1,
		MaxGiveawayHours:  48,
		PendingTimeout:    90 * time.Second,
		MaxPendingPerUser: 3,
		PendingBackend:    "memory",
		InactivityTimeout: 2 * time.Hour,
		HistoryLimit:      500,
		SweepInterval:     30 * time.Second,
	}
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
			Path:    "marketbot.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		NATS: NATSConfig{
			Stream:  "DEALS",
			Subject: "market.deals",
		},
		Market: DefaultMarket(),
		Telemetry: TelemetryConfig{
			ServiceName:    "marketbot",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "marketbot-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\", \"sqlite\" or \"memory\"", c.Database.Driver)
	}

	switch c.Market.PendingBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported pending backend %q: must be \"memory\" or \"redis\"", c.Market.PendingBackend)
	}

	m := c.Market
	if m.BidCeiling <= 0 {
		return fmt.Errorf("market.bid_ceiling must be positive, got %d", m.BidCeiling)
	}
	if m.MinAuctionHours < 1 || m.MaxAuctionHours < m.MinAuctionHours {
		return fmt.Errorf("market auction hours range [%d, %d] is invalid", m.MinAuctionHours, m.MaxAuctionHours)
	}
	if m.MinTestMinutes < 1 || m.MaxTestMinutes < m.MinTestMinutes {
		return fmt.Errorf("market test minutes range [%d, %d] is invalid", m.MinTestMinutes, m.MaxTestMinutes)
	}
	if m.MinGiveawayHours < 1 || m.MaxGiveawayHours < m.MinGiveawayHours {
		return fmt.Errorf("market giveaway hours range [%d, %d] is invalid", m.MinGiveawayHours, m.MaxGiveawayHours)
	}
	if m.PendingTimeout <= 0 {
		return fmt.Errorf("market.pending_timeout must be positive")
	}
	if m.HistoryLimit <= 0 {
		return fmt.Errorf("market.history_limit must be positive")
	}
	return nil
}
