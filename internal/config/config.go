package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ErrMissingAdmin is returned when no admin identity is configured. The
// admin commands and the analytics API cannot be protected without it.
var ErrMissingAdmin = errors.New("admin identity is not configured")

// Config represents the application configuration.
type Config struct {
	Telegram       TelegramConfig       `yaml:"telegram"`
	Discord        DiscordConfig        `yaml:"discord"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Server         ServerConfig         `yaml:"server"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Rewards        RewardsConfig        `yaml:"rewards"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token       string        `yaml:"token" env:"STARFALL_TELEGRAM_TOKEN"`
	AdminID     int64         `yaml:"admin_id" env:"STARFALL_ADMIN_ID"`
	Channel     string        `yaml:"channel" env:"STARFALL_TELEGRAM_CHANNEL"`
	BotUsername string        `yaml:"bot_username"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	PollTimeout int           `yaml:"poll_timeout"`  // seconds, long polling
	InitDataTTL time.Duration `yaml:"init_data_ttl"` // max age of web app initData
}

// DiscordConfig holds the optional Discord announcement mirror.
type DiscordConfig struct {
	Token     string `yaml:"token" env:"STARFALL_DISCORD_TOKEN"`
	ChannelID string `yaml:"channel_id" env:"STARFALL_DISCORD_CHANNEL"`
}

// Enabled reports whether announcements should be mirrored to Discord.
func (d DiscordConfig) Enabled() bool {
	return d.Token != "" && d.ChannelID != ""
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"STARFALL_DATABASE_DRIVER"` // "postgres" or "sqlite"
	Host     string `yaml:"host" env:"STARFALL_DATABASE_HOST"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user" env:"STARFALL_DATABASE_USER"`
	Password string `yaml:"password" env:"STARFALL_DATABASE_PASSWORD"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Path     string `yaml:"path" env:"STARFALL_DATABASE_PATH"` // sqlite file
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds the report cache connection. An empty Addr keeps the
// cache in process memory.
type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"STARFALL_REDIS_ADDR"`
	Password  string        `yaml:"password" env:"STARFALL_REDIS_PASSWORD"`
	DB        int           `yaml:"db"`
	ReportTTL time.Duration `yaml:"report_ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig holds the windows of the periodic tasks.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timezone     string        `yaml:"timezone"`
	DailyHour    int           `yaml:"daily_hour"`
	WeeklyDay    string        `yaml:"weekly_day"`
	WeeklyHour   int           `yaml:"weekly_hour"`
	MonthlyDay   int           `yaml:"monthly_day"`
	MonthlyHour  int           `yaml:"monthly_hour"`
}

// Location returns the configured timezone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

// Weekday parses WeeklyDay ("monday", "Tue", ...).
func (s SchedulerConfig) Weekday() (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s.WeeklyDay))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s.WeeklyDay)
}

// RewardsConfig holds promotion and reward tuning.
type RewardsConfig struct {
	ContestSize          int     `yaml:"contest_size"`
	ContestRewards       []int64 `yaml:"contest_rewards"`
	ReferralBonus        int64   `yaml:"referral_bonus"`
	TopReferrers         int     `yaml:"top_referrers"`
	ActiveDays           int     `yaml:"active_days"`
	BroadcastConcurrency int     `yaml:"broadcast_concurrency"`
	BroadcastRate        float64 `yaml:"broadcast_rate"` // messages per second
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled" env:"STARFALL_LEADER_ELECTION"`
	Identity       string        `yaml:"identity" env:"POD_NAME"` // hostname when empty
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace" env:"POD_NAMESPACE"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Defaults returns the configuration used for every key the file omits.
func Defaults() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Channel:     "@starfall_empire_channel",
			BotUsername: "starfallempire_bot",
			SendTimeout: 10 * time.Second,
			PollTimeout: 30,
			InitDataTTL: 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Driver:  "postgres",
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Path:    "starfall.db",
		},
		Redis: RedisConfig{
			ReportTTL: 48 * time.Hour,
		},
		Server: ServerConfig{
			Port:            3000,
			ShutdownTimeout: 15 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: time.Minute,
			Timezone:     "UTC",
			DailyHour:    12,
			WeeklyDay:    "monday",
			WeeklyHour:   10,
			MonthlyDay:   1,
			MonthlyHour:  9,
		},
		Rewards: RewardsConfig{
			ContestSize:          10,
			ContestRewards:       []int64{1000, 500, 250},
			ReferralBonus:        10,
			TopReferrers:         20,
			ActiveDays:           7,
			BroadcastConcurrency: 4,
			BroadcastRate:        25,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "starfallbot",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "starfallbot-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// Load reads a YAML configuration file from the given path, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"sqlite\"", c.Database.Driver)
	}

	if c.Telegram.AdminID == 0 {
		return ErrMissingAdmin
	}

	s := c.Scheduler
	for name, h := range map[string]int{"daily_hour": s.DailyHour, "weekly_hour": s.WeeklyHour, "monthly_hour": s.MonthlyHour} {
		if h < 0 || h > 23 {
			return fmt.Errorf("scheduler %s %d out of range 0..23", name, h)
		}
	}
	if s.MonthlyDay < 1 || s.MonthlyDay > 28 {
		return fmt.Errorf("scheduler monthly_day %d out of range 1..28", s.MonthlyDay)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll_interval must be positive")
	}
	if _, err := s.Weekday(); err != nil {
		return fmt.Errorf("scheduler weekly_day: %w", err)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("scheduler timezone: %w", err)
	}

	for i, r := range c.Rewards.ContestRewards {
		if r < 0 {
			return fmt.Errorf("contest reward #%d is negative", i+1)
		}
	}
	if c.Rewards.BroadcastConcurrency < 1 {
		return fmt.Errorf("broadcast_concurrency must be at least 1")
	}
	return nil
}
