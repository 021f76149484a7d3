// Package config provides YAML-based configuration loading for Flagyard.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Flagyard configuration, loaded from flagyard.yaml.
type Config struct {
	Output    OutputConfig    `yaml:"output"`
	Intake    IntakeConfig    `yaml:"intake"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	DB        DBConfig        `yaml:"db"`
	Flags     FlagsConfig     `yaml:"flags"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
	Log       LogConfig       `yaml:"log"`
	Notify    NotifyConfig    `yaml:"notify"`
	Redis     RedisConfig     `yaml:"redis"`
	Slack     SlackConfig     `yaml:"slack"`
	Discord   DiscordConfig   `yaml:"discord"`
}

// OutputConfig holds connection settings for the judge side.
type OutputConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReconnectMS  int    `yaml:"reconnect_ms"`
	SendPeriodMS int    `yaml:"send_period_ms"` // 0 means immediate sending
	MaxPerSend   int    `yaml:"max_per_send"`
}

// IntakeConfig holds listen settings for the submitter side.
type IntakeConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DashboardConfig holds the HTTP status API settings.
type DashboardConfig struct {
	Port int `yaml:"port"` // 0 disables the dashboard
}

// DBConfig selects and configures the flag store backend.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// FlagsConfig controls flag recognition and lifetime.
type FlagsConfig struct {
	Regexp          string `yaml:"regexp"`
	LifetimeSec     int    `yaml:"lifetime_sec"` // 0 means flags never age out
	ResendDelaySec  int    `yaml:"resend_delay_sec"`
	ExpirySweepCron string `yaml:"expiry_sweep_cron"` // 5-field cron, empty disables
}

// ReceiverConfig describes the judge's wire behavior.
type ReceiverConfig struct {
	Greetings  []string `yaml:"greetings"`
	Accepted   string   `yaml:"accepted"`
	BadAnswers []string `yaml:"bad_answers"`
}

// LogConfig holds logfile paths and the minimum console level.
type LogConfig struct {
	InfoFile  string `yaml:"info_file"`
	DebugFile string `yaml:"debug_file"`
	Level     string `yaml:"level"`
}

// NotifyConfig controls the periodic statistics digest for the status
// sinks.
type NotifyConfig struct {
	DigestCron string `yaml:"digest_cron"` // 5-field cron, empty disables
}

// RedisConfig enables publishing lifecycle updates to a Redis channel.
type RedisConfig struct {
	Addr    string `yaml:"addr"` // empty disables
	Channel string `yaml:"channel"`
}

// SlackConfig enables Slack notifications.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"` // empty disables
	Channel  string `yaml:"channel"`
}

// DiscordConfig enables Discord notifications.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"` // empty disables
	Channel  string `yaml:"channel"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Output.ReconnectMS == 0 {
		c.Output.ReconnectMS = 1000
	}
	if c.Output.MaxPerSend == 0 {
		c.Output.MaxPerSend = 50
	}
	if c.Intake.Host == "" {
		c.Intake.Host = "0.0.0.0"
	}
	if c.Intake.Port == 0 {
		c.Intake.Port = 2222
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "flags.db"
	}
	if c.DB.Driver == "mysql" {
		if c.DB.Host == "" {
			c.DB.Host = "127.0.0.1"
		}
		if c.DB.Port == 0 {
			c.DB.Port = 3306
		}
		if c.DB.Database == "" {
			c.DB.Database = "flagyard"
		}
	}
	if c.Flags.Regexp == "" {
		c.Flags.Regexp = `[a-zA-Z0-9]{31}=`
	}
	if c.Flags.ResendDelaySec == 0 {
		c.Flags.ResendDelaySec = 5
	}
	if c.Receiver.Accepted == "" {
		c.Receiver.Accepted = "Accepted"
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		c.Redis.Channel = "flagyard:updates"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Output.Host == "" {
		errs = append(errs, "output.host is required")
	}
	if c.Output.Port <= 0 || c.Output.Port > 65535 {
		errs = append(errs, "output.port must be in 1..65535")
	}
	if c.Output.ReconnectMS < 0 {
		errs = append(errs, "output.reconnect_ms must not be negative")
	}
	if c.Output.SendPeriodMS < 0 {
		errs = append(errs, "output.send_period_ms must not be negative")
	}
	if _, err := regexp.Compile(c.Flags.Regexp); err != nil {
		errs = append(errs, fmt.Sprintf("flags.regexp is invalid: %v", err))
	}
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite, mysql)", c.DB.Driver))
	}
	if c.Slack.BotToken != "" && c.Slack.Channel == "" {
		errs = append(errs, "slack.channel is required when slack.bot_token is set")
	}
	if c.Discord.BotToken != "" && c.Discord.Channel == "" {
		errs = append(errs, "discord.channel is required when discord.bot_token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ReconnectDelay returns the output reconnect delay as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Output.ReconnectMS) * time.Millisecond
}

// SendPeriod returns the batching period, zero meaning immediate sending.
func (c *Config) SendPeriod() time.Duration {
	return time.Duration(c.Output.SendPeriodMS) * time.Millisecond
}

// FlagLifetime returns how long a flag stays sendable, zero meaning forever.
func (c *Config) FlagLifetime() time.Duration {
	return time.Duration(c.Flags.LifetimeSec) * time.Second
}

// ResendDelay returns the wait before retransmitting a badly answered flag.
func (c *Config) ResendDelay() time.Duration {
	return time.Duration(c.Flags.ResendDelaySec) * time.Second
}
