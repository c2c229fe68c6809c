package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	DefaultRolePrefix    = "FACEIT Level"
	DefaultRoleColor     = 0x2ecc71
	DefaultFaceitBaseURL = "https://open.faceit.com/data/v4"
	DefaultFaceitGame    = "cs2"
	DefaultSchedule      = "360m"
	DefaultStoragePath   = "./faceit_links.json"
	DefaultHTTPAddr      = ":8080"
)

// Environment fallbacks for secrets.
const (
	EnvDiscordToken  = "DISCORD_TOKEN"
	EnvFaceitAPIKey  = "FACEIT_API_KEY"
	EnvTelegramToken = "TELEGRAM_TOKEN"
)

// ApplyEnv fills empty secrets from the environment.
func (c *Config) ApplyEnv() {
	c.ApplyEnvFunc(os.Getenv)
}

// ApplyEnvFunc is ApplyEnv with an injectable lookup.
func (c *Config) ApplyEnvFunc(getenv func(string) string) {
	if c == nil || getenv == nil {
		return
	}
	if strings.TrimSpace(c.Discord.Token) == "" {
		c.Discord.Token = strings.TrimSpace(getenv(EnvDiscordToken))
	}
	if strings.TrimSpace(c.Faceit.APIKey) == "" {
		c.Faceit.APIKey = strings.TrimSpace(getenv(EnvFaceitAPIKey))
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		c.Telegram.Token = strings.TrimSpace(getenv(EnvTelegramToken))
	}
}

// RolePrefix returns the configured prefix or the default.
func (c *Config) RolePrefix() string {
	if p := strings.TrimSpace(c.Discord.RolePrefix); p != "" {
		return p
	}
	return DefaultRolePrefix
}

// RoleColor returns the configured role colour or the default green.
func (c *Config) RoleColor() int {
	if c.Discord.RoleColor > 0 {
		return c.Discord.RoleColor
	}
	return DefaultRoleColor
}

// RegisterCommands reports whether slash commands should be registered.
func (c *Config) RegisterCommands() bool {
	if c.Discord.RegisterCommands == nil {
		return true
	}
	return *c.Discord.RegisterCommands
}

// Schedule returns sync.schedule or the default.
func (c *Config) Schedule() string {
	if s := strings.TrimSpace(c.Sync.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}

// StorageDriver returns the driver name, defaulting to "file".
func (c *Config) StorageDriver() string {
	if d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d != "" {
		return d
	}
	return "file"
}

// StoragePath returns the storage path, defaulting to the links file.
func (c *Config) StoragePath() string {
	if p := strings.TrimSpace(c.Storage.Path); p != "" {
		return p
	}
	return DefaultStoragePath
}

// AlertsEnabled reports whether ops alerts should run.
func (c *Config) AlertsEnabled() bool {
	if strings.TrimSpace(c.Telegram.Token) == "" || c.Telegram.ChatID == 0 {
		return false
	}
	if c.Alerts == nil {
		return true
	}
	return c.Alerts.Enabled
}

// Validate checks field-level constraints. Schedule syntax is checked by the
// sync loop validator installed by the app.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range []struct{ name, raw string }{
		{"discord.write_timeout", c.Discord.WriteTimeout},
		{"faceit.timeout", c.Faceit.Timeout},
		{"faceit.circuit_open_for", c.Faceit.CircuitOpenFor},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
	} {
		_, err := ParseDuration(f.name, f.raw, 0)
		add(err)
	}

	backoff, err := ParseDuration("sync.backoff", c.Sync.Backoff, 0)
	add(err)
	if backoff > 0 && backoff < time.Second {
		add(fmt.Errorf("sync.backoff: must be >= 1s"))
	}
	if c.Sync.DegradedAfter < 0 {
		add(fmt.Errorf("sync.degraded_after: must be >= 0"))
	}
	if c.Sync.Workers < 0 {
		add(fmt.Errorf("sync.workers: must be >= 0"))
	}
	if c.Sync.Timezone != "" {
		if _, err := time.LoadLocation(c.Sync.Timezone); err != nil {
			add(fmt.Errorf("sync.timezone: %w", err))
		}
	}

	if c.Faceit.RatePerSec < 0 || c.Faceit.Burst < 0 {
		add(fmt.Errorf("faceit.rate_per_sec/burst: must be >= 0"))
	}
	switch c.StorageDriver() {
	case "file", "sqlite":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Discord.RoleColor < 0 || c.Discord.RoleColor > 0xffffff {
		add(fmt.Errorf("discord.role_color: must be within 0..0xffffff"))
	}
	if c.Alerts != nil {
		_, err := ParseDuration("alerts.dedup_window", c.Alerts.DedupWindow, 0)
		add(err)
	}
	return errors.Join(errs...)
}
