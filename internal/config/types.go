package config

type Config struct {
	Discord  DiscordConfig  `json:"discord"`
	Faceit   FaceitConfig   `json:"faceit"`
	Sync     SyncConfig     `json:"sync"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Alerts   *AlertsConfig  `json:"alerts,omitempty"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
}

// DiscordConfig controls the gateway session and the rank role naming.
//
// Token falls back to $DISCORD_TOKEN when empty.
type DiscordConfig struct {
	Token string `json:"token"`

	// RolePrefix is prepended to the tier number to build role names
	// ("FACEIT Level 7"). Default: "FACEIT Level".
	RolePrefix string `json:"role_prefix,omitempty"`

	// RoleColor is the colour of newly created rank roles. Default: 0x2ecc71.
	RoleColor int `json:"role_color,omitempty"`

	// Guilds optionally restricts reconciliation to these guild IDs.
	// Empty means every guild the bot is in.
	Guilds []string `json:"guilds,omitempty"`

	// RegisterCommands controls slash command registration on Ready. Default: true.
	RegisterCommands *bool `json:"register_commands,omitempty"`

	// WriteTimeout bounds each role create/add/remove call (Go duration string).
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// FaceitConfig controls the rank provider client.
//
// APIKey falls back to $FACEIT_API_KEY when empty.
type FaceitConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"` // default: https://open.faceit.com/data/v4
	Game    string `json:"game,omitempty"`     // default: cs2

	Timeout    string `json:"timeout,omitempty"` // per call, default 10s
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Burst      int    `json:"burst,omitempty"`

	// CircuitTripFailures opens the breaker after N consecutive unavailable
	// responses. 0 uses the default (5); negative disables the breaker.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitOpenFor      string `json:"circuit_open_for,omitempty"`
}

// SyncConfig controls the periodic reconciliation loop.
//
// Schedule accepts an interval ("360m", "6h"), an HH:MM interval ("06:00"
// runs every six hours) or a cron spec ("0 */6 * * *", "@every 6h").
type SyncConfig struct {
	Schedule      string `json:"schedule,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	Backoff       string `json:"backoff,omitempty"`
	DegradedAfter int    `json:"degraded_after,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	Disabled      bool   `json:"disabled,omitempty"`
}

// StorageConfig selects the link store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./faceit_links.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the keep-alive/health HTTP server.
//
// Security note:
//   - pprof is only mounted when Pprof is true.
//   - On a non-loopback address pprof requires a token unless allow_insecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: ":8080"
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token for pprof (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TelegramConfig is the ops channel. It is send-only.
//
// Token falls back to $TELEGRAM_TOKEN when empty. An empty token disables
// Telegram delivery for both alerts and the log sink.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// AlertsConfig controls the eventbus -> Telegram alert pipeline.
//
// If the whole section is omitted, alerts default to enabled when a Telegram
// token is configured.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`

	// IntervalChanges also alerts on sync.interval_changed. Default: false.
	IntervalChanges bool `json:"interval_changes,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
