package config

import (
	"reflect"
	"sort"
	"strings"

	logx "rankbot/pkg/logx"
)

// Change classifies a config reload for the app.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Fields are safe structured attrs for logging (never secrets).
	Fields []logx.Field
	// RestartRequired lists sections whose changes only apply after a restart.
	RestartRequired []string
}

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs. Tokens and API keys are only
// reported as "changed" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var out Change
	mark := func(section string, restart bool, fields ...logx.Field) {
		out.Sections = append(out.Sections, section)
		out.Fields = append(out.Fields, fields...)
		if restart {
			out.RestartRequired = append(out.RestartRequired, section)
		}
	}

	// Discord: token and intents are bound to the live session.
	od, nd := oldCfg.Discord, newCfg.Discord
	tokenChanged := strings.TrimSpace(od.Token) != strings.TrimSpace(nd.Token)
	od.Token, nd.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(od, nd) {
		mark("discord", true,
			logx.Bool("discord.token_changed", tokenChanged),
			logx.String("discord.role_prefix", newCfg.RolePrefix()),
			logx.Int("discord.guild_filter", len(nd.Guilds)),
		)
	}

	of, nf := oldCfg.Faceit, newCfg.Faceit
	keyChanged := strings.TrimSpace(of.APIKey) != strings.TrimSpace(nf.APIKey)
	of.APIKey, nf.APIKey = "", ""
	if keyChanged || of != nf {
		mark("faceit", true,
			logx.Bool("faceit.api_key_changed", keyChanged),
			logx.String("faceit.timeout", strings.TrimSpace(nf.Timeout)),
			logx.Int("faceit.rate_per_sec", nf.RatePerSec),
		)
	}

	// Sync: schedule is hot; the rest applies to the next generation.
	if oldCfg.Sync != newCfg.Sync {
		mark("sync", false,
			logx.String("sync.schedule", newCfg.Schedule()),
			logx.String("sync.backoff", strings.TrimSpace(newCfg.Sync.Backoff)),
			logx.Int("sync.workers", newCfg.Sync.Workers),
			logx.Bool("sync.disabled", newCfg.Sync.Disabled),
		)
	}

	if oldCfg.StorageDriver() != newCfg.StorageDriver() ||
		oldCfg.StoragePath() != newCfg.StoragePath() ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		mark("storage", true,
			logx.String("storage.driver", newCfg.StorageDriver()),
			logx.String("storage.path", newCfg.StoragePath()),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	tgTokenChanged := strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)
	ot.Token, nt.Token = "", ""
	if tgTokenChanged || ot != nt {
		mark("telegram", tgTokenChanged,
			logx.Bool("telegram.token_changed", tgTokenChanged),
			logx.Bool("telegram.chat_set", nt.ChatID != 0),
			logx.Int("telegram.thread_id", nt.ThreadID),
		)
	}

	oa, na := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	if (oldCfg.Alerts == nil) != (newCfg.Alerts == nil) || oa != na {
		mark("alerts", true,
			logx.Bool("alerts.enabled", newCfg.AlertsEnabled()),
			logx.Int("alerts.rate_per_sec", na.RatePerSec),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	httpTokenChanged := (strings.TrimSpace(oh.Token) != "") != (strings.TrimSpace(nh.Token) != "")
	oh.Token, nh.Token = "", ""
	if httpTokenChanged || oh != nh {
		mark("http", true,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.pprof", nh.Pprof),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	sort.Strings(out.Sections)
	sort.Strings(out.RestartRequired)
	return out
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}
