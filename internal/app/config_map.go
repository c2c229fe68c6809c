package app

import (
	"fmt"
	"strings"
	"time"

	"rankbot/internal/alerts"
	"rankbot/internal/config"
	"rankbot/internal/discord"
	"rankbot/internal/faceit"
	"rankbot/internal/httpserver"
	"rankbot/internal/rolesync"
	"rankbot/internal/storage"
	"rankbot/internal/task/syncloop"
	kit "rankbot/internal/transport"
	"rankbot/internal/transport/telegram"
	logx "rankbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver := cfg.StorageDriver()
	path := cfg.StoragePath()
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}

func mapFaceitConfig(cfg *config.Config) (faceit.Config, error) {
	fc := cfg.Faceit
	if strings.TrimSpace(fc.APIKey) == "" {
		return faceit.Config{}, fmt.Errorf("faceit.api_key is required (or set $%s)", config.EnvFaceitAPIKey)
	}
	timeout, err := config.ParseDuration("faceit.timeout", fc.Timeout, 10*time.Second)
	if err != nil {
		return faceit.Config{}, err
	}
	openFor, err := config.ParseDuration("faceit.circuit_open_for", fc.CircuitOpenFor, 30*time.Second)
	if err != nil {
		return faceit.Config{}, err
	}
	return faceit.Config{
		APIKey:              fc.APIKey,
		BaseURL:             fc.BaseURL,
		Game:                fc.Game,
		Timeout:             timeout,
		RatePerSec:          fc.RatePerSec,
		Burst:               fc.Burst,
		CircuitTripFailures: fc.CircuitTripFailures,
		CircuitOpenFor:      openFor,
	}, nil
}

func mapDiscordConfig(cfg *config.Config) (discord.Config, error) {
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		return discord.Config{}, fmt.Errorf("discord.token is required (or set $%s)", config.EnvDiscordToken)
	}
	return discord.Config{Token: cfg.Discord.Token, Guilds: cfg.Discord.Guilds}, nil
}

func mapRolesyncConfig(cfg *config.Config) (rolesync.Config, error) {
	wt, err := config.ParseDuration("discord.write_timeout", cfg.Discord.WriteTimeout, 0)
	if err != nil {
		return rolesync.Config{}, err
	}
	return rolesync.Config{
		Prefix:       cfg.RolePrefix(),
		Workers:      cfg.Sync.Workers,
		WriteTimeout: wt,
		Groups:       cfg.Discord.Guilds,
	}, nil
}

func mapSyncConfig(cfg *config.Config) (syncloop.Config, error) {
	backoff, err := config.ParseDuration("sync.backoff", cfg.Sync.Backoff, time.Minute)
	if err != nil {
		return syncloop.Config{}, err
	}
	loc, err := syncLocation(cfg)
	if err != nil {
		return syncloop.Config{}, err
	}
	return syncloop.Config{
		Backoff:       backoff,
		DegradedAfter: cfg.Sync.DegradedAfter,
		Location:      loc,
	}, nil
}

func syncLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Sync.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("sync.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return telegram.Config{}, false
	}
	return telegram.Config{Token: cfg.Telegram.Token}, true
}

func opsTarget(cfg *config.Config) kit.ChatTarget {
	return kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
}

func mapAlertsConfig(cfg *config.Config) (alerts.Config, error) {
	ac := alerts.Config{
		Enabled:     cfg.AlertsEnabled(),
		Target:      opsTarget(cfg),
		RetryMax:    3,
		DedupWindow: 30 * time.Minute,
	}
	if a := cfg.Alerts; a != nil {
		ac.QueueSize = a.QueueSize
		ac.RatePerSec = a.RatePerSec
		ac.IntervalChanges = a.IntervalChanges
		w, err := config.ParseDuration("alerts.dedup_window", a.DedupWindow, ac.DedupWindow)
		if err != nil {
			return alerts.Config{}, err
		}
		ac.DedupWindow = w
	}
	return ac, nil
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	hc := cfg.HTTP
	rt, err := config.ParseDuration("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	// pprof profile and trace stream for up to 30s by default.
	wt, err := config.ParseDuration("http.write_timeout", hc.WriteTimeout, 60*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	it, err := config.ParseDuration("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	return httpserver.Config{
		Enabled:       hc.Enabled,
		Addr:          addr,
		Pprof:         hc.Pprof,
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	thread := lc.Telegram.ThreadID
	if thread == 0 {
		thread = cfg.Telegram.ThreadID
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     cfg.Telegram.ChatID,
			ThreadID:   thread,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// validate is the hot-reload validator: a config the app cannot map is
// rejected before it is committed.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRolesyncConfig(cfg); err != nil {
		return err
	}
	sc, err := mapSyncConfig(cfg)
	if err != nil {
		return err
	}
	sched, err := syncloop.ParseSchedule(cfg.Schedule(), sc.Location)
	if err != nil {
		return fmt.Errorf("sync.schedule: %w", err)
	}
	if sched.Interval > 0 && sc.Backoff >= sched.Interval {
		return fmt.Errorf("sync.backoff (%s) must be shorter than the schedule interval (%s)", sc.Backoff, sched.Spec)
	}
	if _, err := mapAlertsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
