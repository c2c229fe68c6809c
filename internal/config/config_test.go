package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLAndJSONAgree(t *testing.T) {
	dir := t.TempDir()
	y := writeFile(t, dir, "config.yaml", `
discord:
  token: d
  role_prefix: Rank
faceit:
  api_key: f
sync:
  schedule: 5m
  degraded_after: 2
storage:
  driver: sqlite
  path: ./links.db
logging:
  level: debug
  console: true
`)
	j := writeFile(t, dir, "config.json", `{
  "discord": {"token": "d", "role_prefix": "Rank"},
  "faceit": {"api_key": "f"},
  "sync": {"schedule": "5m", "degraded_after": 2},
  "storage": {"driver": "sqlite", "path": "./links.db"},
  "logging": {"level": "debug", "console": true}
}`)

	cy, err := Load(y)
	require.NoError(t, err)
	cj, err := Load(j)
	require.NoError(t, err)
	assert.Equal(t, cj, cy)
	assert.Equal(t, "Rank", cy.RolePrefix())
	assert.Equal(t, "5m", cy.Schedule())
	assert.Equal(t, "sqlite", cy.StorageDriver())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"discord": {"token": "x", "nope": 1}}`)
	_, err := Load(p)
	require.ErrorContains(t, err, "nope")

	p = writeFile(t, dir, "config.yml", "sync:\n  schedul: 5m\n")
	_, err = Load(p)
	require.ErrorContains(t, err, "schedul")
}

func TestParseRejectsNonStringYAMLKeys(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "discord:\n  guilds: [\"1\"]\n  1: x\n")
	_, err := Load(p)
	require.ErrorContains(t, err, "discord: key 1 is not a string")
}

func TestParseRejectsTrailingData(t *testing.T) {
	dir := t.TempDir()
	for _, body := range []string{`{} {}`, `{}}`} {
		p := writeFile(t, dir, "config.json", body)
		_, err := Load(p)
		require.Error(t, err, body)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	d, err := ParseDuration("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDuration("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDuration("x", " 90s ", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("faceit.timeout", "-1s", 0)
	assert.EqualError(t, err, "faceit.timeout: must not be negative")
	_, err = ParseDuration("sync.backoff", "soon", 0)
	assert.ErrorContains(t, err, "sync.backoff: ")
}

func TestApplyEnvFillsOnlyEmptySecrets(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		EnvDiscordToken:  "env-discord",
		EnvFaceitAPIKey:  "env-faceit",
		EnvTelegramToken: "env-tg",
	}
	c := &Config{Discord: DiscordConfig{Token: "file-discord"}}
	c.ApplyEnvFunc(func(k string) string { return env[k] })
	assert.Equal(t, "file-discord", c.Discord.Token)
	assert.Equal(t, "env-faceit", c.Faceit.APIKey)
	assert.Equal(t, "env-tg", c.Telegram.Token)
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	c := &Config{}
	assert.Equal(t, DefaultRolePrefix, c.RolePrefix())
	assert.Equal(t, DefaultRoleColor, c.RoleColor())
	assert.Equal(t, DefaultSchedule, c.Schedule())
	assert.Equal(t, "file", c.StorageDriver())
	assert.Equal(t, DefaultStoragePath, c.StoragePath())
	assert.True(t, c.RegisterCommands())
	assert.False(t, c.AlertsEnabled())

	c.Telegram = TelegramConfig{Token: "t", ChatID: -100}
	assert.True(t, c.AlertsEnabled())
	c.Alerts = &AlertsConfig{Enabled: false}
	assert.False(t, c.AlertsEnabled())
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty ok", cfg: Config{}},
		{name: "bad backoff", cfg: Config{Sync: SyncConfig{Backoff: "soon"}}, wantErr: true},
		{name: "sub-second backoff", cfg: Config{Sync: SyncConfig{Backoff: "10ms"}}, wantErr: true},
		{name: "negative degraded_after", cfg: Config{Sync: SyncConfig{DegradedAfter: -1}}, wantErr: true},
		{name: "bad timezone", cfg: Config{Sync: SyncConfig{Timezone: "Mars/Olympus"}}, wantErr: true},
		{name: "bad driver", cfg: Config{Storage: StorageConfig{Driver: "redis"}}, wantErr: true},
		{name: "bad faceit timeout", cfg: Config{Faceit: FaceitConfig{Timeout: "-1s"}}, wantErr: true},
		{name: "role colour range", cfg: Config{Discord: DiscordConfig{RoleColor: 0x1000000}}, wantErr: true},
		{name: "valid", cfg: Config{
			Sync:    SyncConfig{Backoff: "30s", DegradedAfter: 3, Timezone: "UTC"},
			Storage: StorageConfig{Driver: "sqlite"},
			Faceit:  FaceitConfig{Timeout: "5s"},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Discord: DiscordConfig{Token: "a"}, Sync: SyncConfig{Schedule: "360m"}}
	newCfg := &Config{Discord: DiscordConfig{Token: "b"}, Sync: SyncConfig{Schedule: "5m"}}

	ch := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"discord", "sync"}, ch.Sections)
	assert.Equal(t, []string{"discord"}, ch.RestartRequired)
	assert.True(t, ch.Has("sync"))
	assert.False(t, ch.Has("logging"))
}

func TestSummarizeConfigChangeNoop(t *testing.T) {
	t.Parallel()
	c := &Config{Discord: DiscordConfig{Guilds: []string{"1"}}}
	ch := SummarizeConfigChange(c, &Config{Discord: DiscordConfig{Guilds: []string{"1"}}})
	assert.Empty(t, ch.Sections)
	assert.Empty(t, ch.Fields)
}

func TestReloadCommitsOnlyChangedConfigs(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"sync": {"schedule": "360m"}}`)
	s, err := Open(p)
	require.NoError(t, err)

	writeFile(t, dir, "config.json", `{ "sync": { "schedule": "360m" } }`)
	changed, err := s.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "formatting-only edits are not a change")

	writeFile(t, dir, "config.json", `{"sync": {"schedule": "oops"`)
	changed, err = s.Reload()
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, "360m", s.Current().Sync.Schedule)

	select {
	case cfg := <-s.Updates():
		t.Fatalf("unexpected update: %+v", cfg.Sync)
	default:
	}
}

func TestUpdatesKeepOnlyNewest(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"sync": {"schedule": "360m"}}`)
	s, err := Open(p)
	require.NoError(t, err)

	for _, sched := range []string{"5m", "10m", "15m"} {
		writeFile(t, dir, "config.json", `{"sync": {"schedule": "`+sched+`"}}`)
		changed, err := s.Reload()
		require.NoError(t, err)
		require.True(t, changed)
	}

	cfg := <-s.Updates()
	assert.Equal(t, "15m", cfg.Sync.Schedule)
	select {
	case stale := <-s.Updates():
		t.Fatalf("stale update delivered: %+v", stale.Sync)
	default:
	}
}

func TestWatchPublishesValidChangesOnly(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"sync": {"schedule": "360m"}}`)

	m, err := Open(p)
	require.NoError(t, err)
	m.SetCheck(func(cfg *Config) error {
		if cfg.Sync.Schedule == "reject" {
			return assert.AnError
		}
		return nil
	})
	sub := m.Updates()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Watch(ctx)
		close(done)
	}()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "config.json", `{"sync": {"schedule": "reject"}}`)
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config published: %+v", cfg.Sync)
	default:
	}
	assert.Equal(t, "360m", m.Current().Sync.Schedule)

	writeFile(t, dir, "config.json", `{"sync": {"schedule": "5m"}}`)
	select {
	case cfg := <-sub:
		assert.Equal(t, "5m", cfg.Sync.Schedule)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}
	assert.Equal(t, "5m", m.Current().Sync.Schedule)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
