package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rankbot/internal/rank"
	logx "rankbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for driver, name := range map[string]string{"file": "links.json", "sqlite": "links.db"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, name)}, logx.Nop())
		require.NoError(t, err, driver)
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openDrivers(t) {
		t.Run(driver, func(t *testing.T) {
			m, err := st.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, m)

			want := map[string]string{"100": "alice", "200": "bob"}
			require.NoError(t, st.Save(ctx, want))
			got, err := st.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// Load returns a copy.
			got["300"] = "carol"
			again, err := st.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, again)

			require.NoError(t, st.Save(ctx, map[string]string{"200": "bob"}))
			got, err = st.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"200": "bob"}, got)
		})
	}
}

func TestStoreLinkUnlink(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openDrivers(t) {
		t.Run(driver, func(t *testing.T) {
			require.NoError(t, st.Link(ctx, "1", "alice"))
			require.NoError(t, st.Link(ctx, "1", " alice2 "))
			require.NoError(t, st.Link(ctx, "2", "bob"))
			require.Error(t, st.Link(ctx, "", "x"))
			require.Error(t, st.Link(ctx, "3", " "))

			got, err := st.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"1": "alice2", "2": "bob"}, got)

			ok, err := st.Unlink(ctx, "1")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = st.Unlink(ctx, "1")
			require.NoError(t, err)
			assert.False(t, ok)

			got, err = st.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"2": "bob"}, got)

			require.NoError(t, st.AppendAudit(ctx, AuditEntry{
				Action: ActionRoles, AccountID: "2", Username: "bob",
				Added: []string{"Rank 3"}, Removed: []string{"Rank 2"},
			}))
		})
	}
}

func TestFileStoreCorruptIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "links.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"1": "a"}`), 0o600))

	st, err := Open(Config{Driver: "file", Path: p}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, os.WriteFile(p, []byte(`{"1": `), 0o600))
	_, err = st.Load(context.Background())
	require.ErrorIs(t, err, rank.ErrStoreUnavailable)

	_, err = Open(Config{Driver: "file", Path: p}, logx.Nop())
	require.ErrorIs(t, err, rank.ErrStoreUnavailable)
}

func TestFileStoreKeepsLegacyFormat(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "faceit_links.json")
	st, err := Open(Config{Path: p}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Link(context.Background(), "42", "s1mple"))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	var m map[string]string
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, map[string]string{"42": "s1mple"}, m)

	_, err = os.Stat(p + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreAuditJSONL(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "links.json")}, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: ActionLink, AccountID: "1", Username: "a"}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: ActionUnlink, AccountID: "1"}))
	require.NoError(t, st.Close())

	f, err := os.Open(filepath.Join(dir, "links.audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var actions []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{ActionLink, ActionUnlink}, actions)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	require.Error(t, err)
}

func TestSortedLinks(t *testing.T) {
	t.Parallel()
	got := SortedLinks(map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, []Link{{AccountID: "a", Username: "1"}, {AccountID: "b", Username: "2"}}, got)
}

func TestAppendAuditHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for driver, st := range openDrivers(t) {
		err := st.AppendAudit(ctx, AuditEntry{Action: ActionLink, AccountID: "1"})
		require.Error(t, err, driver)
		if driver == "file" {
			assert.ErrorIs(t, err, context.Canceled)
		}
	}
}
