package storage

import (
	"sort"
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON links file at Path, audit at <Path without ext>.audit.jsonl
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Link maps one platform account to one external username.
type Link struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
}

// SortedLinks flattens a link map into a slice ordered by account id.
func SortedLinks(m map[string]string) []Link {
	out := make([]Link, 0, len(m))
	for id, name := range m {
		out = append(out, Link{AccountID: id, Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Audit actions.
const (
	ActionRoles  = "roles"
	ActionLink   = "link"
	ActionUnlink = "unlink"
)

// AuditEntry records one change made by the bot or an operator.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	CycleID   string    `json:"cycle_id,omitempty"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
	GuildID   string    `json:"guild_id,omitempty"`
	AccountID string    `json:"account_id"`
	Username  string    `json:"username,omitempty"`
	Added     []string  `json:"added,omitempty"`
	Removed   []string  `json:"removed,omitempty"`
	Error     string    `json:"error,omitempty"`
}
