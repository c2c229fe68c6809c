package rolesync

import (
	"context"
	"errors"

	"rankbot/internal/storage"
)

var (
	// ErrNotLinked is returned by SyncAccount for accounts without a link.
	ErrNotLinked = errors.New("rolesync: account not linked")
	// ErrBusy means another reconciliation of the same account is in flight.
	ErrBusy = errors.New("rolesync: account sync already in progress")
)

// Applier manages rank tags on the chat platform.
//
// Implementations must make EnsureTag idempotent: a tag created concurrently
// by another actor is returned, not reported as an error.
type Applier interface {
	EnsureTag(ctx context.Context, groupID, name string) (Tag, error)
	// CurrentRankTags returns only the member's tags that match the rank tag pattern.
	CurrentRankTags(ctx context.Context, groupID, accountID string) ([]Tag, error)
	// SetMembership removes then adds, returning one outcome per tag.
	SetMembership(ctx context.Context, groupID, accountID string, add, remove []Tag) []Outcome
}

// Outcome is the result of one membership write.
type Outcome struct {
	Tag   Tag
	Added bool // false means a removal
	Err   error
}

// Platform enumerates groups and resolves membership.
type Platform interface {
	Groups(ctx context.Context) ([]string, error)
	// IsMember reports false (not an error) for accounts outside the group.
	IsMember(ctx context.Context, groupID, accountID string) (bool, error)
}

// LinkStore is the subset of storage.Store the reconciler reads and audits to.
type LinkStore interface {
	Load(ctx context.Context) (map[string]string, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}
