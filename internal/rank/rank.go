// Package rank holds the rank value shared by the provider client and the
// reconciler, and the error taxonomy of the sync core.
package rank

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotFound means the external username does not resolve to an account.
	// Not retried within a cycle.
	ErrNotFound = errors.New("rank: account not found")

	// ErrProviderUnavailable is a transient transport or HTTP failure.
	// The account is skipped and retried on the next cycle.
	ErrProviderUnavailable = errors.New("rank: provider unavailable")

	// ErrInvalidInterval is returned for sync intervals below one unit.
	ErrInvalidInterval = errors.New("rank: invalid sync interval")

	// ErrStoreUnavailable means the link store could not be read. It aborts the
	// current pass only.
	ErrStoreUnavailable = errors.New("rank: link store unavailable")
)

// Value is a rank tier plus an optional numeric score.
type Value struct {
	Tier     int
	Score    int
	HasScore bool
}

func (v Value) String() string {
	if !v.HasScore {
		return "tier " + strconv.Itoa(v.Tier)
	}
	return fmt.Sprintf("tier %d (%d)", v.Tier, v.Score)
}

// Provider resolves the current rank of one external username.
//
// ok=false with a nil error means the account exists but has no rank.
type Provider interface {
	FetchRank(ctx context.Context, username string) (v Value, ok bool, err error)
}

// Kind returns a short, log-friendly classification of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrInvalidInterval):
		return "invalid_interval"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unexpected"
	}
}
