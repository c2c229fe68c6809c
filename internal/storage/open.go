package storage

import (
	"context"
	"errors"
	"strings"

	logx "rankbot/pkg/logx"
)

// Store is the link map plus audit log.
//
// Load returns a fresh copy on every call; callers may mutate it. A missing
// backing file is an empty map. Unreadable or corrupt data is reported as an
// error wrapping rank.ErrStoreUnavailable.
type Store interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, links map[string]string) error
	Link(ctx context.Context, accountID, username string) error
	// Unlink reports whether a link existed.
	Unlink(ctx context.Context, accountID string) (bool, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store. An empty driver means "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validLink(accountID, username string) error {
	if strings.TrimSpace(accountID) == "" {
		return errors.New("storage: empty account id")
	}
	if strings.TrimSpace(username) == "" {
		return errors.New("storage: empty username")
	}
	return nil
}
