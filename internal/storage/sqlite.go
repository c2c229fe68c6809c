package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rankbot/internal/rank"
	logx "rankbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", rank.ErrStoreUnavailable, op, err)
}

func (s *sqliteStore) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, username FROM links`)
	if err != nil {
		return nil, unavailable("load links", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, unavailable("scan link", err)
		}
		out[id] = name
	}
	return out, unavailable("load links", rows.Err())
}

func (s *sqliteStore) Save(ctx context.Context, links map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM links`); err != nil {
		return unavailable("clear links", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for id, name := range links {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO links(account_id, username, updated_at) VALUES(?,?,?)`,
			id, name, now,
		); err != nil {
			return unavailable("insert link", err)
		}
	}
	return unavailable("commit", tx.Commit())
}

func (s *sqliteStore) Link(ctx context.Context, accountID, username string) error {
	if err := validLink(accountID, username); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO links(account_id, username, updated_at) VALUES(?,?,?)
		 ON CONFLICT(account_id) DO UPDATE SET username=excluded.username, updated_at=excluded.updated_at`,
		accountID, strings.TrimSpace(username), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return unavailable("link", err)
}

func (s *sqliteStore) Unlink(ctx context.Context, accountID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM links WHERE account_id = ?`, accountID)
	if err != nil {
		return false, unavailable("unlink", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("unlink", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, cycle_id, action, actor, guild_id, account_id, username, added, removed, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.CycleID), e.Action, nullStr(e.Actor),
		nullStr(e.GuildID), e.AccountID, nullStr(e.Username),
		nullStr(strings.Join(e.Added, ",")), nullStr(strings.Join(e.Removed, ",")), nullStr(e.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
