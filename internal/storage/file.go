package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"rankbot/internal/rank"
	logx "rankbot/pkg/logx"
)

// fileStore keeps links in a single JSON object file.
//
// Files:
//   - <path>                  ({"<account id>": "<username>", ...})
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//
// Writes go through a temp file plus rename so a crash never leaves a
// truncated links file behind.
type fileStore struct {
	log  logx.Logger
	path string

	mu        sync.Mutex
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	// Fail fast on a corrupt links file instead of at the first cycle.
	if _, err := ReadLinksFile(path); err != nil {
		_ = af.Close()
		return nil, err
	}
	return &fileStore{log: log, path: path, auditFile: af}, nil
}

// ReadLinksFile reads a links JSON object. A missing file is an empty map.
func ReadLinksFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", rank.ErrStoreUnavailable, path, err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return map[string]string{}, nil
	}
	m := map[string]string{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", rank.ErrStoreUnavailable, path, err)
	}
	return m, nil
}

func (s *fileStore) Load(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadLinksFile(s.path)
}

func (s *fileStore) Save(ctx context.Context, links map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(links)
}

func (s *fileStore) Link(ctx context.Context, accountID, username string) error {
	if err := validLink(accountID, username); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := ReadLinksFile(s.path)
	if err != nil {
		return err
	}
	m[accountID] = strings.TrimSpace(username)
	return s.writeLocked(m)
}

func (s *fileStore) Unlink(ctx context.Context, accountID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := ReadLinksFile(s.path)
	if err != nil {
		return false, err
	}
	if _, ok := m[accountID]; !ok {
		return false, nil
	}
	delete(m, accountID)
	return true, s.writeLocked(m)
}

func (s *fileStore) writeLocked(links map[string]string) error {
	if links == nil {
		links = map[string]string{}
	}
	b, err := json.MarshalIndent(links, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", rank.ErrStoreUnavailable, err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", rank.ErrStoreUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		s.log.Debug("links fsync failed", logx.Err(err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", rank.ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", rank.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
