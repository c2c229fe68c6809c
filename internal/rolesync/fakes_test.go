package rolesync

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"rankbot/internal/rank"
	"rankbot/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	links   map[string]string
	loadErr error
	audits  []storage.AuditEntry
}

func (s *fakeStore) Load(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[string]string, len(s.links))
	for k, v := range s.links {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) auditFor(accountID string) []storage.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.AuditEntry
	for _, e := range s.audits {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	s.audits = append(s.audits, e)
	s.mu.Unlock()
	return nil
}

type fetchResult struct {
	v   rank.Value
	ok  bool
	err error
}

type fakeProvider struct {
	mu      sync.Mutex
	results map[string]fetchResult
	calls   map[string]int
	// hook runs before each fetch returns.
	hook func(ctx context.Context, username string)
}

func newProvider(results map[string]fetchResult) *fakeProvider {
	return &fakeProvider{results: results, calls: map[string]int{}}
}

func tier(n int) fetchResult { return fetchResult{v: rank.Value{Tier: n}, ok: true} }

func (p *fakeProvider) FetchRank(ctx context.Context, username string) (rank.Value, bool, error) {
	p.mu.Lock()
	p.calls[username]++
	res, found := p.results[username]
	hook := p.hook
	p.mu.Unlock()
	if hook != nil {
		hook(ctx, username)
	}
	if !found {
		return rank.Value{}, false, rank.ErrNotFound
	}
	return res.v, res.ok, res.err
}

func (p *fakeProvider) callCount(username string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[username]
}

type fakePlatform struct {
	groups  []string
	members map[string]map[string]bool
}

func (p *fakePlatform) Groups(ctx context.Context) ([]string, error) {
	return append([]string(nil), p.groups...), nil
}

func (p *fakePlatform) IsMember(ctx context.Context, groupID, accountID string) (bool, error) {
	return p.members[groupID][accountID], nil
}

// fakeApplier models roles per group and role membership per (group, account).
type fakeApplier struct {
	prefix string

	mu       sync.Mutex
	roles    map[string]map[string]Tag    // group -> name -> tag
	held     map[string]map[string]TagSet // group -> account -> tags (rank and non-rank)
	failAdd  map[string]bool              // account ids whose adds fail
	tagsErr  map[string]error             // account ids whose tag reads fail
	writes   int
	creates  int
	writeCtx []error
	nextID   int
}

func newApplier(prefix string) *fakeApplier {
	return &fakeApplier{
		prefix:  prefix,
		roles:   map[string]map[string]Tag{},
		held:    map[string]map[string]TagSet{},
		failAdd: map[string]bool{},
		tagsErr: map[string]error{},
	}
}

func (a *fakeApplier) give(groupID, accountID string, names ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range names {
		t := a.roleLocked(groupID, n)
		if a.held[groupID] == nil {
			a.held[groupID] = map[string]TagSet{}
		}
		if a.held[groupID][accountID] == nil {
			a.held[groupID][accountID] = TagSet{}
		}
		a.held[groupID][accountID][n] = t
	}
}

func (a *fakeApplier) roleLocked(groupID, name string) Tag {
	if a.roles[groupID] == nil {
		a.roles[groupID] = map[string]Tag{}
	}
	t, ok := a.roles[groupID][name]
	if !ok {
		a.nextID++
		t = Tag{ID: "r" + strconv.Itoa(a.nextID), Name: name}
		a.roles[groupID][name] = t
	}
	return t
}

func (a *fakeApplier) names(groupID, accountID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, t := range a.held[groupID][accountID].Sorted() {
		out = append(out, t.Name)
	}
	return out
}

func (a *fakeApplier) writeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writes
}

func (a *fakeApplier) EnsureTag(ctx context.Context, groupID, name string) (Tag, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.roles[groupID][name]; !ok {
		a.creates++
	}
	return a.roleLocked(groupID, name), nil
}

func (a *fakeApplier) CurrentRankTags(ctx context.Context, groupID, accountID string) ([]Tag, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.tagsErr[accountID]; err != nil {
		return nil, err
	}
	var out []Tag
	for _, t := range a.held[groupID][accountID] {
		if IsRankTag(a.prefix, t.Name) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (a *fakeApplier) SetMembership(ctx context.Context, groupID, accountID string, add, remove []Tag) []Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writeCtx = append(a.writeCtx, ctx.Err())
	if a.held[groupID] == nil {
		a.held[groupID] = map[string]TagSet{}
	}
	if a.held[groupID][accountID] == nil {
		a.held[groupID][accountID] = TagSet{}
	}
	set := a.held[groupID][accountID]
	var out []Outcome
	for _, t := range remove {
		a.writes++
		delete(set, t.Name)
		out = append(out, Outcome{Tag: t})
	}
	for _, t := range add {
		a.writes++
		if a.failAdd[accountID] {
			out = append(out, Outcome{Tag: t, Added: true, Err: errors.New("missing permissions")})
			continue
		}
		set[t.Name] = t
		out = append(out, Outcome{Tag: t, Added: true})
	}
	return out
}
