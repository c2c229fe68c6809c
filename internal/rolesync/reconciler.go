// Package rolesync reconciles external ranks against rank tags on the chat
// platform: fetch the rank, diff the held tags, apply the difference.
package rolesync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"rankbot/internal/rank"
	"rankbot/internal/storage"
	logx "rankbot/pkg/logx"
)

const defaultWriteTimeout = 15 * time.Second

type Config struct {
	// Prefix of rank tag names. Default: "FACEIT Level".
	Prefix string
	// Workers bounds concurrent accounts per group. Default: 1 (sequential).
	Workers int
	// WriteTimeout bounds each platform write. Writes run detached from the
	// pass context so cancellation never interrupts an issued write.
	WriteTimeout time.Duration
	// Groups restricts passes to these group ids. Empty means all.
	Groups []string
}

// Result classifies one (group, account) unit of work.
type Result string

const (
	ResultUpdated   Result = "updated"
	ResultUnchanged Result = "unchanged"
	ResultFailed    Result = "failed"
	ResultSkipped   Result = "skipped"
	ResultNotMember Result = "not_member"
)

// AccountReport is the outcome of reconciling one account in one group.
type AccountReport struct {
	GroupID   string
	AccountID string
	Username  string
	Result    Result
	Reason    string // skip reason
	Rank      rank.Value
	Target    string
	Added     []string
	Removed   []string
	Err       error
}

type Reconciler struct {
	cfg      Config
	store    LinkStore
	provider rank.Provider
	platform Platform
	applier  Applier
	log      logx.Logger

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(cfg Config, store LinkStore, provider rank.Provider, platform Platform, applier Applier, log logx.Logger) *Reconciler {
	if cfg.Prefix == "" {
		cfg.Prefix = "FACEIT Level"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		provider: provider,
		platform: platform,
		applier:  applier,
		log:      log.With(logx.String("comp", "rolesync")),
		now:      time.Now,
		newID:    uuid.NewString,
		inflight: map[string]struct{}{},
	}
}

// Prefix returns the rank tag prefix in use.
func (r *Reconciler) Prefix() string { return r.cfg.Prefix }

// RunOnce runs one pass over every group.
//
// Per-account failures are counted in the summary and never fail the pass.
// The returned error is non-nil only when the pass could not run (link store
// or group listing failed) or ctx was cancelled.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	return r.pass(ctx, nil)
}

// SyncGroup runs one pass restricted to a single group.
func (r *Reconciler) SyncGroup(ctx context.Context, groupID string) (Summary, error) {
	return r.pass(ctx, []string{groupID})
}

// SyncAccount reconciles one linked account in one group now.
//
// Unlike a pass, the per-account error is returned: rank.ErrNotFound,
// rank.ErrProviderUnavailable, ErrNotLinked, ErrBusy or a platform error.
// An account without a rank is reported with Reason ReasonNoRank and a nil error.
func (r *Reconciler) SyncAccount(ctx context.Context, groupID, accountID string) (AccountReport, error) {
	links, err := r.loadLinks(ctx)
	if err != nil {
		return AccountReport{}, err
	}
	username, ok := links[accountID]
	if !ok {
		return AccountReport{GroupID: groupID, AccountID: accountID}, ErrNotLinked
	}
	rep := r.syncAccount(ctx, "", groupID, accountID, username, newRankMemo(r.provider))
	return rep, rep.Err
}

func (r *Reconciler) loadLinks(ctx context.Context) (map[string]string, error) {
	links, err := r.store.Load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, rank.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", rank.ErrStoreUnavailable, err)
		}
		return nil, err
	}
	return links, nil
}

func (r *Reconciler) pass(ctx context.Context, only []string) (Summary, error) {
	sum := Summary{CycleID: r.newID(), Started: r.now()}
	log := r.log.With(logx.String("cycle_id", sum.CycleID))
	abort := func(err error) (Summary, error) {
		sum.Duration = r.now().Sub(sum.Started)
		sum.Cancelled = ctx.Err() != nil
		return sum, err
	}

	links, err := r.loadLinks(ctx)
	if err != nil {
		return abort(err)
	}

	groups := only
	if groups == nil {
		groups, err = r.platform.Groups(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return abort(ctx.Err())
			}
			return abort(fmt.Errorf("list groups: %w", err))
		}
		if len(r.cfg.Groups) > 0 {
			groups = slices.DeleteFunc(slices.Clone(groups), func(g string) bool {
				return !slices.Contains(r.cfg.Groups, g)
			})
		}
	}

	ordered := storage.SortedLinks(links)
	memo := newRankMemo(r.provider)
	var mu sync.Mutex
	for _, gid := range groups {
		if ctx.Err() != nil {
			break
		}
		sum.Groups++
		r.forEachLink(ctx, ordered, func(l storage.Link) {
			rep := r.syncAccount(ctx, sum.CycleID, gid, l.AccountID, l.Username, memo)
			mu.Lock()
			sum.add(rep)
			mu.Unlock()
		})
	}

	sum.Duration = r.now().Sub(sum.Started)
	sum.Cancelled = ctx.Err() != nil
	log.Info("sync pass finished", sum.Fields()...)
	if sum.Cancelled {
		return sum, ctx.Err()
	}
	return sum, nil
}

// forEachLink fans links out to at most cfg.Workers goroutines. ctx is
// checked before each account; unstarted accounts are dropped once it is done.
func (r *Reconciler) forEachLink(ctx context.Context, links []storage.Link, fn func(storage.Link)) {
	workers := min(r.cfg.Workers, len(links))
	if workers <= 1 {
		for _, l := range links {
			if ctx.Err() != nil {
				return
			}
			fn(l)
		}
		return
	}

	jobs := make(chan storage.Link)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for l := range jobs {
				fn(l)
			}
		}()
	}
	for _, l := range links {
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- l:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
}

func (r *Reconciler) acquire(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[accountID]; busy {
		return false
	}
	r.inflight[accountID] = struct{}{}
	return true
}

func (r *Reconciler) release(accountID string) {
	r.mu.Lock()
	delete(r.inflight, accountID)
	r.mu.Unlock()
}

func (r *Reconciler) syncAccount(ctx context.Context, cycleID, groupID, accountID, username string, memo *rankMemo) AccountReport {
	rep := AccountReport{GroupID: groupID, AccountID: accountID, Username: username}
	log := r.log.With(logx.Account(accountID, username), logx.String("guild_id", groupID))
	if cycleID != "" {
		log = log.With(logx.String("cycle_id", cycleID))
	}
	skip := func(reason string, err error) AccountReport {
		rep.Result, rep.Reason, rep.Err = ResultSkipped, reason, err
		return rep
	}

	if ctx.Err() != nil {
		return skip(ReasonCancelled, ctx.Err())
	}
	if !r.acquire(accountID) {
		log.Debug("account busy; skipping")
		return skip(ReasonBusy, ErrBusy)
	}
	defer r.release(accountID)

	member, err := r.platform.IsMember(ctx, groupID, accountID)
	if err != nil {
		if ctx.Err() != nil {
			return skip(ReasonCancelled, ctx.Err())
		}
		log.Warn("member lookup failed", logx.Err(err))
		rep.Result, rep.Err = ResultFailed, err
		return rep
	}
	if !member {
		rep.Result = ResultNotMember
		return rep
	}

	v, ok, err := memo.fetch(ctx, username)
	switch {
	case err == nil:
	case errors.Is(err, rank.ErrNotFound):
		log.Info("rank account not found; skipping", logx.Err(err))
		return skip(ReasonNotFound, err)
	case errors.Is(err, rank.ErrProviderUnavailable):
		log.Warn("rank provider unavailable; leaving tags untouched", logx.Err(err))
		return skip(ReasonProviderUnavailable, err)
	case ctx.Err() != nil:
		return skip(ReasonCancelled, ctx.Err())
	default:
		log.Warn("rank fetch failed", logx.Err(err))
		rep.Result, rep.Err = ResultFailed, err
		return rep
	}
	if !ok {
		log.Info("no rank for tracked game; skipping")
		return skip(ReasonNoRank, nil)
	}
	rep.Rank = v
	rep.Target = TagName(r.cfg.Prefix, v.Tier)

	// From here on every call may write; run detached so a cancelled pass
	// never leaves a write half-issued.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
	defer cancel()

	target, err := r.applier.EnsureTag(wctx, groupID, rep.Target)
	if err != nil {
		log.Warn("ensure tag failed", logx.String("tag", rep.Target), logx.Err(err))
		rep.Result, rep.Err = ResultFailed, err
		r.audit(wctx, cycleID, rep)
		return rep
	}
	held, err := r.applier.CurrentRankTags(wctx, groupID, accountID)
	if err != nil {
		log.Warn("read member tags failed", logx.Err(err))
		rep.Result, rep.Err = ResultFailed, err
		r.audit(wctx, cycleID, rep)
		return rep
	}

	plan := PlanTags(NewTagSet(held...), target)
	if plan.Empty() {
		log.Debug("tags already converged", logx.String("tag", target.Name))
		rep.Result = ResultUnchanged
		return rep
	}

	var errs []error
	for _, o := range r.applier.SetMembership(wctx, groupID, accountID, plan.Add, plan.Remove) {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", opName(o.Added), o.Tag.Name, o.Err))
			continue
		}
		if o.Added {
			rep.Added = append(rep.Added, o.Tag.Name)
		} else {
			rep.Removed = append(rep.Removed, o.Tag.Name)
		}
	}
	rep.Err = errors.Join(errs...)
	if rep.Err != nil {
		rep.Result = ResultFailed
		log.Warn("tag update partially failed",
			logx.Any("added", rep.Added), logx.Any("removed", rep.Removed), logx.Err(rep.Err))
	} else {
		rep.Result = ResultUpdated
		log.Info("tags updated",
			logx.String("rank", v.String()), logx.Any("added", rep.Added), logx.Any("removed", rep.Removed))
	}
	r.audit(wctx, cycleID, rep)
	return rep
}

func (r *Reconciler) audit(ctx context.Context, cycleID string, rep AccountReport) {
	e := storage.AuditEntry{
		At:        r.now(),
		CycleID:   cycleID,
		Action:    storage.ActionRoles,
		Actor:     "sync",
		GuildID:   rep.GroupID,
		AccountID: rep.AccountID,
		Username:  rep.Username,
		Added:     rep.Added,
		Removed:   rep.Removed,
	}
	if rep.Err != nil {
		e.Error = rep.Err.Error()
	}
	if err := r.store.AppendAudit(ctx, e); err != nil {
		r.log.Debug("audit append failed", logx.Account(rep.AccountID, rep.Username), logx.Err(err))
	}
}

func opName(added bool) string {
	if added {
		return "add"
	}
	return "remove"
}

// rankMemo caches rank lookups for the duration of one pass so an account
// linked in several groups costs one provider call.
type rankMemo struct {
	provider rank.Provider

	mu sync.Mutex
	m  map[string]*memoEntry
}

type memoEntry struct {
	once sync.Once
	v    rank.Value
	ok   bool
	err  error
}

func newRankMemo(p rank.Provider) *rankMemo {
	return &rankMemo{provider: p, m: map[string]*memoEntry{}}
}

func (m *rankMemo) fetch(ctx context.Context, username string) (rank.Value, bool, error) {
	m.mu.Lock()
	e := m.m[username]
	if e == nil {
		e = &memoEntry{}
		m.m[username] = e
	}
	m.mu.Unlock()

	e.once.Do(func() { e.v, e.ok, e.err = m.provider.FetchRank(ctx, username) })
	if e.err != nil && !errors.Is(e.err, rank.ErrNotFound) && !errors.Is(e.err, rank.ErrProviderUnavailable) {
		// Cancellation or unexpected errors are not cached.
		m.mu.Lock()
		if m.m[username] == e {
			delete(m.m, username)
		}
		m.mu.Unlock()
	}
	return e.v, e.ok, e.err
}
