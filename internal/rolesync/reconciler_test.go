package rolesync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rankbot/internal/rank"
	logx "rankbot/pkg/logx"
)

const guild = "g1"

type harness struct {
	store    *fakeStore
	provider *fakeProvider
	platform *fakePlatform
	applier  *fakeApplier
	rec      *Reconciler
}

func newHarness(links map[string]string, ranks map[string]fetchResult, workers int) *harness {
	members := map[string]bool{}
	for id := range links {
		members[id] = true
	}
	h := &harness{
		store:    &fakeStore{links: links},
		provider: newProvider(ranks),
		platform: &fakePlatform{groups: []string{guild}, members: map[string]map[string]bool{guild: members}},
		applier:  newApplier("Rank"),
	}
	h.rec = New(Config{Prefix: "Rank", Workers: workers}, h.store, h.provider, h.platform, h.applier, logx.Nop())
	return h
}

func TestScenarioOneUpdatedOneSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(
		map[string]string{"A": "alice", "B": "bob"},
		map[string]fetchResult{"alice": tier(3)}, // bob -> NotFound
		1,
	)

	sum, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Rank 3"}, h.applier.names(guild, "A"))
	assert.Empty(t, h.applier.names(guild, "B"))
	assert.Equal(t, 1, sum.Groups)
	assert.Equal(t, 2, sum.Examined)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 1, sum.SkippedTotal())
	assert.Equal(t, map[string]int{ReasonNotFound: 1}, sum.Skipped)
	assert.NotEmpty(t, sum.CycleID)
	assert.Equal(t, "2 examined, 1 updated, 0 unchanged, 0 failed, 1 skipped (not_found=1)", sum.String())
}

func TestIdempotentSecondPassHasNoWrites(t *testing.T) {
	t.Parallel()
	h := newHarness(map[string]string{"A": "alice"}, map[string]fetchResult{"alice": tier(3)}, 1)
	ctx := context.Background()

	_, err := h.rec.RunOnce(ctx)
	require.NoError(t, err)
	writes := h.applier.writeCount()
	require.Equal(t, 1, writes)

	sum, err := h.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, writes, h.applier.writeCount())
	assert.Equal(t, 1, sum.Unchanged)
	assert.Equal(t, 0, sum.Updated)
}

func TestConvergesToSingleRankTag(t *testing.T) {
	t.Parallel()
	h := newHarness(map[string]string{"A": "alice"}, map[string]fetchResult{"alice": tier(7)}, 1)
	h.applier.give(guild, "A", "Rank 2", "Rank 9", "Moderator", "Rank Coach")

	sum, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, []string{"Moderator", "Rank 7", "Rank Coach"}, h.applier.names(guild, "A"))

	require.Len(t, h.store.audits, 1)
	assert.Equal(t, []string{"Rank 7"}, h.store.audits[0].Added)
	assert.Equal(t, []string{"Rank 2", "Rank 9"}, h.store.audits[0].Removed)
	assert.Equal(t, sum.CycleID, h.store.audits[0].CycleID)
}

func TestAbsentRankLeavesTagsUntouched(t *testing.T) {
	t.Parallel()
	h := newHarness(
		map[string]string{"A": "down", "B": "ghost", "C": "unranked"},
		map[string]fetchResult{
			"down":     {err: rank.ErrProviderUnavailable},
			"unranked": {ok: false},
		},
		1,
	)
	for _, id := range []string{"A", "B", "C"} {
		h.applier.give(guild, id, "Rank 4")
	}

	sum, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.applier.writeCount())
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, []string{"Rank 4"}, h.applier.names(guild, id), id)
	}
	assert.Equal(t, map[string]int{
		ReasonProviderUnavailable: 1,
		ReasonNotFound:            1,
		ReasonNoRank:              1,
	}, sum.Skipped)
}

func TestFailureIsIsolatedPerAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(
		map[string]string{"A": "alice", "B": "bob"},
		map[string]fetchResult{"alice": tier(3), "bob": tier(5)},
		1,
	)
	h.applier.failAdd["A"] = true

	sum, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, []string{"Rank 5"}, h.applier.names(guild, "B"))

	// Next cycle converges once the platform recovers.
	h.applier.failAdd["A"] = false
	sum, err = h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 1, sum.Unchanged)
	assert.Equal(t, []string{"Rank 3"}, h.applier.names(guild, "A"))
}

func TestNonMembersAreNotExamined(t *testing.T) {
	t.Parallel()
	h := newHarness(map[string]string{"A": "alice"}, map[string]fetchResult{"alice": tier(3), "carol": tier(1)}, 1)
	h.store.links["C"] = "carol"

	sum, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NotMember)
	assert.Equal(t, 1, sum.Examined)
	assert.Equal(t, 0, h.provider.callCount("carol"))
}

func TestStoreFailureFailsPass(t *testing.T) {
	t.Parallel()
	h := newHarness(map[string]string{}, nil, 1)
	h.store.loadErr = errors.New("disk on fire")

	_, err := h.rec.RunOnce(context.Background())
	require.ErrorIs(t, err, rank.ErrStoreUnavailable)
}

func TestCancelledPassIssuesNoWrites(t *testing.T) {
	t.Parallel()
	h := newHarness(map[string]string{"A": "alice"}, map[string]fetchResult{"alice": tier(3)}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.rec.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, sum.Cancelled)
	assert.Equal(t, 0, h.applier.writeCount())
}

func TestCancellationDoesNotInterruptIssuedWrite(t *testing.T) {
	t.Parallel()
	h := newHarness(
		map[string]string{"A": "alice", "B": "bob"},
		map[string]fetchResult{"alice": tier(3), "bob": tier(4)},
		1,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel while alice's fetch is in flight: alice is still applied, bob never starts.
	h.provider.hook = func(_ context.Context, username string) {
		if username == "alice" {
			cancel()
		}
	}

	sum, err := h.rec.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"Rank 3"}, h.applier.names(guild, "A"))
	assert.Empty(t, h.applier.names(guild, "B"))
	assert.Equal(t, 0, h.provider.callCount("bob"))
	require.Len(t, h.applier.writeCtx, 1)
	assert.NoError(t, h.applier.writeCtx[0])
	assert.Equal(t, 1, sum.Updated)
}

func TestRankIsFetchedOncePerCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(map[string]string{"A": "alice"}, map[string]fetchResult{"alice": tier(3)}, 1)
	h.platform.groups = []string{"g1", "g2"}
	h.platform.members["g2"] = map[string]bool{"A": true}

	sum, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Groups)
	assert.Equal(t, 2, sum.Updated)
	assert.Equal(t, 1, h.provider.callCount("alice"))
	assert.Equal(t, []string{"Rank 3"}, h.applier.names("g2", "A"))
}

func TestGroupFilter(t *testing.T) {
	t.Parallel()
	h := newHarness(map[string]string{"A": "alice"}, map[string]fetchResult{"alice": tier(3)}, 1)
	h.platform.groups = []string{"g1", "g2"}
	h.platform.members["g2"] = map[string]bool{"A": true}
	h.rec.cfg.Groups = []string{"g2"}

	sum, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Groups)
	assert.Empty(t, h.applier.names("g1", "A"))
}

func TestWorkerPoolMatchesSequential(t *testing.T) {
	t.Parallel()
	links := map[string]string{}
	ranks := map[string]fetchResult{}
	for i := 1; i <= 10; i++ {
		id := string(rune('A' + i))
		links[id] = "user" + id
		ranks["user"+id] = tier(i)
	}
	h := newHarness(links, ranks, 4)

	sum, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Updated)
	for id := range links {
		assert.Len(t, h.applier.names(guild, id), 1)
	}
}

func TestSyncAccountBusyWhilePassInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(map[string]string{"A": "alice"}, map[string]fetchResult{"alice": tier(3)}, 1)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.provider.hook = func(_ context.Context, _ string) {
		select {
		case entered <- struct{}{}:
			<-unblock
		default:
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.rec.RunOnce(context.Background())
		done <- err
	}()
	<-entered

	_, err := h.rec.SyncAccount(context.Background(), guild, "A")
	require.ErrorIs(t, err, ErrBusy)

	close(unblock)
	require.NoError(t, <-done)

	rep, err := h.rec.SyncAccount(context.Background(), guild, "A")
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, rep.Result)
	assert.Equal(t, "Rank 3", rep.Target)
}

func TestSyncAccountErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(map[string]string{"A": "ghost", "B": "unranked"}, map[string]fetchResult{"unranked": {}}, 1)
	ctx := context.Background()

	_, err := h.rec.SyncAccount(ctx, guild, "Z")
	require.ErrorIs(t, err, ErrNotLinked)

	_, err = h.rec.SyncAccount(ctx, guild, "A")
	require.ErrorIs(t, err, rank.ErrNotFound)

	rep, err := h.rec.SyncAccount(ctx, guild, "B")
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, rep.Result)
	assert.Equal(t, ReasonNoRank, rep.Reason)
}

func TestFailedTagReadIsAudited(t *testing.T) {
	t.Parallel()
	h := newHarness(
		map[string]string{"A": "alice", "B": "bob"},
		map[string]fetchResult{"alice": tier(3), "bob": tier(5)},
		1,
	)
	h.applier.tagsErr["A"] = errors.New("rate limited")

	sum, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Updated)
	assert.Empty(t, h.applier.names(guild, "A"))

	audits := h.store.auditFor("A")
	require.Len(t, audits, 1)
	assert.Contains(t, audits[0].Error, "rate limited")
	assert.Empty(t, audits[0].Added)
	require.Len(t, h.store.auditFor("B"), 1)
}
