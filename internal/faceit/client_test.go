package faceit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rankbot/internal/rank"
	logx "rankbot/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc, mut ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := Config{APIKey: "key", BaseURL: srv.URL, Timeout: time.Second}
	for _, m := range mut {
		m(&cfg)
	}
	return New(cfg, logx.Nop())
}

func TestFetchRank(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/players", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		switch r.URL.Query().Get("nickname") {
		case "alice":
			_, _ = w.Write([]byte(`{"player_id":"p1","nickname":"alice","games":{"cs2":{"skill_level":3,"faceit_elo":900}}}`))
		case "norank":
			_, _ = w.Write([]byte(`{"player_id":"p2","nickname":"norank","games":{"csgo":{"skill_level":5}}}`))
		case "bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":[{"message":"invalid nickname"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"player not found"}`))
		}
	})

	ctx := context.Background()
	v, ok, err := c.FetchRank(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rank.Value{Tier: 3, Score: 900, HasScore: true}, v)

	_, ok, err = c.FetchRank(ctx, "norank")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = c.FetchRank(ctx, "bob")
	require.ErrorIs(t, err, rank.ErrNotFound)
	apiErr, isAPI := AsAPIError(err)
	require.True(t, isAPI)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "player not found", apiErr.Message)

	_, _, err = c.FetchRank(ctx, "bad")
	require.ErrorIs(t, err, rank.ErrNotFound)
	apiErr, _ = AsAPIError(err)
	assert.Equal(t, "invalid nickname", apiErr.Message)
}

func TestFetchRankProviderUnavailable(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, func(c *Config) { c.CircuitTripFailures = -1 })

	_, _, err := c.FetchRank(context.Background(), "alice")
	require.ErrorIs(t, err, rank.ErrProviderUnavailable)
	assert.False(t, errors.Is(err, rank.ErrNotFound))
}

func TestFetchRankTimeoutIsUnavailable(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, func(c *Config) { c.Timeout = 50 * time.Millisecond })
	defer close(release)

	_, _, err := c.FetchRank(context.Background(), "alice")
	require.ErrorIs(t, err, rank.ErrProviderUnavailable)
}

func TestFetchRankCallerCancelled(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.FetchRank(ctx, "alice")
	require.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreakerOpens(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, func(c *Config) {
		c.CircuitTripFailures = 2
		c.CircuitOpenFor = time.Hour
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _, err := c.FetchRank(ctx, "alice")
		require.ErrorIs(t, err, rank.ErrProviderUnavailable)
	}
	_, _, err := c.FetchRank(ctx, "alice")
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.ErrorIs(t, err, rank.ErrProviderUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}, func(c *Config) { c.CircuitTripFailures = 1 })

	for i := 0; i < 3; i++ {
		_, _, err := c.FetchRank(context.Background(), "ghost")
		require.ErrorIs(t, err, rank.ErrNotFound)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestStats(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/players/p1/stats/cs2", r.URL.Path)
		_, _ = w.Write([]byte(`{"lifetime":{"Matches":"120","Win Rate %":"54","Average K/D Ratio":"1.12"}}`))
	})
	s, err := c.Stats(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, Lifetime{Matches: "120", WinRate: "54", KD: "1.12"}, s)
}

func TestStatsMissingFields(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"lifetime":{}}`))
	})
	s, err := c.Stats(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, Lifetime{Matches: "N/A", WinRate: "N/A", KD: "N/A"}, s)
}

func TestBreakerCooldownDoubles(t *testing.T) {
	t.Parallel()
	b := newBreaker(2, time.Second)
	now := time.Unix(1000, 0)
	b.record(now, true)
	open, _ := b.open(now)
	assert.False(t, open)

	b.record(now, true)
	open, until := b.open(now)
	require.True(t, open)
	assert.Equal(t, now.Add(time.Second), until)

	b.record(now, true)
	_, until = b.open(now)
	assert.Equal(t, now.Add(2*time.Second), until)

	b.record(now, false)
	open, _ = b.open(now)
	assert.False(t, open)

	disabled := newBreaker(-1, 0)
	for i := 0; i < 10; i++ {
		disabled.record(now, true)
	}
	open, _ = disabled.open(now)
	assert.False(t, open)
}

func TestLevelImageURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://cdn.faceit.com/images/levels/csgo/level_7_svg.svg", LevelImageURL(7))
}
