package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rankbot/internal/rolesync"
	rtsup "rankbot/internal/runtime/supervisor"
	"rankbot/internal/task/syncloop"
	logx "rankbot/pkg/logx"
)

type fixedStatus syncloop.Status

func (f fixedStatus) Status() syncloop.Status { return syncloop.Status(f) }

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if len(header) == 2 {
		r.Header.Set(header[0], header[1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRootIsAlive(t *testing.T) {
	s := New(Config{}, nil, nil, logx.Nop())
	w := get(t, s.Handler(Config{}), "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bot is alive!", w.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(Config{}), "/nope").Code)
}

func TestHealthz(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := fixedStatus{
		State:        syncloop.StateRunning,
		Spec:         "6h",
		LastRun:      last,
		LastDuration: 1500 * time.Millisecond,
		LastSummary:  &rolesync.Summary{Examined: 3, Updated: 1, Unchanged: 2},
	}
	sups := func() map[string]rtsup.Snapshot {
		return map[string]rtsup.Snapshot{"sync": {}}
	}
	s := New(Config{}, st, sups, logx.Nop())

	w := get(t, s.Handler(Config{}), "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	var h Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "running", h.State)
	assert.Equal(t, "6h", h.Schedule)
	assert.Equal(t, int64(1500), h.LastDurationMS)
	require.NotNil(t, h.LastRun)
	assert.True(t, last.Equal(*h.LastRun))
	assert.Nil(t, h.NextRun)
	assert.Contains(t, h.LastResult, "3 examined")
	assert.Contains(t, h.Supervisors, "sync")
}

func TestHealthzDegraded(t *testing.T) {
	s := New(Config{}, fixedStatus{State: syncloop.StateRunning, Degraded: true, ConsecutiveFailures: 4, LastError: "boom"}, nil, logx.Nop())
	w := get(t, s.Handler(Config{}), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status": "degraded"`)
	assert.Contains(t, w.Body.String(), `"last_error": "boom"`)
}

func TestPprofMountAndAuth(t *testing.T) {
	s := New(Config{}, nil, nil, logx.Nop())
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(Config{}), "/debug/pprof/").Code)

	h := s.Handler(Config{Pprof: true, Token: "secret"})
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/debug/pprof/").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/debug/pprof/?token=wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/?token=secret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", "Authorization", "Bearer secret").Code)
	// The keep-alive endpoint never needs the token.
	assert.Equal(t, http.StatusOK, get(t, h, "/").Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:8080"))
	assert.False(t, isLoopbackAddr(":8080"))
	assert.False(t, isLoopbackAddr("0.0.0.0:8080"))
	assert.False(t, isLoopbackAddr("garbage"))
}

func TestStartServeStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, nil, logx.Nop())
	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "Bot is alive!", string(body))

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Equal(t, "", s.Addr())
}
