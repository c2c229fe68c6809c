// Package httpserver serves the keep-alive endpoint, a JSON health view of
// the sync loop and, optionally, pprof.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "rankbot/internal/runtime/supervisor"
	"rankbot/internal/task/syncloop"
	logx "rankbot/pkg/logx"
)

const pprofPrefix = "/debug/pprof/"

// Config controls the HTTP server.
//
// Security:
//   - pprof is only mounted when Pprof is set.
//   - On a non-loopback address pprof needs Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Pprof         bool
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Health is the /healthz document.
type Health struct {
	Status              string                    `json:"status"`
	State               string                    `json:"state"`
	Schedule            string                    `json:"schedule"`
	NextRun             *time.Time                `json:"next_run,omitempty"`
	LastRun             *time.Time                `json:"last_run,omitempty"`
	LastDurationMS      int64                     `json:"last_duration_ms"`
	LastResult          string                    `json:"last_result,omitempty"`
	LastError           string                    `json:"last_error,omitempty"`
	ConsecutiveFailures int                       `json:"consecutive_failures"`
	Degraded            bool                      `json:"degraded"`
	Supervisors         map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
}

// StatusSource reports the sync loop state.
type StatusSource interface {
	Status() syncloop.Status
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	status StatusSource
	sups   func() map[string]rtsup.Snapshot

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

// New builds the server. sups may be nil.
func New(cfg Config, status StatusSource, sups func() map[string]rtsup.Snapshot, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, status: status, sups: sups, log: log.With(logx.String("comp", "http"))}
}

// Addr reports the bound address while serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg, starting, stopping or restarting as needed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent. The listener runs under a restart loop.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = ":8080"
	}
	if cur.Pprof && !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("pprof refused: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		cur.Pprof = false
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cur.Pprof),
		logx.Bool("token_set", cur.Token != ""),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.ln, s.srv = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Handler builds the mux for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Bot is alive!"))
	})
	mux.HandleFunc("GET /healthz", s.healthz)

	if cfg.Pprof {
		wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
		mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	h := Health{Status: "ok", State: "unknown"}
	if s.status != nil {
		h = healthFrom(s.status.Status())
	}
	if s.sups != nil {
		h.Supervisors = s.sups()
	}
	code := http.StatusOK
	if h.Degraded {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(h)
}

func healthFrom(st syncloop.Status) Health {
	h := Health{
		Status:              "ok",
		State:               string(st.State),
		Schedule:            st.Spec,
		LastDurationMS:      st.LastDuration.Milliseconds(),
		LastError:           st.LastError,
		ConsecutiveFailures: st.ConsecutiveFailures,
		Degraded:            st.Degraded,
	}
	if st.Degraded {
		h.Status = "degraded"
	}
	if !st.NextRun.IsZero() {
		t := st.NextRun.UTC()
		h.NextRun = &t
	}
	if !st.LastRun.IsZero() {
		t := st.LastRun.UTC()
		h.LastRun = &t
	}
	if st.LastSummary != nil {
		h.LastResult = st.LastSummary.String()
	}
	return h
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
