// Package faceit is a small client for the FACEIT data API (v4). It resolves a
// nickname to a skill level and fetches lifetime stats for the search command.
package faceit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"rankbot/internal/rank"
	logx "rankbot/pkg/logx"
)

const (
	DefaultBaseURL = "https://open.faceit.com/data/v4"
	DefaultGame    = "cs2"

	maxBodyBytes = 1 << 20
)

type Config struct {
	APIKey  string
	BaseURL string
	Game    string

	// Timeout bounds each HTTP call, including the rate limiter wait.
	Timeout time.Duration

	// RatePerSec <= 0 disables client-side rate limiting.
	RatePerSec int
	Burst      int

	// CircuitTripFailures: 0 uses the default (5), negative disables the breaker.
	CircuitTripFailures int
	CircuitOpenFor      time.Duration

	HTTPClient *http.Client
}

// Client implements rank.Provider. It never retries; the sync loop retries on
// the next cycle.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *breaker
	log     logx.Logger
	now     func() time.Time
}

var _ rank.Provider = (*Client)(nil)

func New(cfg Config, log logx.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.Game) == "" {
		cfg.Game = DefaultGame
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RatePerSec
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		limiter: lim,
		breaker: newBreaker(cfg.CircuitTripFailures, cfg.CircuitOpenFor),
		log:     log.With(logx.String("comp", "faceit")),
		now:     time.Now,
	}
}

// Game is one entry of a player's "games" object.
type Game struct {
	SkillLevel int `json:"skill_level"`
	Elo        int `json:"faceit_elo"`
}

type Player struct {
	ID       string          `json:"player_id"`
	Nickname string          `json:"nickname"`
	Avatar   string          `json:"avatar"`
	Country  string          `json:"country"`
	Games    map[string]Game `json:"games"`
}

// Lifetime holds the display values of a player's lifetime stats. Missing
// values are reported as "N/A".
type Lifetime struct {
	Matches string
	WinRate string
	KD      string
}

// GameName returns the tracked game key (e.g. "cs2").
func (c *Client) GameName() string { return c.cfg.Game }

// Player looks a player up by exact nickname.
func (c *Client) Player(ctx context.Context, nickname string) (*Player, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, &APIError{Status: http.StatusBadRequest, Message: "empty nickname"}
	}
	var p Player
	q := url.Values{"nickname": []string{nickname}}
	if err := c.get(ctx, "/players?"+q.Encode(), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Stats fetches lifetime stats for a player id.
func (c *Client) Stats(ctx context.Context, playerID string) (Lifetime, error) {
	var body struct {
		Lifetime map[string]any `json:"lifetime"`
	}
	path := "/players/" + url.PathEscape(playerID) + "/stats/" + url.PathEscape(c.cfg.Game)
	if err := c.get(ctx, path, &body); err != nil {
		return Lifetime{}, err
	}
	return Lifetime{
		Matches: statString(body.Lifetime, "Matches"),
		WinRate: statString(body.Lifetime, "Win Rate %"),
		KD:      statString(body.Lifetime, "Average K/D Ratio"),
	}, nil
}

// FetchRank returns the player's skill level for the tracked game.
//
// ok=false with a nil error means the account exists but has no level.
func (c *Client) FetchRank(ctx context.Context, username string) (rank.Value, bool, error) {
	p, err := c.Player(ctx, username)
	if err != nil {
		return rank.Value{}, false, err
	}
	v, ok := RankOf(p, c.cfg.Game)
	return v, ok, nil
}

// RankOf extracts the rank for game from a player.
func RankOf(p *Player, game string) (rank.Value, bool) {
	if p == nil {
		return rank.Value{}, false
	}
	g, ok := p.Games[game]
	if !ok || g.SkillLevel <= 0 {
		return rank.Value{}, false
	}
	return rank.Value{Tier: g.SkillLevel, Score: g.Elo, HasScore: g.Elo > 0}, true
}

// LevelImageURL returns the level badge image for a skill level.
func LevelImageURL(level int) string {
	return fmt.Sprintf("https://cdn.faceit.com/images/levels/csgo/level_%d_svg.svg", level)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if open, until := c.breaker.open(c.now()); open {
		return fmt.Errorf("%w (until %s)", ErrCircuitOpen, until.Format(time.RFC3339))
	}

	err := c.do(ctx, path, out)
	if err != nil && ctx.Err() != nil {
		// Caller cancelled; not the provider's fault.
		return ctx.Err()
	}
	c.breaker.record(c.now(), errors.Is(err, rank.ErrProviderUnavailable))
	return err
}

func (c *Client) do(ctx context.Context, path string, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(callCtx); err != nil {
			return fmt.Errorf("%w: rate limit wait: %v", rank.ErrProviderUnavailable, err)
		}
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", rank.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", rank.ErrProviderUnavailable, err)
	}
	c.log.Debug("faceit request",
		logx.String("path", req.URL.Path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", c.now().Sub(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: apiMessage(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode: %v", rank.ErrProviderUnavailable, err)
	}
	return nil
}

// apiMessage extracts the "message" field FACEIT puts in error bodies.
func apiMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if len(e.Errors) > 0 {
		return e.Errors[0].Message
	}
	return ""
}

func statString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return "N/A"
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return "N/A"
	}
	return s
}
