// Package discord connects the sync core to Discord: guild enumeration and
// membership (rolesync.Platform), rank role writes (rolesync.Applier) and the
// slash command surface.
package discord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	logx "rankbot/pkg/logx"
)

// restAPI is the subset of *discordgo.Session used for membership and role writes.
type restAPI interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildRoleCreate(guildID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
}

type Config struct {
	Token string
	// Guilds restricts Groups to these guild ids. Empty means every guild
	// the bot has joined.
	Guilds []string
}

// Adapter owns the gateway session.
type Adapter struct {
	session *discordgo.Session
	state   *discordgo.State
	rest    restAPI
	log     logx.Logger
	allow   map[string]struct{}

	readyOnce sync.Once
	ready     chan struct{}

	mu    sync.RWMutex
	appID string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord: token required")
	}
	s, err := discordgo.New("Bot " + strings.TrimPrefix(token, "Bot "))
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

	a := newAdapter(s.State, s, cfg.Guilds, log)
	a.session = s
	s.AddHandler(a.onReady)
	return a, nil
}

func newAdapter(state *discordgo.State, rest restAPI, guilds []string, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		state: state,
		rest:  rest,
		log:   log.With(logx.String("comp", "discord")),
		ready: make(chan struct{}),
	}
	for _, g := range guilds {
		if g = strings.TrimSpace(g); g != "" {
			if a.allow == nil {
				a.allow = map[string]struct{}{}
			}
			a.allow[g] = struct{}{}
		}
	}
	return a
}

// Session exposes the underlying session for handler registration.
func (a *Adapter) Session() *discordgo.Session { return a.session }

// Open connects to the gateway. It does not wait for Ready.
func (a *Adapter) Open() error {
	if a.session == nil {
		return errors.New("discord: no session")
	}
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.mu.Lock()
		a.appID = r.User.ID
		a.mu.Unlock()
	}
	a.log.Info("discord gateway ready", logx.Int("guilds", len(r.Guilds)))
	a.readyOnce.Do(func() { close(a.ready) })
}

// Ready blocks until the first gateway Ready event or ctx ends.
func (a *Adapter) Ready(ctx context.Context) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppID is the bot user id, known after Ready.
func (a *Adapter) AppID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.appID
}

// Groups lists the joined guilds, filtered by Config.Guilds.
func (a *Adapter) Groups(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.state == nil {
		return nil, discordgo.ErrNilState
	}
	a.state.RLock()
	out := make([]string, 0, len(a.state.Guilds))
	for _, g := range a.state.Guilds {
		if g == nil || g.Unavailable {
			continue
		}
		if a.allow != nil {
			if _, ok := a.allow[g.ID]; !ok {
				continue
			}
		}
		out = append(out, g.ID)
	}
	a.state.RUnlock()
	slices.Sort(out)
	return out, nil
}

// IsMember checks the state cache, then the REST API. An unknown member is
// reported as false with a nil error.
func (a *Adapter) IsMember(ctx context.Context, guildID, userID string) (bool, error) {
	if a.state != nil {
		if m, err := a.state.Member(guildID, userID); err == nil && m != nil {
			return true, nil
		}
	}
	_, err := a.rest.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	switch {
	case err == nil:
		return true, nil
	case isUnknownMember(err):
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, fmt.Errorf("discord: member %s in guild %s: %w", userID, guildID, err)
	}
}

func isUnknownMember(err error) bool {
	return restCode(err) == discordgo.ErrCodeUnknownMember
}

func restCode(err error) int {
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Message != nil {
		return re.Message.Code
	}
	return 0
}
