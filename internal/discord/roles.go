package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"rankbot/internal/rolesync"
	logx "rankbot/pkg/logx"
)

// RoleApplier implements rolesync.Applier with guild roles.
type RoleApplier struct {
	rest   restAPI
	prefix string
	color  int
	log    logx.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

var _ rolesync.Applier = (*RoleApplier)(nil)

// NewRoleApplier manages roles named "<prefix> <level>" created with color.
func NewRoleApplier(a *Adapter, prefix string, color int, log logx.Logger) *RoleApplier {
	return newRoleApplier(a.rest, prefix, color, log)
}

func newRoleApplier(rest restAPI, prefix string, color int, log logx.Logger) *RoleApplier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RoleApplier{
		rest:   rest,
		prefix: prefix,
		color:  color,
		log:    log.With(logx.String("comp", "discord.roles")),
		locks:  map[string]chan struct{}{},
	}
}

// lockGuild serializes role creation per guild. The returned func releases.
func (r *RoleApplier) lockGuild(ctx context.Context, guildID string) (func(), error) {
	r.mu.Lock()
	ch, ok := r.locks[guildID]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[guildID] = ch
	}
	r.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EnsureTag returns the role named name, creating it when missing. A role
// created concurrently elsewhere is found by the re-check after a failed
// create.
func (r *RoleApplier) EnsureTag(ctx context.Context, guildID, name string) (rolesync.Tag, error) {
	unlock, err := r.lockGuild(ctx, guildID)
	if err != nil {
		return rolesync.Tag{}, err
	}
	defer unlock()

	if t, ok, err := r.findRole(ctx, guildID, name); err != nil || ok {
		return t, err
	}

	color := r.color
	role, cerr := r.rest.GuildRoleCreate(guildID, &discordgo.RoleParams{Name: name, Color: &color}, discordgo.WithContext(ctx))
	if cerr == nil && role != nil {
		r.log.Info("rank role created", logx.String("guild_id", guildID), logx.String("role", name), logx.String("role_id", role.ID))
		return rolesync.Tag{ID: role.ID, Name: role.Name}, nil
	}
	if t, ok, err := r.findRole(ctx, guildID, name); err == nil && ok {
		return t, nil
	}
	if cerr == nil {
		cerr = fmt.Errorf("empty response")
	}
	return rolesync.Tag{}, fmt.Errorf("discord: create role %q in guild %s: %w", name, guildID, cerr)
}

func (r *RoleApplier) findRole(ctx context.Context, guildID, name string) (rolesync.Tag, bool, error) {
	roles, err := r.rest.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return rolesync.Tag{}, false, fmt.Errorf("discord: list roles of guild %s: %w", guildID, err)
	}
	for _, role := range roles {
		if role != nil && role.Name == name {
			return rolesync.Tag{ID: role.ID, Name: role.Name}, true, nil
		}
	}
	return rolesync.Tag{}, false, nil
}

// CurrentRankTags returns the member's roles whose names match the rank tag
// pattern. Other roles are never returned.
func (r *RoleApplier) CurrentRankTags(ctx context.Context, guildID, userID string) ([]rolesync.Tag, error) {
	m, err := r.rest.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: member %s in guild %s: %w", userID, guildID, err)
	}
	if len(m.Roles) == 0 {
		return nil, nil
	}
	roles, err := r.rest.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: list roles of guild %s: %w", guildID, err)
	}
	names := make(map[string]string, len(roles))
	for _, role := range roles {
		if role != nil {
			names[role.ID] = role.Name
		}
	}
	var out []rolesync.Tag
	for _, id := range m.Roles {
		if name, ok := names[id]; ok && rolesync.IsRankTag(r.prefix, name) {
			out = append(out, rolesync.Tag{ID: id, Name: name})
		}
	}
	return out, nil
}

// SetMembership removes, then adds. Every tag gets an outcome; one failed
// write does not stop the rest.
func (r *RoleApplier) SetMembership(ctx context.Context, guildID, userID string, add, remove []rolesync.Tag) []rolesync.Outcome {
	out := make([]rolesync.Outcome, 0, len(add)+len(remove))
	for _, t := range remove {
		err := r.rest.GuildMemberRoleRemove(guildID, userID, t.ID, discordgo.WithContext(ctx))
		out = append(out, rolesync.Outcome{Tag: t, Err: wrapWrite("remove", t, err)})
	}
	for _, t := range add {
		err := r.rest.GuildMemberRoleAdd(guildID, userID, t.ID, discordgo.WithContext(ctx))
		out = append(out, rolesync.Outcome{Tag: t, Added: true, Err: wrapWrite("add", t, err)})
	}
	return out
}

func wrapWrite(op string, t rolesync.Tag, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("discord: %s role %q: %w", op, t.Name, err)
}
