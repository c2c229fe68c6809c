package discord

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"rankbot/internal/faceit"
	"rankbot/internal/rank"
	"rankbot/internal/rolesync"
	"rankbot/internal/storage"
	"rankbot/internal/task/syncloop"
	logx "rankbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessManager requires Manage Server or Administrator.
	AccessManager
)

const defaultCommandTimeout = 30 * time.Second

// Request is a parsed slash command invocation.
type Request struct {
	Command   string
	GuildID   string
	UserID    string
	CanManage bool

	Strings map[string]string
	Ints    map[string]int64
	Users   map[string]string
}

func (r *Request) str(name string) string { return r.Strings[name] }

// target returns the user option name, or the invoker when it is absent.
func (r *Request) target(name string) string {
	if id := r.Users[name]; id != "" {
		return id
	}
	return r.UserID
}

// Reply is the message sent back for a command.
type Reply struct {
	Content string
	Embed   *discordgo.MessageEmbed
}

type HandlerFunc func(ctx context.Context, req *Request) Reply

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type Command struct {
	Name        string
	Description string
	Options     []*discordgo.ApplicationCommandOption
	Access      Access
	GuildOnly   bool
	// Public replies are visible to the channel; all others are ephemeral.
	Public  bool
	Timeout time.Duration
	// Validate runs before the reply is deferred. A non-empty result is sent
	// as the (ephemeral) reply and Handle is skipped.
	Validate func(req *Request) string
	Handle   HandlerFunc
}

// Syncer reconciles on demand.
type Syncer interface {
	SyncAccount(ctx context.Context, guildID, userID string) (rolesync.AccountReport, error)
	SyncGroup(ctx context.Context, guildID string) (rolesync.Summary, error)
}

// Scheduler controls the periodic sync loop.
type Scheduler interface {
	SetInterval(minutes int) error
	Status() syncloop.Status
}

// Lookup queries FACEIT player data.
type Lookup interface {
	Player(ctx context.Context, nickname string) (*faceit.Player, error)
	Stats(ctx context.Context, playerID string) (faceit.Lifetime, error)
	GameName() string
}

// Links edits the link store.
type Links interface {
	Link(ctx context.Context, accountID, username string) error
	Unlink(ctx context.Context, accountID string) (bool, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Syncer    Syncer
	Scheduler Scheduler
	Lookup    Lookup
	Links     Links
}

// Commands is the slash command table and its interaction handler.
type Commands struct {
	deps Deps
	log  logx.Logger
	now  func() time.Time

	list     []*Command
	byName   map[string]*Command
	handlers map[string]HandlerFunc
}

func NewCommands(deps Deps, log logx.Logger) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Commands{
		deps:     deps,
		log:      log.With(logx.String("comp", "discord.commands")),
		now:      time.Now,
		byName:   map[string]*Command{},
		handlers: map[string]HandlerFunc{},
	}
	for _, cmd := range c.table() {
		c.add(cmd)
	}
	return c
}

func (c *Commands) add(cmd *Command) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	c.list = append(c.list, cmd)
	c.byName[cmd.Name] = cmd
	c.handlers[cmd.Name] = Chain(cmd.Handle,
		MWRequestLog(c.log),
		MWPanicRecover(c.log),
		MWTimeout(timeout),
	)
}

// Definitions returns the application command payloads for registration.
func (c *Commands) Definitions() []*discordgo.ApplicationCommand {
	out := make([]*discordgo.ApplicationCommand, 0, len(c.list))
	for _, cmd := range c.list {
		def := &discordgo.ApplicationCommand{
			Name:        cmd.Name,
			Description: cmd.Description,
			Options:     cmd.Options,
		}
		if cmd.Access == AccessManager {
			perm := int64(discordgo.PermissionManageServer)
			def.DefaultMemberPermissions = &perm
		}
		out = append(out, def)
	}
	return out
}

// Register overwrites the application's global commands.
func (c *Commands) Register(ctx context.Context, s *discordgo.Session, appID string) error {
	if appID == "" {
		return errors.New("discord: application id unknown (gateway not ready)")
	}
	cmds, err := s.ApplicationCommandBulkOverwrite(appID, "", c.Definitions(), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: register commands: %w", err)
	}
	c.log.Info("slash commands registered", logx.Int("count", len(cmds)))
	return nil
}

// Attach installs the interaction handler on s. ctx bounds every handler;
// the returned func detaches it.
func (c *Commands) Attach(ctx context.Context, s *discordgo.Session) func() {
	return s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		c.onInteraction(ctx, s, i)
	})
}

func (c *Commands) onInteraction(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	cmd, ok := c.byName[data.Name]
	if !ok {
		return
	}
	req := requestFrom(i.Interaction, data)
	log := c.log.With(logx.String("cmd", cmd.Name), logx.String("guild_id", req.GuildID), logx.String("user_id", req.UserID))

	if msg := c.precheck(cmd, req); msg != "" {
		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: msg, Flags: discordgo.MessageFlagsEphemeral},
		})
		if err != nil {
			log.Warn("interaction respond failed", logx.Err(err))
		}
		return
	}

	var flags discordgo.MessageFlags
	if !cmd.Public {
		flags = discordgo.MessageFlagsEphemeral
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	}); err != nil {
		log.Warn("interaction defer failed", logx.Err(err))
		return
	}

	rep := c.handlers[cmd.Name](ctx, req)
	edit := &discordgo.WebhookEdit{Content: &rep.Content}
	if rep.Embed != nil {
		embeds := []*discordgo.MessageEmbed{rep.Embed}
		edit.Embeds = &embeds
	}
	if _, err := s.InteractionResponseEdit(i.Interaction, edit); err != nil {
		log.Warn("interaction edit failed", logx.Err(err))
	}
}

// Dispatch runs a command without a gateway session.
func (c *Commands) Dispatch(ctx context.Context, req *Request) Reply {
	cmd, ok := c.byName[req.Command]
	if !ok {
		return Reply{Content: "Unknown command. Try /help."}
	}
	if msg := c.precheck(cmd, req); msg != "" {
		return Reply{Content: msg}
	}
	return c.handlers[cmd.Name](ctx, req)
}

func (c *Commands) precheck(cmd *Command, req *Request) string {
	if cmd.GuildOnly && req.GuildID == "" {
		return "This command can only be used in a server."
	}
	if cmd.Access == AccessManager && !req.CanManage {
		return "You do not have permission to use this command."
	}
	if cmd.Validate != nil {
		return cmd.Validate(req)
	}
	return ""
}

func requestFrom(i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData) *Request {
	req := &Request{
		Command: data.Name,
		GuildID: i.GuildID,
		Strings: map[string]string{},
		Ints:    map[string]int64{},
		Users:   map[string]string{},
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		req.UserID = i.Member.User.ID
		req.CanManage = canManage(i.Member.Permissions)
	case i.User != nil:
		req.UserID = i.User.ID
	}
	for _, o := range data.Options {
		if o == nil {
			continue
		}
		switch o.Type {
		case discordgo.ApplicationCommandOptionString:
			req.Strings[o.Name] = strings.TrimSpace(o.StringValue())
		case discordgo.ApplicationCommandOptionInteger:
			req.Ints[o.Name] = o.IntValue()
		case discordgo.ApplicationCommandOptionUser:
			req.Users[o.Name] = o.UserValue(nil).ID
		}
	}
	return req
}

func canManage(perms int64) bool {
	return perms&(discordgo.PermissionManageServer|discordgo.PermissionAdministrator) != 0
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) Reply {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (rep Reply) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						logx.String("cmd", req.Command),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					rep = Reply{Content: "Something went wrong while running this command."}
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) Reply {
			start := time.Now()
			rep := next(ctx, req)
			log.Info("command handled",
				logx.String("cmd", req.Command),
				logx.String("guild_id", req.GuildID),
				logx.String("user_id", req.UserID),
				logx.Duration("took", time.Since(start)),
			)
			return rep
		}
	}
}

func mention(userID string) string { return "<@" + userID + ">" }

// validNickname rejects empty names and names containing whitespace.
func validNickname(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\r\n")
}

func providerUnavailable(err error) bool {
	return errors.Is(err, rank.ErrProviderUnavailable)
}
