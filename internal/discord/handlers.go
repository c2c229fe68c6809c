package discord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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

const searchEmbedColor = 0x00ff00

func (c *Commands) table() []*Command {
	minOne := 1.0
	return []*Command{
		{
			Name:        "faceitsearch",
			Description: "Search FACEIT stats for a given username and display them in an embed.",
			Options: []*discordgo.ApplicationCommandOption{{
				Type: discordgo.ApplicationCommandOptionString, Name: "username",
				Description: "FACEIT username to search for", Required: true,
			}},
			Public:   true,
			Validate: validateUsername,
			Handle:   c.search,
		},
		{
			Name:        "linkfaceit",
			Description: "Link a Discord account to a FACEIT username.",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionUser, Name: "discord_user", Description: "The Discord user to link", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "username", Description: "FACEIT username to link", Required: true},
			},
			Validate: func(req *Request) string {
				if msg := validateUsername(req); msg != "" {
					return msg
				}
				return requireManageForOther(req, "discord_user", "link")
			},
			Handle: c.link,
		},
		{
			Name:        "faceitupdate",
			Description: "Update a Discord role based on the linked FACEIT level.",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionUser, Name: "user", Description: "Member to update (admins only; defaults to you)"},
			},
			GuildOnly: true,
			Validate:  func(req *Request) string { return requireManageForOther(req, "user", "update") },
			Handle:    c.update,
		},
		{
			Name:        "faceitupdateall",
			Description: "(Admin) Update FACEIT roles for all linked users in the server.",
			Access:      AccessManager,
			GuildOnly:   true,
			Timeout:     10 * time.Minute,
			Handle:      c.updateAll,
		},
		{
			Name:        "faceitunlink",
			Description: "Remove the FACEIT link of a Discord account.",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionUser, Name: "user", Description: "Member to unlink (admins only; defaults to you)"},
			},
			Validate: func(req *Request) string { return requireManageForOther(req, "user", "unlink") },
			Handle:   c.unlink,
		},
		{
			Name:        "faceitsync",
			Description: "Set the interval (in minutes) for automatic FACEIT level sync.",
			Options: []*discordgo.ApplicationCommandOption{{
				Type: discordgo.ApplicationCommandOptionInteger, Name: "minutes",
				Description: "Interval in minutes between each sync (minimum 1)", Required: true, MinValue: &minOne,
			}},
			Access: AccessManager,
			Validate: func(req *Request) string {
				if req.Ints["minutes"] < 1 {
					return "Sync interval must be at least 1 minute."
				}
				return ""
			},
			Handle: c.setInterval,
		},
		{
			Name:        "faceitstatus",
			Description: "Show the automatic FACEIT sync status.",
			Handle:      c.status,
		},
		{
			Name:        "help",
			Description: "Show all available commands and their descriptions.",
			Handle:      c.help,
		},
	}
}

func validateUsername(req *Request) string {
	if !validNickname(req.str("username")) {
		return "Invalid nickname. Type it exactly as it appears on FACEIT, without spaces."
	}
	return ""
}

func requireManageForOther(req *Request, opt, verb string) string {
	if req.target(opt) != req.UserID && !req.CanManage {
		return fmt.Sprintf("You do not have permission to %s other users. Only server admins can do this.", verb)
	}
	return ""
}

func (c *Commands) search(ctx context.Context, req *Request) Reply {
	username := req.str("username")
	p, err := c.deps.Lookup.Player(ctx, username)
	if err != nil {
		c.log.Info("faceit search failed", logx.String("username", username), logx.Err(err))
		return Reply{Content: searchError(username, err)}
	}
	life, err := c.deps.Lookup.Stats(ctx, p.ID)
	if err != nil {
		c.log.Info("faceit stats failed", logx.Account(p.ID, username), logx.Err(err))
		return Reply{Content: "Could not fetch stats for: " + username}
	}
	return Reply{Embed: searchEmbed(username, p, c.deps.Lookup.GameName(), life)}
}

func searchError(username string, err error) string {
	apiErr, ok := faceit.AsAPIError(err)
	switch {
	case ok && apiErr.Status == 400:
		return fmt.Sprintf("Could not find FACEIT user: %s\n"+
			"HTTP Status: 400 (Bad Request)\n"+
			"FACEIT API message: %s\n"+
			"Possible causes: wrong nickname, invalid characters, or the user does not exist.\n"+
			"Hint: check the exact nickname on the FACEIT website.", username, apiMessage(apiErr))
	case ok:
		return fmt.Sprintf("Could not find FACEIT user: %s\n"+
			"HTTP Status: %d\n"+
			"FACEIT API message: %s\n"+
			"Possible causes: misspelled username, user does not exist, or FACEIT API is down.",
			username, apiErr.Status, apiMessage(apiErr))
	case providerUnavailable(err):
		return "FACEIT is unavailable right now, try again later."
	default:
		return "Could not find FACEIT user: " + username
	}
}

func apiMessage(e *faceit.APIError) string {
	if e.Message == "" {
		return "No error message from FACEIT API."
	}
	return e.Message
}

func searchEmbed(username string, p *faceit.Player, game string, life faceit.Lifetime) *discordgo.MessageEmbed {
	elo := "N/A"
	g, ok := p.Games[game]
	if ok && g.Elo > 0 {
		elo = strconv.Itoa(g.Elo)
	}
	e := &discordgo.MessageEmbed{
		Title: "FACEIT Stats for " + username,
		Color: searchEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "ELO", Value: elo, Inline: true},
			{Name: "Matches", Value: life.Matches, Inline: true},
			{Name: "Win Rate %", Value: life.WinRate, Inline: true},
			{Name: "K/D Ratio", Value: life.KD, Inline: true},
		},
	}
	if p.Avatar != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: p.Avatar}
	}
	if ok && g.SkillLevel > 0 {
		e.Image = &discordgo.MessageEmbedImage{URL: faceit.LevelImageURL(g.SkillLevel)}
	}
	return e
}

func (c *Commands) link(ctx context.Context, req *Request) Reply {
	target := req.target("discord_user")
	username := req.str("username")
	if err := c.deps.Links.Link(ctx, target, username); err != nil {
		c.log.Error("link failed", logx.Account(target, username), logx.Err(err))
		return Reply{Content: "Could not save the link, try again later."}
	}
	c.auditLink(ctx, req, storage.ActionLink, target, username)
	return Reply{Content: fmt.Sprintf("Linked %s to FACEIT username: %s", mention(target), username)}
}

func (c *Commands) unlink(ctx context.Context, req *Request) Reply {
	target := req.target("user")
	ok, err := c.deps.Links.Unlink(ctx, target)
	if err != nil {
		c.log.Error("unlink failed", logx.String("account_id", target), logx.Err(err))
		return Reply{Content: "Could not remove the link, try again later."}
	}
	if !ok {
		return Reply{Content: mention(target) + " has no linked FACEIT account."}
	}
	c.auditLink(ctx, req, storage.ActionUnlink, target, "")
	return Reply{Content: "Removed the FACEIT link of " + mention(target) + "."}
}

func (c *Commands) auditLink(ctx context.Context, req *Request, action, accountID, username string) {
	err := c.deps.Links.AppendAudit(ctx, storage.AuditEntry{
		At:        c.now(),
		Action:    action,
		Actor:     req.UserID,
		GuildID:   req.GuildID,
		AccountID: accountID,
		Username:  username,
	})
	if err != nil {
		c.log.Warn("audit append failed", logx.String("action", action), logx.String("account_id", accountID), logx.Err(err))
	}
}

func (c *Commands) update(ctx context.Context, req *Request) Reply {
	target := req.target("user")
	rep, err := c.deps.Syncer.SyncAccount(ctx, req.GuildID, target)
	return Reply{Content: updateMessage(target, rep, err)}
}

func updateMessage(userID string, rep rolesync.AccountReport, err error) string {
	who := mention(userID)
	switch {
	case errors.Is(err, rolesync.ErrNotLinked):
		return who + " needs to link their FACEIT account first using /linkfaceit."
	case errors.Is(err, rolesync.ErrBusy):
		return "A role update for " + who + " is already running, try again in a moment."
	case errors.Is(err, rank.ErrNotFound):
		return "Could not find FACEIT user: " + rep.Username
	case errors.Is(err, rank.ErrProviderUnavailable):
		return "FACEIT is unavailable right now, try again later."
	case errors.Is(err, rank.ErrStoreUnavailable):
		return "The link store is unavailable, try again later."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "The update for " + who + " did not finish in time, try again later."
	case err != nil:
		return "Could not update roles for " + who + ". Check that the bot can manage roles."
	}
	switch {
	case rep.Result == rolesync.ResultNotMember:
		return who + " is not a member of this server."
	case rep.Reason == rolesync.ReasonNoRank:
		return "Could not determine FACEIT level for " + who + "."
	case rep.Result == rolesync.ResultUnchanged:
		return who + " already has " + rep.Target + "."
	default:
		return fmt.Sprintf("%s's role has been updated to %s!", who, rep.Target)
	}
}

func (c *Commands) updateAll(ctx context.Context, req *Request) Reply {
	sum, err := c.deps.Syncer.SyncGroup(ctx, req.GuildID)
	if err != nil {
		c.log.Warn("update all failed", logx.String("guild_id", req.GuildID), logx.Err(err))
		if errors.Is(err, rank.ErrStoreUnavailable) {
			return Reply{Content: "The link store is unavailable, try again later."}
		}
		return Reply{Content: "Could not update FACEIT roles, try again later."}
	}
	return Reply{Content: fmt.Sprintf("Updated FACEIT roles for %d members.\n%s", sum.Updated, sum.String())}
}

func (c *Commands) setInterval(_ context.Context, req *Request) Reply {
	minutes := req.Ints["minutes"]
	if err := c.deps.Scheduler.SetInterval(int(minutes)); err != nil {
		return Reply{Content: "Sync interval must be at least 1 minute."}
	}
	return Reply{Content: fmt.Sprintf("FACEIT level sync interval set to %d minutes.", minutes)}
}

func (c *Commands) status(_ context.Context, _ *Request) Reply {
	return Reply{Content: statusText(c.deps.Scheduler.Status())}
}

func statusText(st syncloop.Status) string {
	lines := []string{
		"**FACEIT sync status**",
		"State: " + string(st.State),
		"Schedule: " + orDash(st.Spec),
		"Next run: " + discordTime(st.NextRun),
		"Last run: " + discordTime(st.LastRun),
	}
	if st.LastSummary != nil {
		lines = append(lines, "Last result: "+st.LastSummary.String())
	}
	if st.LastError != "" {
		lines = append(lines, fmt.Sprintf("Last error: %s (%d consecutive failures)", st.LastError, st.ConsecutiveFailures))
	}
	if st.Degraded {
		lines = append(lines, "Sync is degraded; retrying with backoff.")
	}
	return strings.Join(lines, "\n")
}

func discordTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("<t:%d:R>", t.Unix())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (c *Commands) help(_ context.Context, _ *Request) Reply {
	lines := []string{"**Available Commands:**"}
	for _, cmd := range c.list {
		usage := "/" + cmd.Name
		for _, o := range cmd.Options {
			if o.Required {
				usage += " <" + o.Name + ">"
			} else {
				usage += " [" + o.Name + "]"
			}
		}
		lines = append(lines, usage+" - "+cmd.Description)
	}
	return Reply{Content: strings.Join(lines, "\n")}
}
