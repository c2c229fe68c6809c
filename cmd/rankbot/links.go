package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"rankbot/internal/app"
	"rankbot/internal/config"
	"rankbot/internal/storage"
	logx "rankbot/pkg/logx"
)

var (
	idColor   = color.New(color.FgCyan)
	nameColor = color.New(color.FgHiGreen)
	warnColor = color.New(color.FgYellow)
)

func linksCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Inspect and edit the Discord to FACEIT link store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), *cfgPath, func(ctx context.Context, st storage.Store) error {
				links, err := st.Load(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(links) == 0 {
					fmt.Fprintln(w, "No links found")
					return nil
				}
				fmt.Fprintf(w, "Found %d link(s):\n\n", len(links))
				for _, l := range storage.SortedLinks(links) {
					fmt.Fprintf(w, "%s  %s\n", idColor.Sprintf("%-20s", l.AccountID), nameColor.Sprint(l.Username))
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <discord-user-id> <faceit-username>",
		Short: "Link a Discord user to a FACEIT username",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, name := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
			if err := validLinkArgs(id, name); err != nil {
				return err
			}
			return withStore(cmd.Context(), *cfgPath, func(ctx context.Context, st storage.Store) error {
				if err := st.Link(ctx, id, name); err != nil {
					return fmt.Errorf("failed to link: %w", err)
				}
				audit(ctx, st, storage.ActionLink, id, name)
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Linked %s to %s\n", idColor.Sprint(id), nameColor.Sprint(name))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <discord-user-id>",
		Short: "Remove a link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return withStore(cmd.Context(), *cfgPath, func(ctx context.Context, st storage.Store) error {
				ok, err := st.Unlink(ctx, id)
				if err != nil {
					return fmt.Errorf("failed to unlink: %w", err)
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), warnColor.Sprintf("No link for %s", id))
					return nil
				}
				audit(ctx, st, storage.ActionUnlink, id, "")
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed link for %s\n", idColor.Sprint(id))
				return nil
			})
		},
	})
	return cmd
}

func validLinkArgs(id, name string) error {
	for _, r := range id {
		if r < '0' || r > '9' {
			return fmt.Errorf("discord user id must be numeric: %q", id)
		}
	}
	if id == "" {
		return errors.New("discord user id is empty")
	}
	if name == "" || strings.ContainsAny(name, " \t") {
		return fmt.Errorf("invalid FACEIT username %q: must be non-empty and contain no spaces", name)
	}
	return nil
}

func audit(ctx context.Context, st storage.Store, action, id, name string) {
	_ = st.AppendAudit(ctx, storage.AuditEntry{
		At:        time.Now().UTC(),
		Action:    action,
		Actor:     "cli",
		AccountID: id,
		Username:  name,
	})
}

// withStore opens the configured store for one command. Secrets are not
// required; only the storage section is used.
func withStore(ctx context.Context, cfgPath string, fn func(context.Context, storage.Store) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.NewConsole("WARN"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(ctx, st)
}
