package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"rankbot/internal/app"
	"rankbot/internal/config"
	"rankbot/internal/faceit"
	logx "rankbot/pkg/logx"
)

func lookupCmd(cfgPath *string) *cobra.Command {
	var withStats bool
	cmd := &cobra.Command{
		Use:   "lookup <faceit-username>",
		Short: "Print a player's FACEIT level and elo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			fc, err := app.NewFaceit(cfg, logx.NewConsole("WARN"))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			name := strings.TrimSpace(args[0])
			p, err := fc.Player(ctx, name)
			if err != nil {
				return fmt.Errorf("lookup %s: %w", name, err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s (%s)\n", nameColor.Sprint(p.Nickname), idColor.Sprint(p.ID))
			v, ok := faceit.RankOf(p, fc.GameName())
			if !ok {
				fmt.Fprintln(w, warnColor.Sprintf("  no %s level", fc.GameName()))
				return nil
			}
			fmt.Fprintf(w, "  %s elo %d\n", levelColor(v.Tier).Sprintf("level %d", v.Tier), v.Score)
			if !withStats {
				return nil
			}
			life, err := fc.Stats(ctx, p.ID)
			if err != nil {
				return fmt.Errorf("stats %s: %w", name, err)
			}
			fmt.Fprintf(w, "  matches %s, win rate %s%%, K/D %s\n", life.Matches, life.WinRate, life.KD)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withStats, "stats", false, "also print lifetime stats")
	return cmd
}

// levelColor follows FACEIT's badge colours.
func levelColor(tier int) *color.Color {
	switch {
	case tier >= 10:
		return color.New(color.FgRed, color.Bold)
	case tier >= 8:
		return color.New(color.FgHiRed)
	case tier >= 4:
		return color.New(color.FgYellow)
	case tier >= 2:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgWhite)
	}
}
