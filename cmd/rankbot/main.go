package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "rankbot",
		Short: "Keeps Discord rank roles in step with FACEIT skill levels",
		// Bare "rankbot" runs the bot.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), cfgPath)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")

	root.AddCommand(runCmd(&cfgPath))
	root.AddCommand(syncCmd(&cfgPath))
	root.AddCommand(linksCmd(&cfgPath))
	root.AddCommand(lookupCmd(&cfgPath))
	return root
}
