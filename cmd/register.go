package cmd

import (
	"fmt"
	"github.com/debatedragon/debatedragon/debatedragon"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Overwrite the bot's slash commands in the configured guild",
	Long: "Registers the bot's slash commands for DD_DISCORD_GUILD_ID (or " +
		"globally, if unset) without connecting to the gateway. The running " +
		"bot also registers them for every guild it joins.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := debatedragon.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating debatedragon: %w", err)
		}
		created, err := bot.RegisterSlashCommands()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range created {
			fmt.Fprintf(out, "registered /%s (id=%s)\n", c.Name, c.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
