package cmd

import (
	"github.com/debatedragon/debatedragon/debatedragon"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot and the status API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := debatedragon.New(cfg)
			if err != nil {
				log.Fatalf("error creating debatedragon: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running debatedragon: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
