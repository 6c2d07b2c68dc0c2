package cmd

import (
	"errors"
	"fmt"
	"github.com/debatedragon/debatedragon/debatedragon"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and the rambling counter",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New(
				"database type not set (must be one of: sqlite, postgres)",
			)
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		bot, err := debatedragon.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating debatedragon: %w", err)
		}

		state, err := bot.Init(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Rambling counter: %d\n", state.Counter)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
