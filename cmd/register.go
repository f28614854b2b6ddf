package cmd

import (
	"errors"
	"fmt"
	"github.com/raup20/DiscordDeduplicationInformationRetrievalBot/qalinker"
	"github.com/spf13/cobra"
)

var registerCommandsCmd = &cobra.Command{
	Use:   "register-commands",
	Short: "Register (overwrite) the bot's slash commands with discord",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Discord.ApplicationID == "" {
			return errors.New("QL_DISCORD_APPLICATION_ID not set")
		}
		bot, err := qalinker.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		commands, err := bot.RegisterSlashCommands()
		if err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
		out := cmd.OutOrStdout()
		for _, c := range commands {
			fmt.Fprintf(out, "registered /%s (id: %s)\n", c.Name, c.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCommandsCmd)
}
