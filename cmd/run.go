package cmd

import (
	"fmt"

	"github.com/Zethrus/starboarder/starboarder"
	"github.com/spf13/cobra"
)

var dryRunFlag bool

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot and (optionally) the admin API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if cmd.Flags().Changed("dry-run") {
			cfg.DryRun = dryRunFlag
		}
		bot, err := starboarder.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating starboarder: %w", err)
		}
		if err = bot.Run(ctx); err != nil {
			return fmt.Errorf("error running starboarder: %w", err)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	runCmd.Flags().BoolVar(
		&dryRunFlag,
		"dry-run",
		false,
		"Log moderation decisions without kicking, banning or sending DMs",
	)
	rootCmd.AddCommand(runCmd)
}
