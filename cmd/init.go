package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Zethrus/starboarder/starboarder"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading secrets. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var resetToken bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the store and set the admin API token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.DatabaseType == "" {
			return fmt.Errorf(
				"%s_DATABASE_TYPE not set (must be one of: json, bolt, sqlite, postgres)",
				starboarder.DefaultEnvPrefix,
			)
		}
		if cfg.Database == "" {
			return fmt.Errorf(
				"%s_DATABASE not set (must be a file path, or a postgres connection string)",
				starboarder.DefaultEnvPrefix,
			)
		}

		store, err := starboarder.NewStore(ctx, cfg, nil)
		if err != nil {
			return fmt.Errorf("error opening store: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()

		doc, err := store.Load(ctx)
		if err != nil {
			return fmt.Errorf("error loading document: %w", err)
		}

		if doc.AdminTokenHash != "" && !resetToken {
			fmt.Fprintln(out, "Admin token is already set. Use --reset-token to replace it.")
			fmt.Fprintln(out, "Initialization complete. You can now start the bot with the 'run' subcommand.")
			return nil
		}

		fmt.Fprintln(out, "Admin token is not set. Let's set it up.")
		if customPasswordReader == nil {
			customPasswordReader = func() ([]byte, error) {
				return term.ReadPassword(int(os.Stdin.Fd()))
			}
		}

		var token string
		for {
			fmt.Fprint(out, "Enter admin token (leave empty to generate one): ")
			tokenBytes, readErr := customPasswordReader()
			fmt.Fprintln(out)
			if readErr != nil {
				return fmt.Errorf("error reading token: %w", readErr)
			}
			token = strings.TrimSpace(string(tokenBytes))
			if token == "" {
				token, err = starboarder.GenerateToken()
				if err != nil {
					return fmt.Errorf("error generating token: %w", err)
				}
				fmt.Fprintf(out, "Generated admin token: %s\n", token)
				fmt.Fprintln(out, "Store it somewhere safe, it won't be shown again.")
				break
			}

			fmt.Fprint(out, "Confirm admin token: ")
			confirmBytes, readErr := customPasswordReader()
			fmt.Fprintln(out)
			if readErr != nil {
				return fmt.Errorf("error reading token: %w", readErr)
			}
			if token == strings.TrimSpace(string(confirmBytes)) {
				break
			}
			fmt.Fprintln(out, "Tokens do not match. Please try again.")
		}

		if err = starboarder.SetAdminToken(ctx, store, token); err != nil {
			return fmt.Errorf("error saving admin token: %w", err)
		}
		fmt.Fprintln(out, "Admin token set successfully.")
		fmt.Fprintln(out, "Initialization complete. You can now start the bot with the 'run' subcommand.")
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	initCmd.Flags().BoolVar(&resetToken, "reset-token", false, "Replace an existing admin token")
	rootCmd.AddCommand(initCmd)
}
