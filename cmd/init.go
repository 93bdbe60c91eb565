package cmd

import (
	"fmt"
	"log"

	"github.com/arcward/modmail/modmail"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and settings file",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("database type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}
		_, err := modmail.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			nil,
			nil,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		// creates the settings file with defaults if it's missing or corrupt
		store := modmail.NewSettingsStore(cfg.SettingsPath, nil)
		store.Load()

		out := cmd.OutOrStdout()
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
