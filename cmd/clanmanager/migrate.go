package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/cuemby/clanmanager/pkg/config"
	"github.com/cuemby/clanmanager/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQL schema migrations",
	Long: `Apply SQL schema migrations to the configured database.

serve migrates on startup; this command lets operators do it ahead of a
rollout and report the schema version. It is a no-op for the bolt driver.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Storage.Driver == config.DriverBolt {
			fmt.Println("✓ bolt storage has no SQL schema")
			return nil
		}

		db, err := sqlx.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		statusOnly, _ := cmd.Flags().GetBool("status")
		if !statusOnly {
			if err := storage.Migrate(db.DB, cfg.Storage.Driver); err != nil {
				return err
			}
		}

		version, dirty, err := storage.SchemaVersion(db.DB, cfg.Storage.Driver)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		fmt.Printf("Schema version: %d", version)
		if dirty {
			fmt.Print(" (dirty)")
		}
		fmt.Println()
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("status", false, "Only report the schema version")
}
