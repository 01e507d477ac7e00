// Command clanmanager-migrate copies clan state from a bolt store into a
// SQL store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/storage"
	"github.com/cuemby/clanmanager/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "clanmanager-migrate",
	Short: "Copy clan state from a bolt store into a SQL store",
	Long: `Copy every clan, role, and member from a bolt database into a SQL
database. The SQL schema is migrated first. Clans already present in the
target are skipped, so the copy can be re-run after a partial failure.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().String("bolt", "/var/lib/clanmanager/clanmanager.db", "Source bolt database file")
	rootCmd.Flags().String("driver", storage.DriverSQLite, "Target SQL driver (postgres or sqlite3)")
	rootCmd.Flags().String("dsn", "", "Target SQL data source (required)")
	rootCmd.Flags().Bool("dry-run", false, "Show what would be copied without writing")
	rootCmd.Flags().String("backup", "", "Backup path for the bolt file (default: <bolt>.backup)")
	rootCmd.Flags().Bool("debug", false, "Enable debug logging")
	_ = rootCmd.MarkFlagRequired("dsn")
}

// Stats counts what a copy did
type Stats struct {
	Clans   int
	Skipped int
	Members int
	Grants  int
}

func run(cmd *cobra.Command, args []string) error {
	boltPath, _ := cmd.Flags().GetString("bolt")
	driver, _ := cmd.Flags().GetString("driver")
	dsn, _ := cmd.Flags().GetString("dsn")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backupPath, _ := cmd.Flags().GetString("backup")
	debug, _ := cmd.Flags().GetBool("debug")

	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level})
	logger := log.WithComponent("migrate")

	if _, err := os.Stat(boltPath); err != nil {
		return fmt.Errorf("bolt database not found at %s: %w", boltPath, err)
	}

	if !dryRun {
		if backupPath == "" {
			backupPath = boltPath + ".backup"
		}
		logger.Info().Str("path", backupPath).Msg("Creating backup")
		if err := copyFile(boltPath, backupPath); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	src, err := storage.OpenBolt(boltPath)
	if err != nil {
		return err
	}
	defer src.Close()

	var dst storage.Repository
	if !dryRun {
		sqlStore, err := storage.OpenSQL(driver, dsn)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		dst = sqlStore
	}

	stats, err := Copy(cmd.Context(), src, dst)
	if err != nil {
		return err
	}

	event := logger.Info().
		Int("clans", stats.Clans).
		Int("skipped", stats.Skipped).
		Int("members", stats.Members).
		Int("grants", stats.Grants)
	if dryRun {
		event.Msg("Dry run completed, no changes made")
	} else {
		event.Msg("Migration completed")
	}
	return nil
}

// Copy moves every clan in src into dst. A nil dst only counts.
func Copy(ctx context.Context, src, dst storage.Repository) (Stats, error) {
	logger := log.WithComponent("migrate")
	var stats Stats

	clans, err := src.ListClans(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list clans: %w", err)
	}

	for _, clan := range clans {
		members, err := src.ListMembers(ctx, clan.ID)
		if err != nil {
			return stats, fmt.Errorf("clan %s: failed to list members: %w", clan.ID, err)
		}

		if dst != nil {
			if err := dst.CreateClan(ctx, clan); err != nil {
				if errors.Is(err, storage.ErrAlreadyExists) {
					logger.Warn().Str("clan_id", clan.ID).Msg("Clan already in target, skipping")
					stats.Skipped++
					continue
				}
				return stats, fmt.Errorf("clan %s: %w", clan.ID, err)
			}
		}
		stats.Clans++

		for _, m := range members {
			grants, err := copyMember(ctx, dst, clan, m)
			if err != nil {
				return stats, err
			}
			stats.Members++
			stats.Grants += grants
		}

		logger.Debug().Str("clan_id", clan.ID).Int("members", len(members)).Msg("Copied clan")
	}

	return stats, nil
}

func copyMember(ctx context.Context, dst storage.Repository, clan *types.Clan, m *types.Member) (int, error) {
	if dst == nil {
		return len(m.RoleIDs), nil
	}

	add := storage.Mutation{Kind: storage.MutationAddMember, UserID: m.UserID, JoinedAt: m.JoinedAt}
	if err := dst.ApplyMutation(ctx, clan.ID, add, nil); err != nil {
		return 0, fmt.Errorf("clan %s: %s: %w", clan.ID, add, err)
	}

	for _, roleID := range m.RoleIDs {
		grant := storage.Mutation{Kind: storage.MutationGrantRole, UserID: m.UserID, RoleID: roleID}
		if err := dst.ApplyMutation(ctx, clan.ID, grant, nil); err != nil {
			return 0, fmt.Errorf("clan %s: %s: %w", clan.ID, grant, err)
		}
	}
	return len(m.RoleIDs), nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
