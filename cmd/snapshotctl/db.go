package main

import (
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/erp-backup/backup-service/internal/db"
	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
)

func newDBCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and repair the backup database",
	}
	cmd.AddCommand(newDBStatusCmd(g), newDBForceCmd(g))
	return cmd
}

// connect opens the configured database without wiring the rest of the service.
func (o *globalOptions) connect() (*sql.DB, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

func newDBStatusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check connectivity, migration state and the restore queue",
		Long: `Connect to the database and report the applied migration version, whether
a migration was interrupted (dirty), and how many restore queue entries are in each
status. Exits non-zero when the database is unreachable or dirty, so it can gate
deployments.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := g.connect()
			if err != nil {
				return err
			}
			defer database.Close()

			version, dirty, err := db.GetMigrationVersion(database)
			if err != nil {
				return err
			}
			files, err := db.MigrationFiles()
			if err != nil {
				return err
			}
			counts, err := repositories.NewRestoreQueueRepository(db.Wrap(database)).CountByStatus(cmd.Context())
			if err != nil {
				return err
			}

			printDBStatus(cmd.OutOrStdout(), version, dirty, latestMigration(files), counts)
			if dirty {
				return fmt.Errorf("migration %d is dirty; fix the schema, then run 'snapshotctl db force %d'", version, version)
			}
			return nil
		},
	}
}

func newDBForceCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Mark a migration version as applied and clear the dirty flag",
		Long: `Record <version> as the current migration version without running it. Use
after an interrupted migration has been completed or rolled back by hand; the
server refuses to start while the dirty flag is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil || version < 0 {
				return fmt.Errorf("invalid version %q", args[0])
			}

			database, err := g.connect()
			if err != nil {
				return err
			}
			defer database.Close()

			if err := db.ForceMigrationVersion(database, version); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migration version set to %d (clean)\n", version)
			return nil
		},
	}
}

// latestMigration returns the highest version among migration file names such as
// 000003_restore_queue.up.sql.
func latestMigration(files []string) uint {
	var latest uint
	for _, name := range files {
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(prefix, 10, 32)
		if err == nil && uint(v) > latest {
			latest = uint(v)
		}
	}
	return latest
}

func printDBStatus(w io.Writer, version uint, dirty bool, latest uint, counts map[models.RestoreStatus]int) {
	fmt.Fprintf(w, "Database: reachable\n")
	state := "clean"
	if dirty {
		state = "DIRTY"
	}
	fmt.Fprintf(w, "Migrations: version %d of %d (%s)\n", version, latest, state)
	if version < latest {
		fmt.Fprintf(w, "  %d pending; the server applies them on startup\n", latest-version)
	}

	fmt.Fprintf(w, "Restore queue:\n")
	for _, s := range []models.RestoreStatus{
		models.RestoreStatusPending,
		models.RestoreStatusDryRunSuccess,
		models.RestoreStatusCompleted,
		models.RestoreStatusFailed,
	} {
		fmt.Fprintf(w, "  %-16s %d\n", s, counts[s])
	}
}
