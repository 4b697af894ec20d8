package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/erp-backup/backup-service/internal/app"
	"github.com/erp-backup/backup-service/internal/audit"
	"github.com/erp-backup/backup-service/internal/config"
	"github.com/erp-backup/backup-service/internal/db"
	"github.com/erp-backup/backup-service/internal/telemetry"
)

// closeTimeout bounds how long shutdown waits for audit shipping.
const closeTimeout = 10 * time.Second

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "snapshotctl",
		Short: "Export, verify, sign and restore company snapshots",
		Long: `snapshotctl operates on ERP company snapshots.

Offline commands (verify, sign) only read local files. The remaining commands
connect to the backup database named in the configuration and go through the
same restore queue and audit log as the HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			telemetry.SetupLogger(opts.logFormat, opts.logLevel)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CONFIG_PATH"), "Path to the config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format (text or json)")

	root.AddCommand(
		newExportCmd(opts),
		newVerifyCmd(opts),
		newSignCmd(),
		newRestoreCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newTokenCmd(opts),
		newAPIKeyCmd(opts),
		newDBCmd(opts),
	)
	return root
}

func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp connects to the database and wires the service graph. The returned close
// function releases both.
func (o *globalOptions) openApp() (*app.App, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a, err := app.New(cfg, database)
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		database.Close()
	}
	return a, closeFn, nil
}

// operator identifies the local account in audit entries written by the CLI.
func operator(email string) audit.Actor {
	actor := audit.Actor{Email: email, Name: "snapshotctl", IPAddress: "127.0.0.1"}
	if u, err := user.Current(); err == nil {
		actor.Name = "snapshotctl (" + u.Username + ")"
	}
	return actor
}
