// Command kinctl is the operator tool for kinship databases.
package main

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dukerupert/kinship/internal/database"
	"github.com/dukerupert/kinship/internal/logging"
	"github.com/spf13/cobra"
)

type options struct {
	dbPath   string
	logLevel string
	logger   *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "kinctl",
		Short:         "Inspect and seed kinship family trees",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.logger = logging.New(cmd.ErrOrStderr(), opts.logLevel, "text")
		},
	}

	dbDefault := os.Getenv("KINSHIP_DB_PATH")
	if dbDefault == "" {
		dbDefault = "kinship.db"
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", dbDefault, "path to the SQLite database")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(newAuditCmd(opts), newImportCmd(opts), newFamiliesCmd(opts))
	return root
}

func (o *options) open() (*sql.DB, error) {
	db, err := database.Open(o.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", o.dbPath, err)
	}
	return db, nil
}

func (o *options) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.logger
}
