// Command exportctl administers the export service: schema migration, stale job sweeps and
// job inspection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"export-service/pkg/config"
	"export-service/pkg/database"
	"export-service/pkg/observability"

	"github.com/spf13/cobra"
)

// app holds what every subcommand shares. It is filled in by the root PersistentPreRunE.
type app struct {
	configPath string
	cfg        *config.Config
	db         *database.Client
	logger     *slog.Logger
	connect    func(ctx context.Context, url string, maxConns int) (*database.Client, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, &app{connect: database.New}, os.Args[1:])
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// execute runs one command line and closes the pool even when the command fails.
func execute(ctx context.Context, a *app, args []string) error {
	defer a.close()
	root := newRootCmd(a)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "exportctl",
		Short:        "Administer export jobs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("EXPORT_CONFIG"), "path to config file")

	root.AddCommand(migrateCmd(a))
	root.AddCommand(reapCmd(a))
	root.AddCommand(jobsCmd(a))
	root.AddCommand(showCmd(a))
	root.AddCommand(runCmd(a))
	return root
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = observability.NewLogger(cfg.Log.Level)
	slog.SetDefault(a.logger)

	db, err := a.connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}
