// Command duckclient is the thin operator-facing driver over the upgrade
// pipeline library, the same role cmd/migrate/main.go plays for the
// teacher's migration package: load configuration, construct the
// collaborators, hand off to a cobra CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/duckclient/duckclient/internal/appconfig"
	"github.com/duckclient/duckclient/internal/backup"
	"github.com/duckclient/duckclient/internal/container"
	"github.com/duckclient/duckclient/internal/logging"
	"github.com/duckclient/duckclient/internal/metastore"
	"github.com/duckclient/duckclient/internal/obsmetrics"
	"github.com/duckclient/duckclient/internal/pipeline"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "duckclient",
		Short: "Lifecycle manager for a containerized application stack",
		Long:  "Resolves, downloads, and applies upgrades to a deployed compose stack, with backup, restore, and health-check support.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml/yaml (defaults unchanged if absent)")

	// The config is loaded before cobra parses flags, so --config is read
	// from the raw arguments here.
	for i, arg := range os.Args[1:] {
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			configPath = v
		} else if arg == "--config" && i+2 < len(os.Args) {
			configPath = os.Args[i+2]
		}
	}

	cfg, err := appconfig.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "duckclient: failed to load config:", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	orch, store, backupEngine, closeFn, err := build(cfg, logger)
	if err != nil {
		logger.Error("failed to construct orchestrator", "error", err)
		os.Exit(1)
	}
	defer closeFn()

	cli := &CLI{cfg: cfg, orch: orch, backup: backupEngine}
	root.AddCommand(
		cli.upgradeCommand(),
		cli.backupCommand(),
		cli.restoreCommand(),
		cli.rollbackCommand(),
		cli.healthCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// build wires C5 (metastore), C6 (backup), C8 (container), and C10
// (pipeline.Orchestrator) from the loaded configuration. The returned
// close func releases the metadata store's process-wide lock.
func build(cfg *appconfig.Config, logger *slog.Logger) (*pipeline.Orchestrator, metastore.Store, *backup.Engine, func(), error) {
	var store metastore.Store
	if cfg.UsesPostgres() {
		pgStore, err := metastore.OpenPostgres(cfg.Storage.PostgresURL, logger)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("opening postgres metastore: %w", err)
		}
		store = pgStore
	} else {
		sqlitePath := cfg.Storage.SQLitePath
		if !filepath.IsAbs(sqlitePath) {
			sqlitePath = filepath.Join(cfg.WorkDir, sqlitePath)
		}
		sqliteStore, err := metastore.Open(sqlitePath, logger)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("opening sqlite metastore: %w", err)
		}
		store = sqliteStore
	}

	backupEngine := backup.New(backup.Config{
		StorageDir:       filepath.Join(cfg.WorkDir, cfg.Backup.StorageDir),
		CompressionLevel: cfg.Backup.CompressionLevel,
	}, store, logger)

	composePath := filepath.Join(cfg.WorkDir, cfg.Container.ComposeRelPath)
	adapter := container.New(composePath, cfg.Container.Binary, cfg.Container.OneshotServices, logger)
	if cfg.Container.PollInterval > 0 {
		adapter = adapter.WithPollInterval(cfg.Container.PollInterval)
	}

	orch := pipeline.New(pipeline.Config{
		WorkDir:             cfg.WorkDir,
		ComposeRelPath:      cfg.Container.ComposeRelPath,
		DataDirNames:        cfg.Backup.DataDirNames,
		DenyListRel:         cfg.Backup.DenyListRel,
		SchemaFileRelPath:   cfg.Schema.FileRelPath,
		SchemaDialect:       cfg.Schema.Dialect,
		SchemaMigrationsDir: cfg.Schema.MigrationsDir,
		SettleDeadline:      cfg.Container.SettleDeadline,
	}, pipeline.Deps{
		Store:     store,
		Backup:    backupEngine,
		Container: adapter,
		Fetcher:   newManifestFetcher(cfg.Manifest),
		Metrics:   obsmetrics.Default(),
		Logger:    logger,
	})

	return orch, store, backupEngine, func() { _ = store.Close() }, nil
}
