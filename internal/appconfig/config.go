// Package appconfig loads duckclient's own configuration: the working
// directory layout, the metadata-store backend, the manifest source, and
// the ambient logging/auto-backup settings. Structurally this is the
// teacher's internal/config/config.go (mapstructure structs, viper
// defaults-then-file-then-env, a Validate method) narrowed from an HTTP
// service's many subsystems down to the handful this client needs.
package appconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StorageBackend selects the metadata-store implementation, mirroring the
// teacher's Lite/Standard storage split (embedded file vs. external
// Postgres) one level down, at the metastore rather than the whole app.
type StorageBackend string

const (
	StorageBackendSQLite   StorageBackend = "sqlite"
	StorageBackendPostgres StorageBackend = "postgres"
)

// Config is duckclient's full runtime configuration, unmarshaled from
// config.toml/yaml plus environment overrides (DUCKCLIENT_* variables).
type Config struct {
	WorkDir string `mapstructure:"work_dir"`

	Storage   StorageConfig    `mapstructure:"storage"`
	Manifest  ManifestConfig   `mapstructure:"manifest"`
	Container ContainerConfig  `mapstructure:"container"`
	Schema    SchemaConfig     `mapstructure:"schema"`
	Backup    BackupConfig     `mapstructure:"backup"`
	AutoBack  AutoBackupConfig `mapstructure:"auto_backup"`
	Log       LogConfig        `mapstructure:"log"`
}

// StorageConfig configures the embedded metadata store (internal/metastore).
type StorageConfig struct {
	Backend     StorageBackend `mapstructure:"backend"`
	SQLitePath  string         `mapstructure:"sqlite_path"`
	PostgresURL string         `mapstructure:"postgres_url"`
}

// ManifestConfig configures where the remote upgrade manifest is fetched.
type ManifestConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ContainerConfig configures the compose-style subprocess adapter (C8).
type ContainerConfig struct {
	ComposeRelPath  string        `mapstructure:"compose_rel_path"`
	Binary          string        `mapstructure:"binary"`
	OneshotServices []string      `mapstructure:"oneshot_services"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	SettleDeadline  time.Duration `mapstructure:"settle_deadline"`
}

// SchemaConfig configures the §4.10 Migrating-schema hook.
type SchemaConfig struct {
	FileRelPath   string `mapstructure:"file_rel_path"`
	Dialect       string `mapstructure:"dialect"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// BackupConfig configures the tar.gz archive engine (C6).
type BackupConfig struct {
	StorageDir       string   `mapstructure:"storage_dir"`
	CompressionLevel int      `mapstructure:"compression_level"`
	DataDirNames     []string `mapstructure:"data_dir_names"`
	DenyListRel      []string `mapstructure:"deny_list_rel"`
}

// AutoBackupConfig holds the auto_backup section as loaded from file and
// environment. Nothing in the module writes these values into the metadata
// store; the auto-backup settings the pipeline uses are read only from the
// store's app_config rows.
type AutoBackupConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Cron          string `mapstructure:"cron"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// LogConfig controls internal/logging construction.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads configPath (if non-empty) over a set of defaults, then layers
// DUCKCLIENT_-prefixed environment variables on top, and validates the
// result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("duckclient")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		if _, statErr := os.Stat(configPath); statErr == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
		// A missing file is not an error: defaults and DUCKCLIENT_* env vars
		// still apply, matching the teacher's "continue with defaults" intent.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("work_dir", ".")

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", ".duck_client/metadata.db")

	v.SetDefault("manifest.timeout", "30s")

	v.SetDefault("container.compose_rel_path", "docker/docker-compose.yml")
	v.SetDefault("container.binary", "docker")
	v.SetDefault("container.poll_interval", "2s")
	v.SetDefault("container.settle_deadline", "2m")

	v.SetDefault("schema.file_rel_path", "docker/init_schema.sql")
	v.SetDefault("schema.dialect", "sqlite3")
	v.SetDefault("schema.migrations_dir", ".duck_client/schema_migrations")

	v.SetDefault("backup.storage_dir", ".duck_client/backups")
	v.SetDefault("backup.compression_level", 6)
	v.SetDefault("backup.data_dir_names", []string{"data", "app", "config"})
	v.SetDefault("backup.deny_list_rel", []string{".duck_client", "docker/docker-compose.yml"})

	v.SetDefault("auto_backup.enabled", false)
	v.SetDefault("auto_backup.retention_days", 30)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
}

// Validate checks the handful of invariants the rest of the CLI assumes
// hold before it starts constructing C5-C10 collaborators.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir cannot be empty")
	}
	switch c.Storage.Backend {
	case StorageBackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case StorageBackendPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %q (must be %q or %q)", c.Storage.Backend, StorageBackendSQLite, StorageBackendPostgres)
	}
	if c.Log.Level == "" {
		return fmt.Errorf("log.level cannot be empty")
	}
	return nil
}

// UsesPostgres reports whether the configured backend is external Postgres
// rather than the embedded SQLite file.
func (c *Config) UsesPostgres() bool {
	return c.Storage.Backend == StorageBackendPostgres
}
