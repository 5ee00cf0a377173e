// Package pipeline implements the upgrade pipeline orchestrator of spec
// §4.10 (C10): it serializes strategy selection, resumable download,
// pre-upgrade backup, patch/full replacement, container lifecycle control,
// and schema migration into one linear, forward-only state machine with a
// documented failure/rollback policy per state. It is grounded on the
// teacher's DefaultConfigUpdateService (internal/config/update_service.go):
// the same "validate -> diff -> apply -> reload-with-rollback -> audit"
// shape, generalized from a config hot-reload to a container-stack upgrade.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/duckclient/duckclient/internal/backup"
	"github.com/duckclient/duckclient/internal/container"
	"github.com/duckclient/duckclient/internal/download"
	"github.com/duckclient/duckclient/internal/duckerr"
	"github.com/duckclient/duckclient/internal/manifest"
	"github.com/duckclient/duckclient/internal/metastore"
	"github.com/duckclient/duckclient/internal/obsmetrics"
	"github.com/duckclient/duckclient/internal/selector"
	"github.com/duckclient/duckclient/internal/version"
)

// State is one node of the linear state machine in spec §4.10. There is no
// restartable-transition graph: a crash or cancellation always resumes at
// Resolving, letting the downloader and patch executor re-use whatever
// they had already cached or rolled back.
type State int

const (
	Idle State = iota
	Resolving
	Downloading
	Prechecking
	Stopping
	BackingUp
	Replacing
	RestoringData
	Starting
	Verifying
	MigratingSchema
	Settling
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Resolving:
		return "Resolving"
	case Downloading:
		return "Downloading"
	case Prechecking:
		return "Prechecking"
	case Stopping:
		return "Stopping"
	case BackingUp:
		return "Backing-up"
	case Replacing:
		return "Replacing"
	case RestoringData:
		return "Restoring-data"
	case Starting:
		return "Starting"
	case Verifying:
		return "Verifying"
	case MigratingSchema:
		return "Migrating-schema"
	case Settling:
		return "Settling"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// DiagnosisRecord is the orchestrator's user-visible failure report (spec
// §7): the state that failed, the typed error and its remediation hint,
// and the pre-upgrade backup id (if one was taken) so the caller can
// invoke RollbackToBackup.
type DiagnosisRecord struct {
	FailedState        State
	Kind                duckerr.Kind
	Err                 error
	Remediation         string
	PreUpgradeBackupID  *int64
}

func (d *DiagnosisRecord) Error() string {
	return d.FailedState.String() + ": " + d.Err.Error() + " (" + d.Remediation + ")"
}

func (d *DiagnosisRecord) Unwrap() error { return d.Err }

func newDiagnosis(state State, err error, backupID *int64) *DiagnosisRecord {
	return &DiagnosisRecord{
		FailedState:        state,
		Kind:                duckerr.KindOf(err),
		Err:                 err,
		Remediation:         duckerr.Remediation(duckerr.KindOf(err)),
		PreUpgradeBackupID:  backupID,
	}
}

// Event is one state-machine observation, carrying the monotonically
// increasing sequence number spec §5 requires of every externally emitted
// event, plus a run-correlation id so a log aggregator can group every
// event belonging to a single Upgrade/FirstDeployment call.
type Event struct {
	RunID    string
	Sequence uint64
	State    State
	Message  string
	Time     time.Time
}

// Result is the outcome of a completed (successful or failed) pipeline
// run.
type Result struct {
	State               State
	Strategy            selector.Strategy
	FromVersion         version.Version
	ToVersion           version.Version
	PreUpgradeBackupID  *int64
	Diagnosis           *DiagnosisRecord
}

// ManifestFetcher is the external collaborator that retrieves and decodes
// the remote manifest (spec §1 scopes the actual update-notification
// transport out of this core); the orchestrator only consumes the result.
type ManifestFetcher func(ctx context.Context) (*manifest.Manifest, error)

// Downloader matches internal/download.Download's signature so tests can
// substitute a fake transfer without a real network.
type Downloader func(ctx context.Context, url, targetPath string, opts download.Options) error

// ConfigWriter persists the target version into the operator-facing
// config.toml during the Starting state (spec §4.10: "write/update the
// local configuration file so the recorded version reflects the target").
// The metadata store's own current_version key is updated separately, in
// Settling.
type ConfigWriter func(v version.Version) error

// Config is the orchestrator's static, per-workspace configuration.
type Config struct {
	// WorkDir is the workspace root (spec §6 layout), an absolute path.
	WorkDir string
	// ComposeRelPath is the compose file's path relative to WorkDir.
	ComposeRelPath string
	// DataDirNames are the top-level directories create_backup archives
	// and the selector checks for presence (typically data, app, config).
	DataDirNames []string
	// CacheDir is the resumable-download cache root, normally
	// WorkDir/cacheDuckData/download.
	CacheDir string
	// DenyListRel names workspace-critical paths (relative to WorkDir) the
	// patch executor must never touch: the metadata store, its lock file,
	// and the UI hand-off file.
	DenyListRel []string
	// SchemaFileRelPath is the archived schema snapshot compared across an
	// upgrade (spec §4.10 "Migrating-schema"), relative to WorkDir.
	SchemaFileRelPath string
	// SchemaDialect is passed to goose.SetDialect.
	SchemaDialect string
	// SchemaMigrationsDir holds the generated per-upgrade migration file.
	SchemaMigrationsDir string
	// SettleDeadline bounds WaitUntilSettled; zero uses container's own
	// 5-minute default.
	SettleDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.ComposeRelPath == "" {
		c.ComposeRelPath = "docker/docker-compose.yml"
	}
	if len(c.DataDirNames) == 0 {
		c.DataDirNames = []string{"data", "app", "config"}
	}
	if c.CacheDir == "" {
		c.CacheDir = c.WorkDir + "/cacheDuckData/download"
	}
	if len(c.DenyListRel) == 0 {
		c.DenyListRel = []string{
			".duck_client/metadata.db",
			".duck_client/metadata.db.lock",
			".duck_client/working_directory.json",
			"config.toml",
		}
	}
	if c.SchemaFileRelPath == "" {
		c.SchemaFileRelPath = "docker/init_schema.sql"
	}
	if c.SchemaMigrationsDir == "" {
		c.SchemaMigrationsDir = c.WorkDir + "/.duck_client/schema_migrations"
	}
	return c
}

// Deps bundles every collaborator the orchestrator drives (C4-C9 plus
// observability). Only Store, Backup, and Container are required; a nil
// Fetcher fails the run at Resolving, and the rest have nil-safe defaults
// or skip their step when absent (e.g. SchemaDB nil
// skips Migrating-schema entirely, matching spec §9's note that the schema
// differ's own algorithm is out of this core's scope when no database
// service is configured).
type Deps struct {
	Store     metastore.Store
	Backup    *backup.Engine
	Container *container.Adapter
	Fetcher   ManifestFetcher
	Download  Downloader
	SchemaDB  *sql.DB
	ConfigWriter ConfigWriter
	Metrics   *obsmetrics.PipelineMetrics
	Logger    *slog.Logger
	OnEvent   func(Event)
}

// Orchestrator is the upgrade pipeline orchestrator (C10).
type Orchestrator struct {
	cfg   Config
	deps  Deps
	seq   uint64
	runID string
}

// New builds an Orchestrator. Missing optional Deps fields fall back to
// no-ops so tests can exercise a subset of the pipeline.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = obsmetrics.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Download == nil {
		deps.Download = download.Download
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

func (o *Orchestrator) emit(state State, format string, args ...any) {
	seq := atomic.AddUint64(&o.seq, 1)
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	o.deps.Logger.Info("pipeline event", "run_id", o.runID, "sequence", seq, "state", state.String(), "message", msg)
	if o.deps.OnEvent != nil {
		o.deps.OnEvent(Event{RunID: o.runID, Sequence: seq, State: state, Message: msg, Time: time.Now()})
	}
}
