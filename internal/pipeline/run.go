package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/duckclient/duckclient/internal/arch"
	"github.com/duckclient/duckclient/internal/backup"
	"github.com/duckclient/duckclient/internal/container"
	"github.com/duckclient/duckclient/internal/download"
	"github.com/duckclient/duckclient/internal/duckerr"
	"github.com/duckclient/duckclient/internal/manifest"
	"github.com/duckclient/duckclient/internal/metastore"
	"github.com/duckclient/duckclient/internal/patch"
	"github.com/duckclient/duckclient/internal/schemamigrate"
	"github.com/duckclient/duckclient/internal/selector"
	"github.com/duckclient/duckclient/internal/version"
)

const (
	configKeyCurrentVersion = "current_version"
	configKeyPlannedVersion = "last_planned_upgrade_version"
	configKeyPlannedKind    = "last_planned_upgrade_kind"
	configKeyUpgradeHistory = "upgrade_history"
)

// HistoryEntry is one row of the append-only upgrade_history config value
// (spec §3 "Upgrade history" -- recorded here through the generic
// GetConfig/SetConfig key-value surface rather than a dedicated table,
// since metastore.Store's interface names only backup-record CRUD and
// app_config among its persisted shapes).
type HistoryEntry struct {
	FromVersion string    `json:"from_version"`
	ToVersion   string    `json:"to_version"`
	Strategy    string    `json:"strategy"`
	BackupID    *int64    `json:"backup_id,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// UpgradeOptions parameterizes a single Upgrade/FirstDeployment run.
type UpgradeOptions struct {
	ForceFull bool
}

// Upgrade resolves the remote manifest against the current workspace and,
// if a newer version is available, runs the full stop/backup/replace/
// migrate/start/verify pipeline (spec §4.10).
func (o *Orchestrator) Upgrade(ctx context.Context, opts UpgradeOptions) (*Result, error) {
	return o.run(ctx, opts, false)
}

// FirstDeployment is Upgrade's counterpart for an empty workspace: the
// selector always returns FullUpgrade because the compose file and data
// directories are absent, and Restoring-data seeds from the most recent
// pre-existing backup, if any, instead of a per-run saved copy.
func (o *Orchestrator) FirstDeployment(ctx context.Context, opts UpgradeOptions) (*Result, error) {
	return o.run(ctx, opts, true)
}

func (o *Orchestrator) run(ctx context.Context, opts UpgradeOptions, firstDeployment bool) (*Result, error) {
	o.runID = uuid.New().String()
	local := o.readLocalVersion()

	// ---- Resolving ----
	o.emit(Resolving, "resolving upgrade strategy")
	if o.deps.Fetcher == nil {
		return o.fail(Resolving, nil, duckerr.New(duckerr.KindInvalidManifest, "pipeline.Resolving", fmt.Errorf("no manifest fetcher configured")))
	}
	manifestDoc, err := o.deps.Fetcher(ctx)
	if err != nil {
		return o.fail(Resolving, nil, err)
	}

	host := arch.Detect()
	facts := o.gatherWorkDirFacts()
	decision := selector.Select(selector.Input{
		Local:     local,
		Manifest:  manifestDoc,
		Host:      host,
		WorkDir:   facts,
		ForceFull: opts.ForceFull,
	})
	o.deps.Metrics.UpgradesStartedTotal.WithLabelValues(decision.Strategy.String()).Inc()

	if decision.Strategy == selector.NoUpgrade {
		o.emit(Done, "already at target version %s, nothing to do", decision.TargetVersion.ShortString())
		o.deps.Metrics.UpgradesSucceededTotal.WithLabelValues(decision.Strategy.String()).Inc()
		return &Result{State: Done, Strategy: decision.Strategy, FromVersion: local, ToVersion: decision.TargetVersion}, nil
	}

	_ = o.deps.Store.SetConfig(configKeyPlannedVersion, decision.TargetVersion.ShortString())
	_ = o.deps.Store.SetConfig(configKeyPlannedKind, decision.Strategy.String())

	// ---- Downloading ----
	o.emit(Downloading, "downloading %s package for %s", decision.Strategy, decision.TargetVersion.ShortString())
	if decision.DownloadURL == "" {
		return o.fail(Downloading, nil, duckerr.New(duckerr.KindArchMismatch, "pipeline.Downloading", fmt.Errorf("no package available for architecture %s", host)))
	}
	cachePath := filepath.Join(o.cfg.CacheDir, decision.TargetVersion.ShortString(), archiveFilename(decision.Strategy))
	if err := o.deps.Download(ctx, decision.DownloadURL, cachePath, download.Options{ExpectedHash: decision.ExpectedHash, Logger: o.deps.Logger}); err != nil {
		return o.fail(Downloading, nil, err)
	}
	if info, statErr := os.Stat(cachePath); statErr == nil {
		o.deps.Metrics.DownloadBytesTotal.Add(float64(info.Size()))
	}

	// ---- Prechecking ----
	o.emit(Prechecking, "checking architecture and free disk space")
	if host.IsUnsupported() {
		return o.fail(Prechecking, nil, duckerr.New(duckerr.KindArchMismatch, "pipeline.Prechecking", fmt.Errorf("unsupported host architecture %s", host)))
	}
	if err := precheckDiskSpace(o.cfg.WorkDir, cachePath); err != nil {
		return o.fail(Prechecking, nil, err)
	}

	// ---- Stopping ----
	if facts.ComposeFilePresent && o.deps.Container != nil {
		o.emit(Stopping, "stopping services")
		running, err := o.anyServiceRunning(ctx)
		if err != nil {
			return o.fail(Stopping, nil, err)
		}
		if running {
			if err := o.deps.Container.StopServices(ctx); err != nil {
				return o.failRestart(ctx, Stopping, nil, err)
			}
		}
	}

	// ---- Backing-up ----
	o.emit(BackingUp, "creating pre-upgrade backup")
	var preUpgradeBackupID *int64
	sourcePaths := o.presentDataPaths()
	if len(sourcePaths) > 0 {
		rec, err := o.deps.Backup.CreateBackup(ctx, backup.CreateOptions{
			Kind:          metastore.KindPreUpgrade,
			SourceVersion: local.ShortString(),
			SourcePaths:   sourcePaths,
		})
		if err != nil {
			return o.failRestart(ctx, BackingUp, nil, err)
		}
		preUpgradeBackupID = &rec.ID
		o.deps.Metrics.BackupsCreatedTotal.Inc()
		o.deps.Metrics.BackupBytesTotal.Add(float64(rec.SizeBytes))
	} else {
		o.emit(BackingUp, "no existing data/app/config present, skipping pre-upgrade backup")
	}

	// Capture the schema snapshot as it exists before any replacement, for
	// the Migrating-schema step later: Replacing overwrites this file in
	// place for a full upgrade.
	oldSchema, _ := os.ReadFile(filepath.Join(o.cfg.WorkDir, o.cfg.SchemaFileRelPath))

	// ---- Replacing ----
	o.emit(Replacing, "applying %s", decision.Strategy)
	var savedDataDir string
	switch decision.Strategy {
	case selector.FullUpgrade:
		savedDataDir, err = o.replaceFullUpgrade(cachePath)
		if err != nil {
			return o.failFullUpgradeReplace(ctx, savedDataDir, preUpgradeBackupID, err)
		}
	case selector.PatchUpgrade:
		if err := o.replacePatchUpgrade(cachePath, decision.PatchOps); err != nil {
			// the executor already rolled back its own completed ops.
			return o.failRestart(ctx, Replacing, preUpgradeBackupID, err)
		}
	}

	// ---- Restoring-data ----
	o.emit(RestoringData, "restoring data")
	if decision.Strategy == selector.FullUpgrade {
		if firstDeployment {
			if err := o.restoreMostRecentPreexistingBackup(ctx, preUpgradeBackupID); err != nil {
				return o.failRestart(ctx, RestoringData, preUpgradeBackupID, err)
			}
		} else if savedDataDir != "" {
			if err := copyBackDataDir(savedDataDir, filepath.Join(o.cfg.WorkDir, "data")); err != nil {
				return o.failRestart(ctx, RestoringData, preUpgradeBackupID, err)
			}
		}
	}
	if savedDataDir != "" {
		_ = os.RemoveAll(savedDataDir)
	}

	// ---- Starting ----
	o.emit(Starting, "starting services")
	if o.deps.ConfigWriter != nil {
		if err := o.deps.ConfigWriter(decision.TargetVersion); err != nil {
			o.deps.Logger.Warn("failed to update config.toml with target version", "error", err)
		}
	}
	if o.deps.Container != nil {
		if err := o.deps.Container.StartServices(ctx); err != nil {
			return o.fail(Starting, preUpgradeBackupID, err)
		}
	}

	// ---- Verifying ----
	o.emit(Verifying, "waiting for services to settle")
	if o.deps.Container != nil {
		settleStart := time.Now()
		health, err := o.deps.Container.WaitUntilSettled(ctx, o.cfg.SettleDeadline)
		o.deps.Metrics.ContainerSettleSeconds.Observe(time.Since(settleStart).Seconds())
		if err != nil {
			return o.fail(Verifying, preUpgradeBackupID, err)
		}
		if health.Overall != container.StateAllRunning {
			// Deliberately not rolled back here (spec §4.10): the caller
			// decides whether to invoke RollbackToBackup using the reported
			// PreUpgradeBackupID.
			return o.fail(Verifying, preUpgradeBackupID,
				duckerr.New(duckerr.KindContainerRuntime, "pipeline.Verifying", fmt.Errorf("services did not settle: %s", health.Overall)))
		}
	}

	// ---- Migrating-schema ----
	o.emit(MigratingSchema, "applying schema diff")
	if o.deps.SchemaDB != nil {
		newSchema, readErr := os.ReadFile(filepath.Join(o.cfg.WorkDir, o.cfg.SchemaFileRelPath))
		if readErr == nil {
			stmts, diffErr := schemamigrate.Diff(string(oldSchema), string(newSchema))
			if diffErr != nil {
				o.deps.Logger.Error("schema diff refused a non-additive change; continuing without applying it", "error", diffErr)
			} else if applyErr := schemamigrate.Apply(ctx, o.deps.SchemaDB, o.cfg.SchemaDialect, o.cfg.SchemaMigrationsDir, stmts, o.deps.Logger); applyErr != nil {
				o.deps.Logger.Error("schema diff application failed; continuing since the stack already verified healthy", "error", applyErr)
			}
		}
	}

	// ---- Settling ----
	o.emit(Settling, "recording upgrade completion")
	_ = o.deps.Store.SetConfig(configKeyCurrentVersion, decision.TargetVersion.ShortString())
	o.appendUpgradeHistory(local, decision.TargetVersion, decision.Strategy, preUpgradeBackupID)

	o.emit(Done, "upgrade to %s complete", decision.TargetVersion.ShortString())
	o.deps.Metrics.UpgradesSucceededTotal.WithLabelValues(decision.Strategy.String()).Inc()

	return &Result{
		State:              Done,
		Strategy:           decision.Strategy,
		FromVersion:        local,
		ToVersion:          decision.TargetVersion,
		PreUpgradeBackupID: preUpgradeBackupID,
	}, nil
}

func (o *Orchestrator) replaceFullUpgrade(archivePath string) (savedDataDir string, err error) {
	dataDir := filepath.Join(o.cfg.WorkDir, "data")
	if _, statErr := os.Stat(dataDir); statErr == nil {
		tmp, err := os.MkdirTemp("", "duckclient-data-*")
		if err != nil {
			return "", duckerr.New(duckerr.KindIO, "pipeline.replaceFullUpgrade", err)
		}
		if err := os.Rename(dataDir, filepath.Join(tmp, "data")); err != nil {
			return "", duckerr.New(duckerr.KindIO, "pipeline.replaceFullUpgrade", err).WithPath(dataDir)
		}
		savedDataDir = filepath.Join(tmp, "data")
	}

	dockerDir := filepath.Join(o.cfg.WorkDir, "docker")
	if err := patch.RemoveTreeRetrying(dockerDir); err != nil {
		return savedDataDir, duckerr.New(duckerr.KindIO, "pipeline.replaceFullUpgrade", err).WithPath(dockerDir)
	}
	if err := extractTarGz(archivePath, o.cfg.WorkDir); err != nil {
		return savedDataDir, err
	}
	return savedDataDir, nil
}

func (o *Orchestrator) failFullUpgradeReplace(ctx context.Context, savedDataDir string, backupID *int64, cause error) (*Result, error) {
	if savedDataDir != "" {
		dest := filepath.Join(o.cfg.WorkDir, "data")
		if err := copyBackDataDir(savedDataDir, dest); err != nil {
			o.deps.Logger.Error("failed to restore saved data/ after a failed full-upgrade replace", "error", err)
		}
		_ = os.RemoveAll(savedDataDir)
	}
	return o.failRestart(ctx, Replacing, backupID, cause)
}

func (o *Orchestrator) replacePatchUpgrade(patchArchivePath string, ops manifest.Operations) error {
	extractedDir, err := os.MkdirTemp("", "duckclient-patch-extracted-*")
	if err != nil {
		return duckerr.New(duckerr.KindIO, "pipeline.replacePatchUpgrade", err)
	}
	defer os.RemoveAll(extractedDir)

	if err := extractTarGz(patchArchivePath, extractedDir); err != nil {
		return err
	}

	executor := patch.New(o.cfg.WorkDir, extractedDir, o.cfg.DenyListRel, o.deps.Logger)
	if err := executor.EnableBackup(); err != nil {
		return err
	}

	patchOps := patch.Operations{
		ReplaceFiles:       ops.Replace.Files,
		ReplaceDirectories: ops.Replace.Directories,
		Delete:             ops.Delete,
	}
	if err := executor.Apply(patchOps); err != nil {
		o.deps.Metrics.PatchRollbacksTotal.Inc()
		return err
	}
	o.deps.Metrics.PatchOpsAppliedTotal.WithLabelValues("replace_files").Add(float64(len(patchOps.ReplaceFiles)))
	o.deps.Metrics.PatchOpsAppliedTotal.WithLabelValues("replace_directories").Add(float64(len(patchOps.ReplaceDirectories)))
	o.deps.Metrics.PatchOpsAppliedTotal.WithLabelValues("delete").Add(float64(len(patchOps.Delete)))
	return nil
}

// restoreMostRecentPreexistingBackup seeds a first deployment's data/ from
// the newest Completed backup that isn't the one just taken this run, if
// any exists. Absent any prior backup, the freshly extracted full package
// already supplies an empty data/ layout, so this is a no-op.
func (o *Orchestrator) restoreMostRecentPreexistingBackup(ctx context.Context, justCreated *int64) error {
	recs, err := o.deps.Backup.ListBackups()
	if err != nil {
		return err
	}
	var newest *metastore.BackupRecord
	for _, r := range recs {
		if r.Status != metastore.StatusCompleted {
			continue
		}
		if justCreated != nil && r.ID == *justCreated {
			continue
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}
	if newest == nil {
		return nil
	}
	return o.deps.Backup.Restore(ctx, backup.RestoreOptions{
		BackupID:    newest.ID,
		TargetDir:   o.cfg.WorkDir,
		Mode:        backup.DataDirectoryOnly,
		IncludeDirs: []string{"data"},
	}, backup.LifecycleHooks{})
}

func copyBackDataDir(savedDataDir, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return duckerr.New(duckerr.KindIO, "pipeline.copyBackDataDir", err).WithPath(dest)
	}
	if err := os.Rename(savedDataDir, dest); err == nil {
		return nil
	}
	// cross-device fallback: copy tree then remove source.
	if err := copyDir(savedDataDir, dest); err != nil {
		return duckerr.New(duckerr.KindIO, "pipeline.copyBackDataDir", err).WithPath(dest)
	}
	return nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

func (o *Orchestrator) appendUpgradeHistory(from, to version.Version, strategy selector.Strategy, backupID *int64) {
	var history []HistoryEntry
	if raw, found, err := o.deps.Store.GetConfig(configKeyUpgradeHistory); err == nil && found {
		_ = json.Unmarshal([]byte(raw), &history)
	}
	history = append(history, HistoryEntry{
		FromVersion: from.ShortString(),
		ToVersion:   to.ShortString(),
		Strategy:    strategy.String(),
		BackupID:    backupID,
		CompletedAt: time.Now().UTC(),
	})
	raw, err := json.Marshal(history)
	if err != nil {
		o.deps.Logger.Error("failed to marshal upgrade history", "error", err)
		return
	}
	if err := o.deps.Store.SetConfig(configKeyUpgradeHistory, string(raw)); err != nil {
		o.deps.Logger.Error("failed to persist upgrade history", "error", err)
	}
}

func (o *Orchestrator) readLocalVersion() version.Version {
	raw, found, err := o.deps.Store.GetConfig(configKeyCurrentVersion)
	if err != nil || !found {
		return version.Version{}
	}
	v, err := version.Parse(raw)
	if err != nil {
		return version.Version{}
	}
	return v
}

func (o *Orchestrator) gatherWorkDirFacts() selector.WorkDirFacts {
	composePath := filepath.Join(o.cfg.WorkDir, o.cfg.ComposeRelPath)
	_, composeErr := os.Stat(composePath)

	dataPresent := false
	for _, name := range o.cfg.DataDirNames {
		if _, err := os.Stat(filepath.Join(o.cfg.WorkDir, name)); err == nil {
			dataPresent = true
			break
		}
	}
	return selector.WorkDirFacts{ComposeFilePresent: composeErr == nil, DataDirsPresent: dataPresent}
}

func (o *Orchestrator) presentDataPaths() []string {
	var out []string
	for _, name := range o.cfg.DataDirNames {
		p := filepath.Join(o.cfg.WorkDir, name)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (o *Orchestrator) anyServiceRunning(ctx context.Context) (bool, error) {
	services, err := o.deps.Container.ListServicesStatus(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range services {
		if s.Status == container.StatusRunning {
			return true, nil
		}
	}
	return false, nil
}

func archiveFilename(strategy selector.Strategy) string {
	if strategy == selector.PatchUpgrade {
		return "patch.tar.gz"
	}
	return "full.tar.gz"
}

// fail builds a Failed(state) result. Callers needing a start_services
// attempt first use failRestart instead.
func (o *Orchestrator) fail(state State, backupID *int64, err error) (*Result, error) {
	o.deps.Metrics.UpgradesFailedTotal.WithLabelValues(state.String()).Inc()
	diag := newDiagnosis(state, err, backupID)
	o.emit(state, "failed: %v", err)
	return &Result{State: state, PreUpgradeBackupID: backupID, Diagnosis: diag}, diag
}

// failRestart implements the Failed(Stopping)/Failed(Backing-up)/
// Failed(Replacing)-during-patch policy: attempt start_services before
// surfacing the error, since those failures leave the stack in a state the
// operator would otherwise have to start by hand.
func (o *Orchestrator) failRestart(ctx context.Context, state State, backupID *int64, err error) (*Result, error) {
	if o.deps.Container != nil {
		if startErr := o.deps.Container.StartServices(ctx); startErr != nil {
			o.deps.Logger.Error("failed to restart services after failure", "state", state.String(), "error", startErr)
		}
	}
	return o.fail(state, backupID, err)
}
