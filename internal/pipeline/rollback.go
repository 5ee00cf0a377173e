package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/duckclient/duckclient/internal/backup"
	"github.com/duckclient/duckclient/internal/container"
	"github.com/duckclient/duckclient/internal/duckerr"
)

// RollbackOptions parameterizes RollbackToBackup.
type RollbackOptions struct {
	BackupID     int64
	IncludeDirs  []string // DataDirectoryOnly when set
	ExcludeDirs  []string // FullRestore when IncludeDirs is empty
	RestartAfter bool
}

// RollbackToBackup is the explicit rollback entry point of spec §4.10: it
// is never invoked automatically by Upgrade/FirstDeployment (Failed(Verifying)
// in particular leaves that decision to the operator), only by a caller
// holding a PreUpgradeBackupID from a prior Result or DiagnosisRecord.
//
// It stops services, clears the target subtree per the include/exclude
// policy, restores the archive through C6, repairs sensitive host-volume
// permissions, then starts services and waits for them to settle. Restart
// is driven manually here (rather than via Restore's own AutoStartService)
// so permission repair can run between the extraction and the restart.
func (o *Orchestrator) RollbackToBackup(ctx context.Context, opts RollbackOptions) (err error) {
	o.runID = uuid.New().String()
	defer func() {
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
		}
		o.deps.Metrics.RollbacksTotal.WithLabelValues(outcome).Inc()
	}()

	o.emit(Stopping, "rollback: stopping services")

	mode := backup.FullRestore
	if len(opts.IncludeDirs) > 0 {
		mode = backup.DataDirectoryOnly
	}

	hooks := backup.LifecycleHooks{}
	if o.deps.Container != nil {
		hooks.StopServices = o.deps.Container.StopServices
	}

	if err := o.deps.Backup.Restore(ctx, backup.RestoreOptions{
		BackupID:         opts.BackupID,
		TargetDir:        o.cfg.WorkDir,
		Mode:             mode,
		IncludeDirs:      opts.IncludeDirs,
		ExcludeDirs:      opts.ExcludeDirs,
		AutoStartService: true,
	}, hooks); err != nil {
		return err
	}

	if o.deps.Container != nil {
		o.emit(RestoringData, "rollback: repairing host-volume permissions")
		if err := o.deps.Container.EnsureHostVolumes(func(path string, perm uint32) error {
			return os.MkdirAll(path, os.FileMode(perm))
		}); err != nil {
			o.deps.Logger.Warn("rollback: permission repair reported an error", "error", err)
		}

		o.emit(Starting, "rollback: starting services")
		if err := o.deps.Container.StartServices(ctx); err != nil {
			return err
		}

		o.emit(Verifying, "rollback: waiting for services to settle")
		health, err := o.deps.Container.WaitUntilSettled(ctx, o.cfg.SettleDeadline)
		if err != nil {
			return err
		}
		if health.Overall != container.StateAllRunning {
			return duckerr.New(duckerr.KindContainerRuntime, "pipeline.RollbackToBackup",
				fmt.Errorf("services did not settle after rollback: %s", health.Overall))
		}
	}

	o.emit(Done, "rollback to backup %d complete", opts.BackupID)
	return nil
}
