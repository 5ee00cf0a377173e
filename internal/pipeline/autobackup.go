package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/duckclient/duckclient/internal/backup"
	"github.com/duckclient/duckclient/internal/metastore"
)

const (
	configKeyAutoBackupEnabled       = "auto_backup_enabled"
	configKeyAutoBackupCron          = "auto_backup_cron"
	configKeyAutoBackupRetentionDays = "auto_backup_retention_days"
	configKeyAutoBackupDirectory     = "auto_backup_directory"
	configKeyAutoBackupLastTime      = "auto_backup_last_time"
	configKeyAutoBackupLastStatus    = "auto_backup_last_status"
)

// AutoBackupSettings is the passive auto-backup schedule's persisted
// configuration (spec §4.10 "Auto-backup schedule"), read from the
// metadata store's app_config.
type AutoBackupSettings struct {
	Enabled          bool
	Cron             string
	RetentionDays    int
	Directory        string
	LastRunAt        *time.Time
	LastRunSucceeded bool
}

// ReadAutoBackupSettings loads the current schedule configuration. It never
// fails: absent keys simply report zero values (disabled, no schedule).
func (o *Orchestrator) ReadAutoBackupSettings() AutoBackupSettings {
	var s AutoBackupSettings
	if raw, found, _ := o.deps.Store.GetConfig(configKeyAutoBackupEnabled); found {
		s.Enabled = raw == "true"
	}
	if raw, found, _ := o.deps.Store.GetConfig(configKeyAutoBackupCron); found {
		s.Cron = raw
	}
	if raw, found, _ := o.deps.Store.GetConfig(configKeyAutoBackupRetentionDays); found {
		if n, err := strconv.Atoi(raw); err == nil {
			s.RetentionDays = n
		}
	}
	if raw, found, _ := o.deps.Store.GetConfig(configKeyAutoBackupDirectory); found {
		s.Directory = raw
	}
	if raw, found, _ := o.deps.Store.GetConfig(configKeyAutoBackupLastTime); found {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			s.LastRunAt = &t
		}
	}
	if raw, found, _ := o.deps.Store.GetConfig(configKeyAutoBackupLastStatus); found {
		s.LastRunSucceeded = raw == string(metastore.StatusCompleted)
	}
	return s
}

// RunAutoBackup is the handler an external scheduler (OS cron, a process
// supervisor) invokes on its own cadence. It takes a kind=Manual backup of
// whatever data/app/config directories are present, updates
// auto_backup_last_time/auto_backup_last_status regardless of outcome, and
// never returns an error to the caller — per spec §4.10, the exit code (or
// the boolean this returns) is the only signal; the caller process must not
// crash because a scheduled backup failed.
func (o *Orchestrator) RunAutoBackup(ctx context.Context) bool {
	local := o.readLocalVersion()
	sourcePaths := o.presentDataPaths()

	status := metastore.StatusFailed
	if len(sourcePaths) > 0 {
		if _, err := o.deps.Backup.CreateBackup(ctx, backup.CreateOptions{
			Kind:          metastore.KindManual,
			SourceVersion: local.ShortString(),
			SourcePaths:   sourcePaths,
		}); err == nil {
			status = metastore.StatusCompleted
			o.deps.Metrics.BackupsCreatedTotal.Inc()
		} else {
			o.deps.Logger.Error("scheduled auto-backup failed", "error", err)
		}
	} else {
		o.deps.Logger.Warn("scheduled auto-backup skipped: no data/app/config present")
	}

	_ = o.deps.Store.SetConfig(configKeyAutoBackupLastTime, time.Now().UTC().Format(time.RFC3339))
	_ = o.deps.Store.SetConfig(configKeyAutoBackupLastStatus, string(status))

	return status == metastore.StatusCompleted
}
