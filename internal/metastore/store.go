// Package metastore implements the local metadata store of spec §4.5: an
// embedded, single-file database holding backup records and app config,
// opened under a process-wide advisory lock, with every call wrapped in a
// bounded retry policy.
package metastore

import "time"

// BackupKind distinguishes an operator-initiated backup from the one the
// upgrade pipeline takes automatically before a destructive step.
type BackupKind string

const (
	KindManual     BackupKind = "manual"
	KindPreUpgrade BackupKind = "pre_upgrade"
)

// BackupStatus is the outcome of the archive operation that produced a
// BackupRecord.
type BackupStatus string

const (
	StatusCompleted BackupStatus = "completed"
	StatusFailed    BackupStatus = "failed"
)

// BackupRecord is the persisted row described in spec §3. FileExists is
// populated by backup.Engine.ListBackups by stat-ing Path; Store
// implementations leave it false, and it is never itself persisted.
type BackupRecord struct {
	ID            int64
	Name          string
	Kind          BackupKind
	SourceVersion string
	Path          string
	SizeBytes     int64
	FileCount     *int
	Status        BackupStatus
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	FileExists    bool
}

// Store is the contract consumed by the rest of the core (spec §4.5). All
// implementations must apply the bounded retry policy of retry.MetadataStore
// to every call. The SQLite implementation also takes a process-wide
// advisory lock when it is opened; the Postgres implementation takes none.
type Store interface {
	CreateBackupRecord(name string, kind BackupKind, sourceVersion, path string, sizeBytes int64, status BackupStatus) (int64, error)
	UpdateBackupFilePath(id int64, newPath string) error
	UpdateBackupStatus(id int64, status BackupStatus) error
	ListBackups() ([]*BackupRecord, error)
	GetBackupByID(id int64) (*BackupRecord, error)
	DeleteBackupRecord(id int64) error

	GetConfig(key string) (string, bool, error)
	SetConfig(key, value string) error

	Close() error
}
