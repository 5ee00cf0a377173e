package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/duckclient/duckclient/internal/duckerr"
	"github.com/duckclient/duckclient/internal/retry"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS backups (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT NOT NULL UNIQUE,
	kind           TEXT NOT NULL,
	source_version TEXT NOT NULL,
	path           TEXT NOT NULL,
	size_bytes     INTEGER NOT NULL DEFAULT 0,
	file_count     INTEGER,
	status         TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	expires_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_backups_created_at ON backups(created_at);

CREATE TABLE IF NOT EXISTS app_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLiteStore is the default metastore.Store backend: a single-file
// modernc.org/sqlite database guarded by a sibling ".lock" file so
// concurrent openers fail fast (spec §4.5/§5 "process-wide advisory lock").
type SQLiteStore struct {
	db     *sql.DB
	lock   *flock.Flock
	mu     sync.RWMutex
	logger *slog.Logger
}

// Open creates (if absent) and opens the metadata store at path, acquiring
// the advisory lock within 200ms or returning DatabaseLocked.
func Open(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	locked, err := l.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil || !locked {
		return nil, duckerr.New(duckerr.KindDatabaseLocked, "metastore.Open",
			fmt.Errorf("store at %s is locked by another process", path)).WithPath(path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = l.Unlock()
		return nil, duckerr.New(duckerr.KindIO, "metastore.Open", err).WithPath(path)
	}
	db.SetMaxOpenConns(1) // single-file sqlite: serialize writers ourselves

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		_ = l.Unlock()
		return nil, duckerr.New(duckerr.KindIO, "metastore.Open", fmt.Errorf("applying schema: %w", err)).WithPath(path)
	}

	return &SQLiteStore{db: db, lock: l, logger: logger}, nil
}

// Close releases the database handle and the advisory lock.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, retry.MetadataStore(), s.logger, func(err error) bool {
		return duckerr.KindOf(err).Retryable() || isSQLiteBusy(err)
	}, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if isSQLiteBusy(err) {
				return duckerr.New(duckerr.KindDatabaseTransient, op, err)
			}
			return err
		}
		return nil
	})
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces "SQLITE_BUSY" in the error text; matching
	// on that substring avoids importing its internal error-code package.
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *SQLiteStore) CreateBackupRecord(name string, kind BackupKind, sourceVersion, path string, sizeBytes int64, status BackupStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.withRetry(context.Background(), "metastore.CreateBackupRecord", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO backups (name, kind, source_version, path, size_bytes, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			name, string(kind), sourceVersion, path, sizeBytes, string(status), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (s *SQLiteStore) UpdateBackupFilePath(id int64, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withRetry(context.Background(), "metastore.UpdateBackupFilePath", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `UPDATE backups SET path = ? WHERE id = ?`, newPath, id)
		return err
	})
}

func (s *SQLiteStore) UpdateBackupStatus(id int64, status BackupStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withRetry(context.Background(), "metastore.UpdateBackupStatus", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `UPDATE backups SET status = ? WHERE id = ?`, string(status), id)
		return err
	})
}

func (s *SQLiteStore) ListBackups() ([]*BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*BackupRecord
	err := s.withRetry(context.Background(), "metastore.ListBackups", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, name, kind, source_version, path, size_bytes, file_count, status, created_at, expires_at
			 FROM backups ORDER BY created_at DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			rec, err := scanBackupRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLiteStore) GetBackupByID(id int64) (*BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec *BackupRecord
	err := s.withRetry(context.Background(), "metastore.GetBackupByID", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, name, kind, source_version, path, size_bytes, file_count, status, created_at, expires_at
			 FROM backups WHERE id = ?`, id)
		r, err := scanBackupRecord(row)
		if err != nil {
			if err == sql.ErrNoRows {
				rec = nil
				return nil
			}
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

func (s *SQLiteStore) DeleteBackupRecord(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withRetry(context.Background(), "metastore.DeleteBackupRecord", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) GetConfig(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	var found bool
	err := s.withRetry(context.Background(), "metastore.GetConfig", func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?`, key).Scan(&value)
		if err == sql.ErrNoRows {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return value, found, err
}

func (s *SQLiteStore) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withRetry(context.Background(), "metastore.SetConfig", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO app_config (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBackupRecord(row scannable) (*BackupRecord, error) {
	var rec BackupRecord
	var kind, status, createdAt string
	var fileCount sql.NullInt64
	var expiresAt sql.NullString

	if err := row.Scan(&rec.ID, &rec.Name, &kind, &rec.SourceVersion, &rec.Path, &rec.SizeBytes,
		&fileCount, &status, &createdAt, &expiresAt); err != nil {
		return nil, err
	}

	rec.Kind = BackupKind(kind)
	rec.Status = BackupStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if fileCount.Valid {
		n := int(fileCount.Int64)
		rec.FileCount = &n
	}
	if expiresAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, expiresAt.String); err == nil {
			rec.ExpiresAt = &t
		}
	}
	return &rec, nil
}
