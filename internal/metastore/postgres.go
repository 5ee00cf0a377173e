package metastore

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/duckclient/duckclient/internal/duckerr"
	"github.com/duckclient/duckclient/internal/retry"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS backups (
	id             BIGSERIAL PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	kind           TEXT NOT NULL,
	source_version TEXT NOT NULL,
	path           TEXT NOT NULL,
	size_bytes     BIGINT NOT NULL DEFAULT 0,
	file_count     INTEGER,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_backups_created_at ON backups(created_at);

CREATE TABLE IF NOT EXISTS app_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// PostgresStore is the "Standard" deployment profile's metastore.Store
// backend (spec §4.5): an external, shared Postgres database reached
// through pgx. Unlike the SQLite backend it takes no advisory lock of any
// kind, and relies on the same bounded retry policy to ride out transient
// connection errors.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, duckerr.New(duckerr.KindDatabaseTransient, "metastore.OpenPostgres", err)
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, duckerr.New(duckerr.KindDatabaseTransient, "metastore.OpenPostgres", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchemaSQL); err != nil {
		_ = db.Close()
		return nil, duckerr.New(duckerr.KindIO, "metastore.OpenPostgres", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, retry.MetadataStore(), s.logger, func(err error) bool {
		return duckerr.KindOf(err).Retryable()
	}, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return duckerr.New(duckerr.KindDatabaseTransient, op, err)
		}
		return nil
	})
}

func (s *PostgresStore) CreateBackupRecord(name string, kind BackupKind, sourceVersion, path string, sizeBytes int64, status BackupStatus) (int64, error) {
	var id int64
	err := s.withRetry(context.Background(), "metastore.CreateBackupRecord", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO backups (name, kind, source_version, path, size_bytes, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			name, string(kind), sourceVersion, path, sizeBytes, string(status), time.Now().UTC()).Scan(&id)
	})
	return id, err
}

func (s *PostgresStore) UpdateBackupFilePath(id int64, newPath string) error {
	return s.withRetry(context.Background(), "metastore.UpdateBackupFilePath", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `UPDATE backups SET path = $1 WHERE id = $2`, newPath, id)
		return err
	})
}

func (s *PostgresStore) UpdateBackupStatus(id int64, status BackupStatus) error {
	return s.withRetry(context.Background(), "metastore.UpdateBackupStatus", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `UPDATE backups SET status = $1 WHERE id = $2`, string(status), id)
		return err
	})
}

func (s *PostgresStore) ListBackups() ([]*BackupRecord, error) {
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
			rec, err := scanPostgresBackupRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) GetBackupByID(id int64) (*BackupRecord, error) {
	var rec *BackupRecord
	err := s.withRetry(context.Background(), "metastore.GetBackupByID", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, name, kind, source_version, path, size_bytes, file_count, status, created_at, expires_at
			 FROM backups WHERE id = $1`, id)
		r, err := scanPostgresBackupRecord(row)
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

func (s *PostgresStore) DeleteBackupRecord(id int64) error {
	return s.withRetry(context.Background(), "metastore.DeleteBackupRecord", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = $1`, id)
		return err
	})
}

func (s *PostgresStore) GetConfig(key string) (string, bool, error) {
	var value string
	var found bool
	err := s.withRetry(context.Background(), "metastore.GetConfig", func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = $1`, key).Scan(&value)
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

func (s *PostgresStore) SetConfig(key, value string) error {
	return s.withRetry(context.Background(), "metastore.SetConfig", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO app_config (key, value) VALUES ($1, $2)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

func scanPostgresBackupRecord(row scannable) (*BackupRecord, error) {
	var rec BackupRecord
	var kind, status string
	var fileCount sql.NullInt64
	var expiresAt sql.NullTime

	if err := row.Scan(&rec.ID, &rec.Name, &kind, &rec.SourceVersion, &rec.Path, &rec.SizeBytes,
		&fileCount, &status, &rec.CreatedAt, &expiresAt); err != nil {
		return nil, err
	}

	rec.Kind = BackupKind(kind)
	rec.Status = BackupStatus(status)
	if fileCount.Valid {
		n := int(fileCount.Int64)
		rec.FileCount = &n
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}
