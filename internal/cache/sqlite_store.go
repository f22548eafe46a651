package cache

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOperationTimeout = 5 * time.Second

type SQLiteStore struct {
	dsn    string
	openDB func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *SQLiteStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("sqlite", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		for _, stmt := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
			`CREATE TABLE IF NOT EXISTS cache_entries (
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				data TEXT,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (entity_type, entity_id)
			)`,
			`CREATE TABLE IF NOT EXISTS cache_meta (
				meta_key TEXT PRIMARY KEY,
				meta_value TEXT NOT NULL
			)`,
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteStore) Get(ctx context.Context, entityType, entityID string) (Entry, error) {
	if err := s.ensureReady(); err != nil {
		return Entry{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		"SELECT version, data, updated_at FROM cache_entries WHERE entity_type = ? AND entity_id = ?",
		entityType, entityID)
	e := Entry{EntityType: entityType, EntityID: entityID}
	if err := scanEntry(row.Scan, &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry Entry) error {
	if !validKey(entry.EntityType, entry.EntityID) {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (entity_type, entity_id, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at
		WHERE excluded.version = 0 OR cache_entries.version <= excluded.version`,
		entry.EntityType, entry.EntityID, entry.Version, nullableData(entry.Data), entry.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, entityType, entityID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE entity_type = ? AND entity_id = ?", entityType, entityID)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, entityType string) ([]Entry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, version, data, updated_at FROM cache_entries
		WHERE ? = '' OR entity_type = ?
		ORDER BY entity_type, entity_id`, entityType, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		err := scanEntry(func(dest ...any) error {
			return rows.Scan(append([]any{&e.EntityType, &e.EntityID}, dest...)...)
		}, &e)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Watermark(ctx context.Context) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	var watermark string
	err := s.db.QueryRowContext(ctx, "SELECT meta_value FROM cache_meta WHERE meta_key = 'watermark'").Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return watermark, err
}

func (s *SQLiteStore) SetWatermark(ctx context.Context, watermark string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_meta (meta_key, meta_value) VALUES ('watermark', ?)
		ON CONFLICT (meta_key) DO UPDATE SET meta_value = excluded.meta_value`, watermark)
	return err
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanEntry(scan func(dest ...any) error, e *Entry) error {
	var data sql.NullString
	var updatedAt string
	if err := scan(&e.Version, &data, &updatedAt); err != nil {
		return err
	}
	if data.Valid {
		e.Data = []byte(data.String)
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = ts
	}
	return nil
}

func nullableData(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
