package mutation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlLogDefaultPrefix    = "possync"
	sqlLogOperationTimeout = 5 * time.Second
	sqlLogLastIDKey        = "last_id"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver    string
	numbered  bool
	singleCon bool
	pragmas   []string
}

var (
	sqliteDialect = sqlDialect{
		driver:    "sqlite",
		singleCon: true,
		pragmas: []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = FULL",
			"PRAGMA busy_timeout = 5000",
		},
	}
	postgresDialect = sqlDialect{
		driver:   "postgres",
		numbered: true,
	}
)

// sqlLog stores one row per live record plus the alias table and a small
// meta table holding the id high-water mark. Tables are created lazily on
// first use.
type sqlLog struct {
	dsn     string
	dialect sqlDialect
	prefix  string
	openDB  sqlOpenFunc
	timeout time.Duration

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteLog(dsn string) (Log, error) {
	return newSQLLog(dsn, sqliteDialect)
}

func NewPostgresLog(dsn string) (Log, error) {
	return newSQLLog(dsn, postgresDialect)
}

func newSQLLog(dsn string, dialect sqlDialect) (*sqlLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlLog{
		dsn:     dsn,
		dialect: dialect,
		prefix:  sqlLogDefaultPrefix,
		openDB:  sql.Open,
		timeout: sqlLogOperationTimeout,
	}, nil
}

func (l *sqlLog) mutationsTable() string { return quoteIdentifier(l.prefix + "_mutations") }
func (l *sqlLog) aliasesTable() string   { return quoteIdentifier(l.prefix + "_aliases") }
func (l *sqlLog) metaTable() string      { return quoteIdentifier(l.prefix + "_meta") }

// bind rewrites ? placeholders for drivers that want $n.
func (l *sqlLog) bind(query string) string {
	if !l.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *sqlLog) ensureReady() error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB(l.dialect.driver, l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		if l.dialect.singleCon {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()

		statements := append([]string(nil), l.dialect.pragmas...)
		statements = append(statements,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY,
				data TEXT NOT NULL
			)`, l.mutationsTable()),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				entity_type TEXT NOT NULL,
				local_id TEXT NOT NULL,
				remote_id TEXT NOT NULL,
				PRIMARY KEY (entity_type, local_id)
			)`, l.aliasesTable()),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				meta_key TEXT PRIMARY KEY,
				meta_value BIGINT NOT NULL
			)`, l.metaTable()),
		)
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				l.initErr = err
				return
			}
		}
		l.db = db
	})
	return l.initErr
}

func (l *sqlLog) Load(ctx context.Context) (Snapshot, error) {
	if err := l.ensureReady(); err != nil {
		return Snapshot{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var snap Snapshot
	rows, err := l.db.QueryContext(ctx, fmt.Sprintf("SELECT id, data FROM %s ORDER BY id", l.mutationsTable()))
	if err != nil {
		return Snapshot{}, err
	}
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			_ = rows.Close()
			return Snapshot{}, err
		}
		rec, err := decodeRow(id, payload)
		if err != nil {
			location := fmt.Sprintf("%s row %d", l.mutationsTable(), id)
			snap.Corrupt = append(snap.Corrupt, CorruptEntry{RecordID: id, Location: location, Err: err.Error()})
			rec = unreadableRecord(id, location, err)
		}
		snap.Records = append(snap.Records, rec)
	}
	if err := rows.Close(); err != nil {
		return Snapshot{}, err
	}

	rows, err = l.db.QueryContext(ctx, fmt.Sprintf("SELECT entity_type, local_id, remote_id FROM %s ORDER BY entity_type, local_id", l.aliasesTable()))
	if err != nil {
		return Snapshot{}, err
	}
	for rows.Next() {
		var alias Alias
		if err := rows.Scan(&alias.EntityType, &alias.LocalID, &alias.RemoteID); err != nil {
			_ = rows.Close()
			return Snapshot{}, err
		}
		snap.Aliases = append(snap.Aliases, alias)
	}
	if err := rows.Close(); err != nil {
		return Snapshot{}, err
	}

	err = l.db.QueryRowContext(ctx, l.bind(fmt.Sprintf("SELECT meta_value FROM %s WHERE meta_key = ?", l.metaTable())), sqlLogLastIDKey).Scan(&snap.LastID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, err
	}
	return snap, nil
}

func decodeRow(id int64, payload string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Record{}, err
	}
	if rec.ID != id {
		return Record{}, fmt.Errorf("row holds record %d", rec.ID)
	}
	return rec, nil
}

func (l *sqlLog) Append(ctx context.Context, rec Record) error {
	if err := l.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.inTx(ctx, func(tx *sql.Tx) error {
		insert := l.bind(fmt.Sprintf("INSERT INTO %s (id, data) VALUES (?, ?)", l.mutationsTable()))
		if _, err := tx.ExecContext(ctx, insert, rec.ID, string(payload)); err != nil {
			return err
		}
		seq := l.bind(fmt.Sprintf(`
			INSERT INTO %[1]s (meta_key, meta_value) VALUES (?, ?)
			ON CONFLICT (meta_key)
			DO UPDATE SET meta_value = CASE WHEN %[1]s.meta_value > excluded.meta_value THEN %[1]s.meta_value ELSE excluded.meta_value END`, l.metaTable()))
		_, err := tx.ExecContext(ctx, seq, sqlLogLastIDKey, rec.ID)
		return err
	})
}

func (l *sqlLog) Update(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := l.ensureReady(); err != nil {
		return err
	}
	return l.inTx(ctx, func(tx *sql.Tx) error {
		update := l.bind(fmt.Sprintf("UPDATE %s SET data = ? WHERE id = ?", l.mutationsTable()))
		for _, rec := range recs {
			payload, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, update, string(payload), rec.ID)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return fmt.Errorf("%w: record %d", ErrNotFound, rec.ID)
			}
		}
		return nil
	})
}

func (l *sqlLog) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.ensureReady(); err != nil {
		return err
	}
	return l.inTx(ctx, func(tx *sql.Tx) error {
		del := l.bind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", l.mutationsTable()))
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, del, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *sqlLog) PutAlias(ctx context.Context, alias Alias) error {
	if err := l.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	upsert := l.bind(fmt.Sprintf(`
		INSERT INTO %s (entity_type, local_id, remote_id) VALUES (?, ?, ?)
		ON CONFLICT (entity_type, local_id)
		DO UPDATE SET remote_id = excluded.remote_id`, l.aliasesTable()))
	_, err := l.db.ExecContext(ctx, upsert, alias.EntityType, alias.LocalID, alias.RemoteID)
	return err
}

func (l *sqlLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *sqlLog) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
