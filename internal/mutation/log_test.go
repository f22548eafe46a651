package mutation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postgresIntegrationCounter uint64

func sampleRecord(id int64, entityID string) Record {
	return Record{
		ID:         id,
		EntityType: "order",
		EntityID:   entityID,
		Operation:  OperationUpdate,
		Payload:    payload(entityID),
		Status:     StatusPending,
		CreatedAt:  id,
		EnqueuedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// exerciseLog runs the behavior every Log backend must share.
func exerciseLog(t *testing.T, log Log) {
	t.Helper()
	ctx := context.Background()

	snap, err := log.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Records)
	assert.Zero(t, snap.LastID)

	require.NoError(t, log.Append(ctx, sampleRecord(1, "A")))
	require.NoError(t, log.Append(ctx, sampleRecord(2, "B")))
	require.NoError(t, log.Append(ctx, sampleRecord(3, "C")))

	updated := sampleRecord(2, "B")
	updated.Status = StatusFailed
	updated.AttemptCount = 4
	updated.LastError = "rejected"
	require.NoError(t, log.Update(ctx, []Record{updated}))
	require.NoError(t, log.Delete(ctx, []int64{3}))
	require.NoError(t, log.PutAlias(ctx, Alias{EntityType: "order", LocalID: "A", RemoteID: "srv-1"}))
	require.NoError(t, log.PutAlias(ctx, Alias{EntityType: "order", LocalID: "A", RemoteID: "srv-2"}))

	err = log.Update(ctx, []Record{sampleRecord(99, "Z")})
	assert.ErrorIs(t, err, ErrNotFound)

	snap, err = log.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, int64(1), snap.Records[0].ID)
	assert.Equal(t, StatusFailed, snap.Records[1].Status)
	assert.Equal(t, 4, snap.Records[1].AttemptCount)
	assert.JSONEq(t, `{"name":"B"}`, string(snap.Records[1].Payload))
	assert.Equal(t, int64(3), snap.LastID)
	require.Len(t, snap.Aliases, 1)
	assert.Equal(t, "srv-2", snap.Aliases[0].RemoteID)
}

func TestMemoryLog(t *testing.T) {
	log := NewMemoryLog()
	exerciseLog(t, log)
	require.NoError(t, log.Close())
	_, err := log.Load(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileLog(t *testing.T) {
	log, err := NewFileLog(filepath.Join(t.TempDir(), "nested", "queue.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	exerciseLog(t, log)
}

func TestFileLogSurvivesReopenAndTornTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	log, err := NewFileLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, sampleRecord(1, "A")))
	require.NoError(t, log.Append(ctx, sampleRecord(2, "B")))
	require.NoError(t, log.Delete(ctx, []int64{2}))
	require.NoError(t, log.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"put","record":{"id":3,"enti`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log, err = NewFileLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	snap, err := log.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "A", snap.Records[0].EntityID)
	assert.Equal(t, int64(2), snap.LastID, "deleted ids still count toward the high-water mark")

	require.Len(t, snap.Corrupt, 1)
	assert.True(t, snap.Corrupt[0].Torn)
	assert.Zero(t, snap.Corrupt[0].RecordID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id":3,`, "compaction on open drops the torn line")
	sidecar, err := os.ReadFile(path + fileLogCorruptSuffix)
	require.NoError(t, err)
	assert.Contains(t, string(sidecar), `"line":`)
	assert.Contains(t, string(sidecar), `\"id\":3,\"enti`)
}

// damageJournalLine rewrites the journal so the line holding old no longer
// decodes.
func damageJournalLine(t *testing.T, path, old, replacement string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), old)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), old, replacement, 1)), 0o644))
}

func TestFileLogIsolatesUnreadableLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	log, err := NewFileLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, sampleRecord(1, "A")))
	require.NoError(t, log.Append(ctx, sampleRecord(2, "B")))
	require.NoError(t, log.Close())

	damageJournalLine(t, path, `{"name":"A"}`, `{"name":garbage}`)

	log, err = NewFileLog(path)
	require.NoError(t, err)
	snap, err := log.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	assert.True(t, snap.Records[0].Unreadable())
	assert.Equal(t, int64(1), snap.Records[0].ID)
	assert.Equal(t, StatusFailed, snap.Records[0].Status)
	assert.Contains(t, snap.Records[0].LastError, "line")
	assert.Equal(t, "B", snap.Records[1].EntityID)
	require.Len(t, snap.Corrupt, 1)
	assert.Equal(t, int64(1), snap.Corrupt[0].RecordID)
	assert.False(t, snap.Corrupt[0].Torn)

	sidecar, err := os.ReadFile(path + fileLogCorruptSuffix)
	require.NoError(t, err)
	assert.Contains(t, string(sidecar), "garbage")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "garbage")
	require.NoError(t, log.Close())

	log, err = NewFileLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	snap, err = log.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	assert.True(t, snap.Records[0].Unreadable(), "the dead letter outlives compaction")
	assert.Empty(t, snap.Corrupt)
}

func TestFileLogKeepsJournalWhenSidecarFails(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	log, err := NewFileLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, sampleRecord(1, "A")))
	require.NoError(t, log.Close())

	damageJournalLine(t, path, `{"name":"A"}`, `{"name":garbage}`)
	require.NoError(t, os.Mkdir(path+fileLogCorruptSuffix, 0o755))

	log, err = NewFileLog(path)
	require.NoError(t, err)
	snap, err := log.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.True(t, snap.Records[0].Unreadable())

	rec := sampleRecord(2, "B")
	require.NoError(t, log.Append(ctx, rec))
	for i := 0; i < fileLogCompactMinGarbage+10; i++ {
		rec.AttemptCount = i
		require.NoError(t, log.Update(ctx, []Record{rec}))
	}
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "garbage", "undecodable line stays until it is saved elsewhere")
}

func TestSQLiteLogIsolatesUnreadableRow(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	log, err := NewSQLiteLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, sampleRecord(1, "A")))
	require.NoError(t, log.Append(ctx, sampleRecord(2, "B")))
	require.NoError(t, log.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE "possync_mutations" SET data = 'garbage' WHERE id = 1`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	log, err = NewSQLiteLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	snap, err := log.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	assert.True(t, snap.Records[0].Unreadable())
	assert.Equal(t, int64(1), snap.Records[0].ID)
	assert.Equal(t, "B", snap.Records[1].EntityID)
	require.Len(t, snap.Corrupt, 1)
	assert.Equal(t, int64(1), snap.Corrupt[0].RecordID)

	require.NoError(t, log.Delete(ctx, []int64{1}))
	snap, err = log.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Empty(t, snap.Corrupt)
}

func TestFileLogCompactsGarbage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	log, err := NewFileLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	require.NoError(t, log.Append(ctx, sampleRecord(1, "A")))
	rec := sampleRecord(1, "A")
	for i := 0; i < fileLogCompactMinGarbage+10; i++ {
		rec.AttemptCount = i
		require.NoError(t, log.Update(ctx, []Record{rec}))
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Count(string(data), "\n")
	assert.Less(t, lines, fileLogCompactMinGarbage, "journal was compacted")

	snap, err := log.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, fileLogCompactMinGarbage+9, snap.Records[0].AttemptCount)
}

func TestFileLogRejectsSecondWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	first, err := NewFileLog(path)
	require.NoError(t, err)

	_, err = NewFileLog(path)
	require.ErrorIs(t, err, ErrQueueLocked)

	require.NoError(t, first.Close())
	second, err := NewFileLog(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestSQLiteLog(t *testing.T) {
	log, err := NewSQLiteLog(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	exerciseLog(t, log)
}

func TestSQLiteLogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	log, err := NewSQLiteLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, sampleRecord(7, "A")))
	require.NoError(t, log.Close())

	log, err = NewSQLiteLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	snap, err := log.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, int64(7), snap.LastID)
}

func TestSQLLogInitFailureIsSticky(t *testing.T) {
	log, err := newSQLLog("postgres://unused", postgresDialect)
	require.NoError(t, err)
	calls := 0
	log.openDB = func(driverName, dsn string) (*sql.DB, error) {
		calls++
		return nil, errors.New("no route to host")
	}
	_, err = log.Load(context.Background())
	require.Error(t, err)
	require.Error(t, log.Append(context.Background(), sampleRecord(1, "A")))
	assert.Equal(t, 1, calls)
}

func TestSQLLogBindNumbersPlaceholders(t *testing.T) {
	pg, err := newSQLLog("postgres://x", postgresDialect)
	require.NoError(t, err)
	lite, err := newSQLLog("x.db", sqliteDialect)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2", pg.bind("UPDATE t SET a = ? WHERE b = ?"))
	assert.Equal(t, "UPDATE t SET a = ? WHERE b = ?", lite.bind("UPDATE t SET a = ? WHERE b = ?"))
}

func TestPostgresIntegrationLog(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("POSSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set POSSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	log, err := newSQLLog(dsn, postgresDialect)
	require.NoError(t, err)
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	log.prefix = fmt.Sprintf("possync_it_%d_%d", time.Now().UnixNano(), n)
	t.Cleanup(func() {
		if log.db != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, table := range []string{log.mutationsTable(), log.aliasesTable(), log.metaTable()} {
				_, _ = log.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table)
			}
		}
		_ = log.Close()
	})
	exerciseLog(t, log)
}
