package mutation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	fileLogEntryPut   = "put"
	fileLogEntryDel   = "del"
	fileLogEntryAlias = "alias"
	fileLogEntrySeq   = "seq"

	fileLogCompactMinGarbage = 256
	fileLogCorruptSuffix     = ".corrupt"
)

// putRecordID finds the record id at the start of a put entry, which is how
// the encoder lays it out.
var putRecordID = regexp.MustCompile(`^\{"op":"put","record":\{"id":(\d+)`)

type fileLogEntry struct {
	Op     string  `json:"op"`
	Record *Record `json:"record,omitempty"`
	ID     int64   `json:"id,omitempty"`
	Alias  *Alias  `json:"alias,omitempty"`
	LastID int64   `json:"lastId,omitempty"`
}

type corruptLine struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
	Raw   string `json:"raw"`
}

// fileLog is an append-only JSONL journal. Every write is fsynced before it
// returns. Superseded lines are dropped by compaction, which rewrites the live
// set to a temp file and renames it over the journal. Lines that do not decode
// are copied to a sidecar file before compaction may drop them.
type fileLog struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	file    *os.File
	lock    *os.File
	live    map[int64]Record
	aliases map[EntityKey]Alias
	lastID  int64
	lines   int
	corrupt []CorruptEntry
	closed  bool

	// keepJournal blocks compaction while undecodable lines exist only in
	// the journal.
	keepJournal bool
}

func NewFileLog(path string, opts ...LogOption) (Log, error) {
	settings := applyLogOptions(opts)
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(lock); err != nil {
		_ = lock.Close()
		return nil, err
	}
	l := &fileLog{
		path:    path,
		logger:  settings.logger,
		lock:    lock,
		live:    map[int64]Record{},
		aliases: map[EntityKey]Alias{},
	}
	bad, err := l.replay()
	if err != nil {
		l.releaseLock()
		return nil, err
	}
	if len(bad) > 0 {
		if err := l.saveCorrupt(bad); err != nil {
			l.keepJournal = true
			l.logger.Error("could not save unreadable journal lines; compaction disabled",
				zap.String("path", l.path+fileLogCorruptSuffix), zap.Int("lines", len(bad)), zap.Error(err))
		}
	}
	if !l.keepJournal {
		if err := l.compactLocked(); err != nil {
			l.releaseLock()
			return nil, err
		}
	}
	return l, nil
}

func (l *fileLog) Load(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Snapshot{}, ErrClosed
	}
	snap := Snapshot{LastID: l.lastID, Corrupt: append([]CorruptEntry(nil), l.corrupt...)}
	for _, rec := range l.live {
		snap.Records = append(snap.Records, rec.clone())
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ID < snap.Records[j].ID })
	for _, alias := range l.aliases {
		snap.Aliases = append(snap.Aliases, alias)
	}
	sortAliases(snap.Aliases)
	return snap, nil
}

func (l *fileLog) Append(ctx context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, exists := l.live[rec.ID]; exists {
		return ErrInvalidState
	}
	r := rec.clone()
	if err := l.writeLocked([]fileLogEntry{{Op: fileLogEntryPut, Record: &r}}); err != nil {
		return err
	}
	l.live[rec.ID] = r
	if rec.ID > l.lastID {
		l.lastID = rec.ID
	}
	return nil
}

func (l *fileLog) Update(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	entries := make([]fileLogEntry, 0, len(recs))
	for _, rec := range recs {
		if _, ok := l.live[rec.ID]; !ok {
			return fmt.Errorf("%w: record %d", ErrNotFound, rec.ID)
		}
		r := rec.clone()
		entries = append(entries, fileLogEntry{Op: fileLogEntryPut, Record: &r})
	}
	if err := l.writeLocked(entries); err != nil {
		return err
	}
	for _, entry := range entries {
		l.live[entry.Record.ID] = *entry.Record
	}
	l.maybeCompactLocked()
	return nil
}

func (l *fileLog) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	entries := make([]fileLogEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, fileLogEntry{Op: fileLogEntryDel, ID: id})
	}
	if err := l.writeLocked(entries); err != nil {
		return err
	}
	for _, id := range ids {
		delete(l.live, id)
	}
	l.maybeCompactLocked()
	return nil
}

func (l *fileLog) PutAlias(ctx context.Context, alias Alias) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	a := alias
	if err := l.writeLocked([]fileLogEntry{{Op: fileLogEntryAlias, Alias: &a}}); err != nil {
		return err
	}
	l.aliases[alias.Key()] = alias
	return nil
}

func (l *fileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	if l.file != nil {
		errs = append(errs, l.file.Close())
		l.file = nil
	}
	l.releaseLock()
	return errors.Join(errs...)
}

func (l *fileLog) releaseLock() {
	if l.lock == nil {
		return
	}
	_ = unlockFile(l.lock)
	_ = l.lock.Close()
	l.lock = nil
}

// replay rebuilds the live set from the journal. Lines that do not decode are
// returned for the sidecar. A damaged put whose record id can still be read
// becomes an unreadable dead letter unless a later line supersedes it.
func (l *fileLog) replay() ([]corruptLine, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	torn := len(data) > 0 && data[len(data)-1] != '\n'
	rawLines := bytes.Split(data, []byte("\n"))

	var bad []corruptLine
	for i, raw := range rawLines {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		l.lines++
		lineNo := i + 1
		if err := l.apply(line); err != nil {
			entry := CorruptEntry{
				Location: fmt.Sprintf("%s line %d", l.path, lineNo),
				Err:      err.Error(),
				Torn:     torn && i == len(rawLines)-1,
			}
			if m := putRecordID.FindSubmatch(line); m != nil && !entry.Torn {
				if id, convErr := strconv.ParseInt(string(m[1]), 10, 64); convErr == nil && id > 0 {
					entry.RecordID = id
					l.live[id] = unreadableRecord(id, entry.Location, err)
					if id > l.lastID {
						l.lastID = id
					}
				}
			}
			l.corrupt = append(l.corrupt, entry)
			bad = append(bad, corruptLine{Line: lineNo, Error: err.Error(), Raw: string(line)})
		}
	}
	return bad, nil
}

func (l *fileLog) apply(line []byte) error {
	var entry fileLogEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return err
	}
	switch entry.Op {
	case fileLogEntryPut:
		if entry.Record == nil {
			return errors.New("put entry has no record")
		}
		l.live[entry.Record.ID] = *entry.Record
		if entry.Record.ID > l.lastID {
			l.lastID = entry.Record.ID
		}
	case fileLogEntryDel:
		delete(l.live, entry.ID)
	case fileLogEntryAlias:
		if entry.Alias == nil {
			return errors.New("alias entry has no alias")
		}
		l.aliases[entry.Alias.Key()] = *entry.Alias
	case fileLogEntrySeq:
		if entry.LastID > l.lastID {
			l.lastID = entry.LastID
		}
	default:
		return fmt.Errorf("unknown journal entry %q", entry.Op)
	}
	return nil
}

// saveCorrupt appends the undecodable lines to the sidecar file and fsyncs it.
func (l *fileLog) saveCorrupt(bad []corruptLine) error {
	f, err := os.OpenFile(l.path+fileLogCorruptSuffix, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, line := range bad {
		if err := enc.Encode(line); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (l *fileLog) writeLocked(entries []fileLogEntry) error {
	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		l.file = f
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.lines += len(entries)
	return nil
}

// maybeCompactLocked runs after a write has already been journaled, so a
// failure here is logged and retried on a later write rather than returned.
func (l *fileLog) maybeCompactLocked() {
	if l.keepJournal {
		return
	}
	garbage := l.lines - len(l.live) - len(l.aliases) - 1
	if garbage < fileLogCompactMinGarbage || garbage < len(l.live) {
		return
	}
	if err := l.compactLocked(); err != nil {
		l.logger.Error("queue journal compaction failed", zap.String("path", l.path), zap.Error(err))
	}
}

func (l *fileLog) compactLocked() error {
	ids := make([]int64, 0, len(l.live))
	for id := range l.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	aliases := make([]Alias, 0, len(l.aliases))
	for _, alias := range l.aliases {
		aliases = append(aliases, alias)
	}
	sortAliases(aliases)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(fileLogEntry{Op: fileLogEntrySeq, LastID: l.lastID}); err != nil {
		return err
	}
	for _, id := range ids {
		rec := l.live[id]
		if err := enc.Encode(fileLogEntry{Op: fileLogEntryPut, Record: &rec}); err != nil {
			return err
		}
	}
	for i := range aliases {
		if err := enc.Encode(fileLogEntry{Op: fileLogEntryAlias, Alias: &aliases[i]}); err != nil {
			return err
		}
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return err
	}
	l.lines = 1 + len(ids) + len(aliases)
	return nil
}
