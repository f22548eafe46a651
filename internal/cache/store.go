// Package cache keeps local copies of server-authoritative entities and the
// pull watermark.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrNotImplemented = errors.New("not implemented")
)

type Entry struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Version    int64           `json:"version,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type Store interface {
	Get(ctx context.Context, entityType, entityID string) (Entry, error)
	// Put is last-write-wins except that an entry never moves to an older
	// non-zero version.
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, entityType, entityID string) error
	List(ctx context.Context, entityType string) ([]Entry, error)
	Watermark(ctx context.Context) (string, error)
	SetWatermark(ctx context.Context, watermark string) error
	Close() error
}

type entryKey struct {
	entityType string
	entityID   string
}

type snapshot struct {
	Watermark string  `json:"watermark,omitempty"`
	Entries   []Entry `json:"entries"`
}

// mapStore is the in-memory store. With a non-empty path it also rewrites a
// JSON snapshot of itself after every change.
type mapStore struct {
	path string

	mu        sync.Mutex
	entries   map[entryKey]Entry
	watermark string
}

func NewMemoryStore() Store {
	return &mapStore{entries: map[entryKey]Entry{}}
}

func NewFileStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &mapStore{path: path, entries: map[entryKey]Entry{}}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if len(data) > 0 {
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decode cache snapshot %s: %w", path, err)
		}
		s.watermark = snap.Watermark
		for _, e := range snap.Entries {
			s.entries[entryKey{e.EntityType, e.EntityID}] = e
		}
	}
	return s, nil
}

func validKey(entityType, entityID string) bool {
	return strings.TrimSpace(entityType) != "" && strings.TrimSpace(entityID) != ""
}

func (s *mapStore) Get(ctx context.Context, entityType, entityID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryKey{entityType, entityID}]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Data = append(json.RawMessage(nil), e.Data...)
	return e, nil
}

func (s *mapStore) Put(ctx context.Context, entry Entry) error {
	if !validKey(entry.EntityType, entry.EntityID) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{entry.EntityType, entry.EntityID}
	if current, ok := s.entries[key]; ok && entry.Version != 0 && current.Version > entry.Version {
		return nil
	}
	prev, had := s.entries[key]
	entry.Data = append(json.RawMessage(nil), entry.Data...)
	s.entries[key] = entry
	if err := s.saveLocked(); err != nil {
		if had {
			s.entries[key] = prev
		} else {
			delete(s.entries, key)
		}
		return err
	}
	return nil
}

func (s *mapStore) Delete(ctx context.Context, entityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{entityType, entityID}
	prev, had := s.entries[key]
	if !had {
		return nil
	}
	delete(s.entries, key)
	if err := s.saveLocked(); err != nil {
		s.entries[key] = prev
		return err
	}
	return nil
}

func (s *mapStore) List(ctx context.Context, entityType string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0)
	for key, e := range s.entries {
		if entityType != "" && key.entityType != entityType {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (s *mapStore) Watermark(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark, nil
}

func (s *mapStore) SetWatermark(ctx context.Context, watermark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.watermark
	s.watermark = watermark
	if err := s.saveLocked(); err != nil {
		s.watermark = prev
		return err
	}
	return nil
}

func (s *mapStore) Close() error {
	return nil
}

func (s *mapStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{Watermark: s.watermark, Entries: make([]Entry, 0, len(s.entries))}
	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, e)
	}
	sortEntries(snap.Entries)
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EntityType != entries[j].EntityType {
			return entries[i].EntityType < entries[j].EntityType
		}
		return entries[i].EntityID < entries[j].EntityID
	})
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql", "redis":
		return nil, fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
