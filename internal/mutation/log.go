package mutation

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Snapshot is everything a Log holds, as read back on startup.
type Snapshot struct {
	Records []Record
	Aliases []Alias
	LastID  int64

	// Corrupt lists stored entries that could not be decoded. Entries whose
	// record id was recovered also appear in Records as unreadable dead letters.
	Corrupt []CorruptEntry
}

// CorruptEntry points at one undecodable entry in a Log.
type CorruptEntry struct {
	RecordID int64
	Location string
	Err      string

	// Torn marks an unterminated final journal line left by a crash mid-write.
	// The write it belonged to never returned success.
	Torn bool
}

type LogOption func(*logSettings)

type logSettings struct {
	logger *zap.Logger
}

// WithLogger sets the logger a Log reports storage problems to.
func WithLogger(logger *zap.Logger) LogOption {
	return func(s *logSettings) {
		s.logger = logger
	}
}

func applyLogOptions(opts []LogOption) logSettings {
	var s logSettings
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Log is the durable store behind a Queue. Implementations only persist; the
// Queue owns ordering and state transitions.
type Log interface {
	Load(ctx context.Context) (Snapshot, error)
	Append(ctx context.Context, rec Record) error
	Update(ctx context.Context, recs []Record) error
	Delete(ctx context.Context, ids []int64) error
	PutAlias(ctx context.Context, alias Alias) error
	Close() error
}

type memoryLog struct {
	mu      sync.Mutex
	records map[int64]Record
	aliases map[EntityKey]Alias
	lastID  int64
	closed  bool
}

func NewMemoryLog() Log {
	return &memoryLog{
		records: map[int64]Record{},
		aliases: map[EntityKey]Alias{},
	}
}

func (l *memoryLog) Load(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Snapshot{}, ErrClosed
	}
	snap := Snapshot{LastID: l.lastID}
	for _, rec := range l.records {
		snap.Records = append(snap.Records, rec.clone())
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ID < snap.Records[j].ID })
	for _, alias := range l.aliases {
		snap.Aliases = append(snap.Aliases, alias)
	}
	sortAliases(snap.Aliases)
	return snap, nil
}

func (l *memoryLog) Append(ctx context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, exists := l.records[rec.ID]; exists {
		return ErrInvalidState
	}
	l.records[rec.ID] = rec.clone()
	if rec.ID > l.lastID {
		l.lastID = rec.ID
	}
	return nil
}

func (l *memoryLog) Update(ctx context.Context, recs []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for _, rec := range recs {
		if _, ok := l.records[rec.ID]; !ok {
			return ErrNotFound
		}
	}
	for _, rec := range recs {
		l.records[rec.ID] = rec.clone()
	}
	return nil
}

func (l *memoryLog) Delete(ctx context.Context, ids []int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for _, id := range ids {
		delete(l.records, id)
	}
	return nil
}

func (l *memoryLog) PutAlias(ctx context.Context, alias Alias) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.aliases[alias.Key()] = alias
	return nil
}

func (l *memoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func sortAliases(aliases []Alias) {
	sort.Slice(aliases, func(i, j int) bool {
		if aliases[i].EntityType != aliases[j].EntityType {
			return aliases[i].EntityType < aliases[j].EntityType
		}
		return aliases[i].LocalID < aliases[j].LocalID
	})
}
