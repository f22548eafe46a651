package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/possync/internal/retry"
)

const DefaultBatchSize = 50

type Options struct {
	Policy retry.Policy
	Now    func() time.Time
	Logger *zap.Logger
}

// Queue is the single writer over the pending mutation log. All state lives
// in memory behind one mutex and every transition is written through to the
// Log before it becomes visible.
type Queue struct {
	log    Log
	policy retry.Policy
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	records   map[int64]*Record
	order     []int64
	aliases   map[EntityKey]string
	reverse   map[EntityKey]string
	lastID    int64
	listeners []func(Stats)
	closed    bool
}

// Open loads the log and returns a ready queue. Records left in flight by a
// previous process are returned to pending without consuming an attempt.
func Open(ctx context.Context, log Log, opts Options) (*Queue, error) {
	if log == nil {
		return nil, ErrInvalidInput
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Policy == (retry.Policy{}) {
		opts.Policy = retry.DefaultPolicy()
	}
	snap, err := log.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue log: %w", err)
	}
	q := &Queue{
		log:     log,
		policy:  opts.Policy,
		now:     opts.Now,
		logger:  opts.Logger,
		records: map[int64]*Record{},
		aliases: map[EntityKey]string{},
		reverse: map[EntityKey]string{},
		lastID:  snap.LastID,
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ID < snap.Records[j].ID })

	var recovered []Record
	var stale []int64
	for _, rec := range snap.Records {
		rec := rec
		if rec.ID > q.lastID {
			q.lastID = rec.ID
		}
		switch rec.Status {
		case StatusSynced:
			stale = append(stale, rec.ID)
			continue
		case StatusInFlight:
			rec.Status = StatusPending
			recovered = append(recovered, rec)
		}
		q.records[rec.ID] = &rec
		q.order = append(q.order, rec.ID)
	}
	for _, alias := range snap.Aliases {
		q.setAliasLocked(alias)
	}
	for _, bad := range snap.Corrupt {
		if bad.Torn {
			q.logger.Warn("dropped torn queue log entry",
				zap.String("location", bad.Location), zap.String("error", bad.Err))
			continue
		}
		q.logger.Error("unreadable queued mutation",
			zap.Int64("record_id", bad.RecordID),
			zap.String("location", bad.Location),
			zap.String("error", bad.Err),
		)
	}
	if len(recovered) > 0 {
		if err := log.Update(ctx, recovered); err != nil {
			return nil, fmt.Errorf("recover in-flight mutations: %w", err)
		}
		q.logger.Info("recovered in-flight mutations", zap.Int("count", len(recovered)))
	}
	if len(stale) > 0 {
		if err := log.Delete(ctx, stale); err != nil {
			return nil, fmt.Errorf("drop synced mutations: %w", err)
		}
	}
	return q, nil
}

func (q *Queue) Enqueue(ctx context.Context, op Operation, entityType, entityID string, payload json.RawMessage) (Record, error) {
	entityType = strings.TrimSpace(entityType)
	entityID = strings.TrimSpace(entityID)
	if !op.Valid() || entityType == "" || entityID == "" {
		return Record{}, ErrInvalidInput
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return Record{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}
	if op != OperationDelete && len(payload) == 0 {
		return Record{}, fmt.Errorf("%w: %s requires a payload", ErrInvalidInput, op)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Record{}, ErrClosed
	}
	now := q.now()
	rec := Record{
		ID:         q.lastID + 1,
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    append(json.RawMessage(nil), payload...),
		Status:     StatusPending,
		CreatedAt:  q.lastID + 1,
		EnqueuedAt: now,
	}
	if err := q.log.Append(ctx, rec); err != nil {
		q.mu.Unlock()
		return Record{}, fmt.Errorf("append mutation: %w", err)
	}
	q.lastID = rec.ID
	stored := rec.clone()
	q.records[rec.ID] = &stored
	q.order = append(q.order, rec.ID)
	q.unlockAndNotify()

	q.logger.Debug("mutation enqueued",
		zap.Int64("id", rec.ID),
		zap.String("entity", rec.Key().String()),
		zap.String("operation", string(op)),
	)
	return rec, nil
}

// PeekBatch returns up to n records that are eligible to push now, in
// enqueue order. A record is eligible only if every earlier unsynced record
// of the same entity is also in the batch, so a blocked entity holds back its
// own later mutations but never anyone else's.
func (q *Queue) PeekBatch(n int) []Record {
	if n <= 0 {
		n = DefaultBatchSize
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peekLocked(n, q.now())
}

func (q *Queue) peekLocked(n int, now time.Time) []Record {
	var out []Record
	blocked := map[EntityKey]bool{}
	for _, id := range q.order {
		rec := q.records[id]
		key := rec.Key()
		if blocked[key] {
			continue
		}
		if rec.Status == StatusPending && !rec.NextAttemptAt.After(now) {
			if len(out) >= n {
				break
			}
			out = append(out, rec.clone())
			continue
		}
		blocked[key] = true
	}
	return out
}

// Ready reports whether PeekBatch would return anything.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.peekLocked(1, q.now())) > 0
}

func (q *Queue) MarkInFlight(ctx context.Context, ids []int64) error {
	return q.transition(ctx, ids, func(rec *Record) error {
		if rec.Status != StatusPending {
			return fmt.Errorf("%w: record %d is %s", ErrInvalidState, rec.ID, rec.Status)
		}
		rec.Status = StatusInFlight
		return nil
	})
}

// ResetInFlight returns abandoned in-flight records to pending. No attempt
// is consumed; the push never reached a verdict.
func (q *Queue) ResetInFlight(ctx context.Context, ids []int64) error {
	return q.transition(ctx, ids, func(rec *Record) error {
		if rec.Status != StatusInFlight {
			return fmt.Errorf("%w: record %d is %s", ErrInvalidState, rec.ID, rec.Status)
		}
		rec.Status = StatusPending
		return nil
	})
}

// MarkSynced removes acknowledged records from the queue.
func (q *Queue) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	for _, id := range ids {
		rec, ok := q.records[id]
		if !ok {
			q.mu.Unlock()
			return fmt.Errorf("%w: record %d", ErrNotFound, id)
		}
		if rec.Status == StatusFailed {
			q.mu.Unlock()
			return fmt.Errorf("%w: record %d is dead-lettered", ErrInvalidState, id)
		}
	}
	if err := q.log.Delete(ctx, ids); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("delete synced mutations: %w", err)
	}
	q.removeLocked(ids)
	q.unlockAndNotify()
	return nil
}

// MarkFailed records a failed push attempt and either schedules the next
// attempt or moves the record to the dead-letter set.
func (q *Queue) MarkFailed(ctx context.Context, id int64, kind FailureKind, cause error) (Record, error) {
	var updated Record
	err := q.transition(ctx, []int64{id}, func(rec *Record) error {
		if rec.Status == StatusFailed {
			return fmt.Errorf("%w: record %d is dead-lettered", ErrInvalidState, rec.ID)
		}
		now := q.now()
		rec.AttemptCount++
		outcome := retry.OutcomeTransient
		switch kind {
		case FailureRejected, FailureConflict:
			rec.RejectCount++
			outcome = retry.OutcomeRejected
		case FailureCorrupt:
			outcome = retry.OutcomeCorrupt
		case FailureNone:
			kind = FailureTransient
		}
		rec.FailureKind = kind
		rec.LastError = ""
		if cause != nil {
			rec.LastError = cause.Error()
		}
		decision := q.policy.Decide(rec.AttemptCount, rec.RejectCount, outcome)
		if decision.DeadLetter {
			rec.Status = StatusFailed
			rec.NextAttemptAt = time.Time{}
			rec.DeadLetteredAt = &now
		} else {
			rec.Status = StatusPending
			rec.NextAttemptAt = now.Add(decision.Delay)
		}
		updated = rec.clone()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if updated.DeadLettered() {
		q.logger.Warn("mutation dead-lettered",
			zap.Int64("id", updated.ID),
			zap.String("entity", updated.Key().String()),
			zap.String("failure", string(updated.FailureKind)),
			zap.Int("attempts", updated.AttemptCount),
			zap.String("error", updated.LastError),
		)
	}
	return updated, nil
}

// Replay puts a dead-lettered record back in line with a fresh budget.
func (q *Queue) Replay(ctx context.Context, id int64) (Record, error) {
	var updated Record
	err := q.transition(ctx, []int64{id}, func(rec *Record) error {
		if rec.Status != StatusFailed {
			return fmt.Errorf("%w: record %d is not dead-lettered", ErrInvalidState, rec.ID)
		}
		if rec.Unreadable() {
			return fmt.Errorf("%w: record %d could not be read back and can only be discarded", ErrInvalidState, rec.ID)
		}
		rec.Status = StatusPending
		rec.AttemptCount = 0
		rec.RejectCount = 0
		rec.NextAttemptAt = time.Time{}
		rec.DeadLetteredAt = nil
		rec.FailureKind = FailureNone
		updated = rec.clone()
		return nil
	})
	return updated, err
}

// Discard permanently drops a dead-lettered record.
func (q *Queue) Discard(ctx context.Context, id int64) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	rec, ok := q.records[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: record %d", ErrNotFound, id)
	}
	if rec.Status != StatusFailed {
		q.mu.Unlock()
		return fmt.Errorf("%w: record %d is not dead-lettered", ErrInvalidState, id)
	}
	if err := q.log.Delete(ctx, []int64{id}); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("discard mutation: %w", err)
	}
	q.removeLocked([]int64{id})
	q.unlockAndNotify()
	return nil
}

// Expedite clears the backoff wait on pending records of one entity.
func (q *Queue) Expedite(ctx context.Context, entityType, entityID string) error {
	keys := q.keysFor(entityType, entityID)
	return q.expedite(ctx, func(rec *Record) bool { return keys[rec.Key()] })
}

// ExpediteAll clears the backoff wait on every pending record.
func (q *Queue) ExpediteAll(ctx context.Context) error {
	return q.expedite(ctx, func(*Record) bool { return true })
}

func (q *Queue) expedite(ctx context.Context, match func(*Record) bool) error {
	q.mu.Lock()
	var ids []int64
	for _, id := range q.order {
		rec := q.records[id]
		if rec.Status == StatusPending && !rec.NextAttemptAt.IsZero() && match(rec) {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return q.transition(ctx, ids, func(rec *Record) error {
		rec.NextAttemptAt = time.Time{}
		return nil
	})
}

// NextDue returns the earliest scheduled retry among pending records.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	found := false
	for _, id := range q.order {
		rec := q.records[id]
		if rec.Status != StatusPending {
			continue
		}
		if !found || rec.NextAttemptAt.Before(next) {
			next = rec.NextAttemptAt
			found = true
		}
	}
	return next, found
}

// HasPending reports whether the entity has a pending or in-flight mutation.
// The id may be either the local id the mutation was enqueued under or the
// remote id it was later remapped to.
func (q *Queue) HasPending(entityType, entityID string) bool {
	keys := q.keysFor(entityType, entityID)
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		rec := q.records[id]
		if rec.Status != StatusFailed && keys[rec.Key()] {
			return true
		}
	}
	return false
}

func (q *Queue) keysFor(entityType, entityID string) map[EntityKey]bool {
	keys := map[EntityKey]bool{{Type: entityType, ID: entityID}: true}
	q.mu.Lock()
	defer q.mu.Unlock()
	if local, ok := q.reverse[EntityKey{Type: entityType, ID: entityID}]; ok {
		keys[EntityKey{Type: entityType, ID: local}] = true
	}
	if remote, ok := q.aliases[EntityKey{Type: entityType, ID: entityID}]; ok {
		keys[EntityKey{Type: entityType, ID: remote}] = true
	}
	return keys
}

// Remap records that the backend assigned remoteID to an entity created
// locally as localID. Later mutations keep their local key for ordering and
// are sent with the remote id.
func (q *Queue) Remap(ctx context.Context, entityType, localID, remoteID string) error {
	entityType = strings.TrimSpace(entityType)
	localID = strings.TrimSpace(localID)
	remoteID = strings.TrimSpace(remoteID)
	if entityType == "" || localID == "" || remoteID == "" {
		return ErrInvalidInput
	}
	if localID == remoteID {
		return nil
	}
	alias := Alias{EntityType: entityType, LocalID: localID, RemoteID: remoteID}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if current, ok := q.aliases[alias.Key()]; ok && current == remoteID {
		return nil
	}
	if err := q.log.PutAlias(ctx, alias); err != nil {
		return fmt.Errorf("persist id alias: %w", err)
	}
	q.setAliasLocked(alias)
	return nil
}

// Resolve returns the id to send to the backend for an entity.
func (q *Queue) Resolve(entityType, entityID string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if remote, ok := q.aliases[EntityKey{Type: entityType, ID: entityID}]; ok {
		return remote
	}
	return entityID
}

func (q *Queue) setAliasLocked(alias Alias) {
	q.aliases[alias.Key()] = alias.RemoteID
	q.reverse[EntityKey{Type: alias.EntityType, ID: alias.RemoteID}] = alias.LocalID
}

func (q *Queue) Get(id int64) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Size is the number of mutations not yet acknowledged and not dead-lettered.
func (q *Queue) Size() int {
	return q.Stats().Outstanding()
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) DeadLetters() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Record
	for _, id := range q.order {
		if rec := q.records[id]; rec.Status == StatusFailed {
			out = append(out, rec.clone())
		}
	}
	return out
}

func (q *Queue) DeadLetterCount() int {
	return q.Stats().DeadLetters
}

// Snapshot returns every live record in enqueue order.
func (q *Queue) Snapshot() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.records[id].clone())
	}
	return out
}

// OnChange registers fn to be called with fresh stats after every change.
// Calls happen outside the queue lock, in the goroutine that made the change.
func (q *Queue) OnChange(fn func(Stats)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.listeners = append(q.listeners, fn)
	q.mu.Unlock()
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.log.Close()
}

// transition applies fn to copies of the named records and persists them.
// Memory is only updated once the log write succeeds.
func (q *Queue) transition(ctx context.Context, ids []int64, fn func(*Record) error) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	next := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, ok := q.records[id]
		if !ok {
			q.mu.Unlock()
			return fmt.Errorf("%w: record %d", ErrNotFound, id)
		}
		candidate := rec.clone()
		if err := fn(&candidate); err != nil {
			q.mu.Unlock()
			return err
		}
		next = append(next, candidate)
	}
	if err := q.log.Update(ctx, next); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("update mutations: %w", err)
	}
	for i := range next {
		rec := next[i]
		q.records[rec.ID] = &rec
	}
	q.unlockAndNotify()
	return nil
}

func (q *Queue) removeLocked(ids []int64) {
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
		delete(q.records, id)
	}
	kept := q.order[:0]
	for _, id := range q.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	q.order = kept
}

func (q *Queue) statsLocked() Stats {
	var s Stats
	for _, rec := range q.records {
		switch rec.Status {
		case StatusPending:
			s.Pending++
		case StatusInFlight:
			s.InFlight++
		case StatusFailed:
			s.DeadLetters++
		}
	}
	return s
}

func (q *Queue) unlockAndNotify() {
	stats := q.statsLocked()
	listeners := slices.Clone(q.listeners)
	q.mu.Unlock()
	for _, fn := range listeners {
		fn(stats)
	}
}
