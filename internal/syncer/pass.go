package syncer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentworkforce/possync/internal/cache"
	"github.com/agentworkforce/possync/internal/mutation"
	"github.com/agentworkforce/possync/internal/remote"
)

// pass carries the working state of one sync pass.
type pass struct {
	*Orchestrator
	session *Session
	logger  *zap.Logger
	// held marks entities with a mutation that was not accepted in the
	// current drain; their later mutations wait for the next drain.
	held map[mutation.EntityKey]bool
}

func (o *Orchestrator) runPass(ctx context.Context, trigger string) (Session, bool) {
	if !o.passing.CompareAndSwap(false, true) {
		return Session{}, false
	}
	defer o.passing.Store(false)

	session := &Session{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: o.opts.Now(),
	}
	o.sessions.Add(1)
	o.setState(StateSyncing)

	ctx, span := o.tracer.Start(ctx, "possync.pass", trace.WithAttributes(
		attribute.String("possync.session_id", session.ID),
		attribute.String("possync.trigger", trigger),
	))
	defer span.End()

	p := &pass{
		Orchestrator: o,
		session:      session,
		logger:       o.logger.With(zap.String("session_id", session.ID)),
	}
	p.logger.Debug("sync pass started", zap.String("trigger", trigger))
	p.releaseInFlight()

	abandoned := p.drain(ctx)
	if !abandoned && o.opts.PullEnabled {
		var expedited bool
		abandoned, expedited = p.pull(ctx)
		if !abandoned && expedited {
			abandoned = p.drain(ctx)
		}
	}
	p.releaseInFlight()

	final := o.restingState(o.conn.State(), abandoned)
	session.FinishedAt = o.opts.Now()
	session.TerminalReason = final
	done := *session
	o.last.Store(&done)
	o.opts.Metrics.recordPass(done)

	span.SetAttributes(
		attribute.Int("possync.attempted", done.Attempted),
		attribute.Int("possync.succeeded", done.Succeeded),
		attribute.Int("possync.failed", done.Failed),
		attribute.String("possync.terminal", string(final)),
	)
	if final == StateError {
		span.SetStatus(codes.Error, "dead letters present")
	}
	p.logger.Info("sync pass finished",
		zap.String("trigger", trigger),
		zap.String("state", string(final)),
		zap.Int("attempted", done.Attempted),
		zap.Int("succeeded", done.Succeeded),
		zap.Int("retried", done.Retried),
		zap.Int("failed", done.Failed),
		zap.Int("pulled", done.Pulled),
		zap.Int("conflicts", done.Conflicts),
		zap.Duration("duration", done.Duration()),
	)
	o.setState(final)
	return done, true
}

// drain pushes eligible records until nothing new is eligible. Each record
// is pushed at most once per drain. It reports whether the pass was
// abandoned because the backend became unreachable or ctx ended.
func (p *pass) drain(ctx context.Context) bool {
	attempted := map[int64]bool{}
	p.held = map[mutation.EntityKey]bool{}
	for {
		if ctx.Err() != nil {
			return true
		}
		if !p.conn.State().Online {
			p.logger.Info("backend unreachable, abandoning pass")
			return true
		}
		batch := p.nextBatch(attempted)
		if len(batch) == 0 {
			return false
		}
		for _, rec := range batch {
			attempted[rec.ID] = true
		}
		for _, chunk := range splitChunks(batch) {
			if p.pushChunk(ctx, chunk) {
				return true
			}
		}
	}
}

// nextBatch peeks past records already attempted in this drain. An attempted
// record still blocks later records of its own entity.
func (p *pass) nextBatch(attempted map[int64]bool) []mutation.Record {
	candidates := p.queue.PeekBatch(p.opts.BatchSize + len(attempted))
	blocked := map[mutation.EntityKey]bool{}
	var out []mutation.Record
	for _, rec := range candidates {
		key := rec.Key()
		if blocked[key] {
			continue
		}
		if attempted[rec.ID] {
			blocked[key] = true
			continue
		}
		out = append(out, rec)
		if len(out) == p.opts.BatchSize {
			break
		}
	}
	return out
}

// splitChunks cuts a batch into requests that carry at most one mutation per
// entity, keeping batch order. A later mutation of an entity is only sent
// once the earlier one has a verdict, so it can use the id assigned to a
// create and is never applied ahead of a retried predecessor.
func splitChunks(batch []mutation.Record) [][]mutation.Record {
	var chunks [][]mutation.Record
	var current []mutation.Record
	seen := map[mutation.EntityKey]bool{}
	for _, rec := range batch {
		if seen[rec.Key()] {
			chunks = append(chunks, current)
			current = nil
			seen = map[mutation.EntityKey]bool{}
		}
		current = append(current, rec)
		seen[rec.Key()] = true
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func (o *Orchestrator) clientOpID(rec mutation.Record) string {
	return o.opts.DeviceID + ":" + strconv.FormatInt(rec.ID, 10)
}

// pushChunk sends one chunk and applies the verdicts. It reports whether the
// pass must be abandoned.
func (p *pass) pushChunk(ctx context.Context, chunk []mutation.Record) bool {
	var ready []mutation.Record
	for _, rec := range chunk {
		if !p.held[rec.Key()] {
			ready = append(ready, rec)
		}
	}
	if len(ready) == 0 {
		return false
	}
	ids := recordIDs(ready)
	if err := p.queue.MarkInFlight(ctx, ids); err != nil {
		p.logger.Error("mark in flight failed", zap.Int64s("record_ids", ids), zap.Error(err))
		for _, rec := range ready {
			p.held[rec.Key()] = true
		}
		return false
	}
	p.session.Attempted += len(ready)

	var ops []remote.Operation
	var pushed []mutation.Record
	for _, rec := range ready {
		op, err := p.serialize(rec)
		if err != nil {
			p.fail(ctx, rec, mutation.FailureCorrupt, err)
			continue
		}
		ops = append(ops, op)
		pushed = append(pushed, rec)
	}
	if len(ops) == 0 {
		return false
	}

	pushCtx, span := p.tracer.Start(ctx, "possync.push", trace.WithAttributes(
		attribute.Int("possync.operations", len(ops)),
	))
	resp, err := p.backend.Push(pushCtx, remote.PushRequest{DeviceID: p.opts.DeviceID, Operations: ops})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if err != nil {
		return p.handlePushError(ctx, pushed, err)
	}

	results := make(map[string]remote.Result, len(resp.Results))
	for _, res := range resp.Results {
		results[res.ClientOpID] = res
	}
	for _, rec := range pushed {
		res, ok := results[p.clientOpID(rec)]
		if !ok {
			p.fail(ctx, rec, mutation.FailureTransient,
				fmt.Errorf("%w: no result for %s", remote.ErrMalformedResponse, p.clientOpID(rec)))
			continue
		}
		switch res.Status {
		case remote.ResultAccepted:
			p.accept(ctx, rec, res)
		case remote.ResultRejected:
			p.fail(ctx, rec, mutation.FailureRejected, &remote.RejectionError{
				EntityType: rec.EntityType, EntityID: rec.EntityID, Code: res.Code, Message: res.Message,
			})
		case remote.ResultConflict:
			p.session.Conflicts++
			p.fail(ctx, rec, mutation.FailureConflict, &remote.ConflictError{
				EntityType: rec.EntityType, EntityID: rec.EntityID, Message: res.Message,
			})
		case remote.ResultRetry:
			p.fail(ctx, rec, mutation.FailureTransient, fmt.Errorf("%w: %s", remote.ErrTransient, res.Message))
		default:
			p.fail(ctx, rec, mutation.FailureTransient,
				fmt.Errorf("%w: result status %q", remote.ErrMalformedResponse, res.Status))
		}
	}
	return false
}

func (p *pass) handlePushError(ctx context.Context, pushed []mutation.Record, err error) bool {
	if ctx.Err() != nil || remote.IsCancellation(err) {
		p.reset(pushed)
		return true
	}
	kind := remote.Classify(err)
	switch kind {
	case remote.KindTransient:
		if !p.conn.Check(ctx).Online {
			p.logger.Info("push failed and backend is unreachable", zap.Error(err))
			p.reset(pushed)
			return true
		}
		p.logger.Debug("push failed, rescheduling", zap.Int("records", len(pushed)), zap.Error(err))
		for _, rec := range pushed {
			p.fail(ctx, rec, mutation.FailureTransient, err)
		}
		return false
	case remote.KindCorrupt:
		for _, rec := range pushed {
			p.fail(ctx, rec, mutation.FailureCorrupt, err)
		}
		return false
	}

	failure := mutation.FailureRejected
	if kind == remote.KindConflict {
		failure = mutation.FailureConflict
	}
	if len(pushed) == 1 {
		if failure == mutation.FailureConflict {
			p.session.Conflicts++
		}
		p.fail(ctx, pushed[0], failure, err)
		return false
	}
	// The whole request was refused; push records one at a time so the
	// verdict lands on the record that caused it.
	p.logger.Debug("batch refused, isolating records", zap.Int("records", len(pushed)), zap.Error(err))
	p.reset(pushed)
	p.session.Attempted -= len(pushed)
	for _, rec := range pushed {
		if p.pushChunk(ctx, []mutation.Record{rec}) {
			return true
		}
	}
	return false
}

// releaseInFlight returns records left in flight to pending. Only a pass
// marks records in flight and passes never overlap, so any found outside a
// push lost their verdict to a failed log write.
func (p *pass) releaseInFlight() {
	var ids []int64
	for _, rec := range p.queue.Snapshot() {
		if rec.Status == mutation.StatusInFlight {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := p.queue.ResetInFlight(context.Background(), ids); err != nil {
		p.logger.Error("release stranded in-flight records failed", zap.Int64s("record_ids", ids), zap.Error(err))
		return
	}
	p.logger.Warn("released stranded in-flight records", zap.Int64s("record_ids", ids))
}

func (p *pass) reset(recs []mutation.Record) {
	ids := recordIDs(recs)
	if err := p.queue.ResetInFlight(context.Background(), ids); err != nil {
		p.logger.Error("reset in-flight records failed", zap.Int64s("record_ids", ids), zap.Error(err))
	}
}

func (p *pass) serialize(rec mutation.Record) (remote.Operation, error) {
	if rec.Operation != mutation.OperationDelete {
		if len(rec.Payload) == 0 {
			return remote.Operation{}, fmt.Errorf("%w: %s has no payload", remote.ErrCorrupt, rec.Operation)
		}
		if p.opts.Validator != nil {
			if err := p.opts.Validator.Validate(rec.EntityType, rec.Payload); err != nil {
				return remote.Operation{}, fmt.Errorf("%w: %v", remote.ErrCorrupt, err)
			}
		}
	}
	return remote.Operation{
		ClientOpID: p.clientOpID(rec),
		EntityType: rec.EntityType,
		EntityID:   p.queue.Resolve(rec.EntityType, rec.EntityID),
		LocalID:    rec.EntityID,
		Operation:  string(rec.Operation),
		Payload:    rec.Payload,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

func (p *pass) accept(ctx context.Context, rec mutation.Record, res remote.Result) {
	if rec.Operation == mutation.OperationCreate && res.RemoteID != "" {
		if err := p.queue.Remap(ctx, rec.EntityType, rec.EntityID, res.RemoteID); err != nil {
			p.logger.Error("persist remote id failed",
				zap.String("entity_type", rec.EntityType),
				zap.String("entity_id", rec.EntityID),
				zap.Error(err))
			// Retried under the same client op id until the alias is stored.
			p.fail(ctx, rec, mutation.FailureTransient, fmt.Errorf("persist remote id: %w", err))
			return
		}
	}
	p.cacheAccepted(ctx, rec, res)
	if err := p.queue.MarkSynced(ctx, []int64{rec.ID}); err != nil {
		p.logger.Error("mark synced failed", zap.Int64("record_id", rec.ID), zap.Error(err))
		p.held[rec.Key()] = true
		return
	}
	p.session.Succeeded++
	p.opts.Metrics.recordOutcome("synced")
}

func (p *pass) cacheAccepted(ctx context.Context, rec mutation.Record, res remote.Result) {
	id := res.RemoteID
	if id == "" {
		id = p.queue.Resolve(rec.EntityType, rec.EntityID)
	}
	var err error
	switch {
	case rec.Operation == mutation.OperationDelete:
		err = p.opts.Cache.Delete(ctx, rec.EntityType, id)
	case len(res.Entity) > 0:
		err = p.opts.Cache.Put(ctx, cache.Entry{
			EntityType: rec.EntityType, EntityID: id, Version: res.Version, Data: res.Entity, UpdatedAt: p.opts.Now(),
		})
	case rec.Operation == mutation.OperationCreate:
		err = p.opts.Cache.Put(ctx, cache.Entry{
			EntityType: rec.EntityType, EntityID: id, Version: res.Version, Data: rec.Payload, UpdatedAt: p.opts.Now(),
		})
	}
	if err != nil {
		p.logger.Warn("cache update failed",
			zap.String("entity_type", rec.EntityType),
			zap.String("entity_id", id),
			zap.Error(err))
	}
}

func (p *pass) fail(ctx context.Context, rec mutation.Record, kind mutation.FailureKind, cause error) {
	p.held[rec.Key()] = true
	updated, err := p.queue.MarkFailed(ctx, rec.ID, kind, cause)
	if err != nil {
		p.logger.Error("record failure not persisted", zap.Int64("record_id", rec.ID), zap.Error(err))
		return
	}
	if updated.DeadLettered() {
		p.session.Failed++
		p.opts.Metrics.recordOutcome("dead_lettered")
		return
	}
	p.session.Retried++
	p.opts.Metrics.recordOutcome("retried")
	if kind == mutation.FailureConflict {
		p.logger.Warn("push conflict, will retry",
			zap.Int64("record_id", rec.ID),
			zap.String("entity_type", rec.EntityType),
			zap.String("entity_id", rec.EntityID),
			zap.Int("attempt", updated.AttemptCount),
			zap.Error(cause))
	}
}

func recordIDs(recs []mutation.Record) []int64 {
	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	return ids
}
