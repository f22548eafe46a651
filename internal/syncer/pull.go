package syncer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentworkforce/possync/internal/cache"
	"github.com/agentworkforce/possync/internal/remote"
)

// pull pages through server changes newer than the stored watermark and
// merges them into the cache, last write wins. A change to an entity that
// still has a local mutation waiting is not applied; the local mutation is
// expedited instead so it reaches the server after the pull. It reports
// whether the pass must be abandoned and whether anything was expedited.
func (p *pass) pull(ctx context.Context) (abandoned, expedited bool) {
	ctx, span := p.tracer.Start(ctx, "possync.pull")
	defer span.End()

	since, err := p.opts.Cache.Watermark(ctx)
	if err != nil {
		p.logger.Error("read watermark failed", zap.Error(err))
		p.session.PullError = err.Error()
		span.SetStatus(codes.Error, err.Error())
		return false, false
	}
	for page := 0; page < maxPullPages; page++ {
		resp, err := p.backend.Pull(ctx, since, p.opts.PullPageSize)
		if err != nil {
			span.RecordError(err)
			if ctx.Err() != nil || remote.IsCancellation(err) {
				return true, expedited
			}
			if remote.Classify(err) == remote.KindTransient && !p.conn.Check(ctx).Online {
				p.logger.Info("pull failed and backend is unreachable", zap.Error(err))
				return true, expedited
			}
			p.logger.Warn("pull failed", zap.String("since", since), zap.Error(err))
			p.session.PullError = err.Error()
			span.SetStatus(codes.Error, err.Error())
			return false, expedited
		}
		for _, change := range resp.Changes {
			if p.merge(ctx, change) {
				expedited = true
			}
		}
		if resp.Watermark != "" && resp.Watermark != since {
			if err := p.opts.Cache.SetWatermark(ctx, resp.Watermark); err != nil {
				p.logger.Error("persist watermark failed", zap.String("watermark", resp.Watermark), zap.Error(err))
				p.session.PullError = err.Error()
				return false, expedited
			}
			since = resp.Watermark
		} else if resp.HasMore {
			p.logger.Warn("pull reported more changes without advancing the watermark", zap.String("watermark", since))
			break
		}
		if !resp.HasMore {
			break
		}
	}
	span.SetAttributes(attribute.Int("possync.pulled", p.session.Pulled), attribute.String("possync.watermark", since))
	return false, expedited
}

// merge applies one server change. It reports whether a local mutation was
// expedited instead.
func (p *pass) merge(ctx context.Context, change remote.Change) bool {
	if change.EntityType == "" || change.EntityID == "" {
		return false
	}
	if p.queue.HasPending(change.EntityType, change.EntityID) {
		p.session.Conflicts++
		p.logger.Warn("server change superseded by pending local mutation",
			zap.String("entity_type", change.EntityType),
			zap.String("entity_id", change.EntityID),
			zap.Int64("version", change.Version))
		trace.SpanFromContext(ctx).AddEvent("local_pending_wins", trace.WithAttributes(
			attribute.String("possync.entity", change.EntityType+"/"+change.EntityID),
		))
		if err := p.queue.Expedite(ctx, change.EntityType, change.EntityID); err != nil {
			p.logger.Error("expedite local mutation failed", zap.Error(err))
		}
		return true
	}
	var err error
	if change.Deleted {
		err = p.opts.Cache.Delete(ctx, change.EntityType, change.EntityID)
	} else {
		updatedAt := change.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = p.opts.Now()
		}
		err = p.opts.Cache.Put(ctx, cache.Entry{
			EntityType: change.EntityType,
			EntityID:   change.EntityID,
			Version:    change.Version,
			Data:       change.Data,
			UpdatedAt:  updatedAt,
		})
	}
	if err != nil {
		p.logger.Warn("cache merge failed",
			zap.String("entity_type", change.EntityType),
			zap.String("entity_id", change.EntityID),
			zap.Error(err))
		return false
	}
	p.session.Pulled++
	return false
}
