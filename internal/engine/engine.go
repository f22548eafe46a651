// Package engine assembles the sync components from a Config and keeps them
// running together. Callers enqueue mutations and read status through it and
// never touch the network themselves.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/possync/internal/cache"
	"github.com/agentworkforce/possync/internal/config"
	"github.com/agentworkforce/possync/internal/connectivity"
	"github.com/agentworkforce/possync/internal/mutation"
	"github.com/agentworkforce/possync/internal/remote"
	"github.com/agentworkforce/possync/internal/schema"
	"github.com/agentworkforce/possync/internal/status"
	"github.com/agentworkforce/possync/internal/syncer"
)

var ErrRunning = errors.New("engine is already running")

type Option func(*settings)

type settings struct {
	backend    remote.Backend
	prober     connectivity.Prober
	log        mutation.Log
	cache      cache.Store
	logger     *zap.Logger
	registerer prometheus.Registerer
	now        func() time.Time
}

// WithBackend replaces the HTTP client. The backend also serves as the
// connectivity prober unless WithProber is given.
func WithBackend(b remote.Backend) Option {
	return func(s *settings) { s.backend = b }
}

func WithProber(p connectivity.Prober) Option {
	return func(s *settings) { s.prober = p }
}

// WithLog supplies the queue log instead of building it from the configured DSN.
func WithLog(l mutation.Log) Option {
	return func(s *settings) { s.log = l }
}

func WithCache(c cache.Store) Option {
	return func(s *settings) { s.cache = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithRegisterer registers the sync metrics with reg. Without it the engine
// keeps a private registry, reachable through Gatherer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = reg }
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

type Engine struct {
	cfg    config.Config
	logger *zap.Logger

	queue     *mutation.Queue
	cache     cache.Store
	schemas   *schema.Registry
	backend   remote.Backend
	monitor   *connectivity.Monitor
	feed      *remote.Feed
	orch      *syncer.Orchestrator
	publisher *status.Publisher
	gatherer  prometheus.Gatherer

	running chan struct{}
}

func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	queueDSN, cacheDSN, err := cfg.StorageDSNs()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.DeviceID, err = resolveDeviceID(cfg); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, logger: s.logger, running: make(chan struct{}, 1)}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	log := s.log
	if log == nil {
		if log, err = mutation.BuildLogFromDSN(queueDSN, mutation.WithLogger(s.logger.Named("queue-log"))); err != nil {
			return nil, fmt.Errorf("open queue log: %w", err)
		}
	}
	e.queue, err = mutation.Open(ctx, log, mutation.Options{
		Policy: cfg.RetryPolicy(),
		Now:    s.now,
		Logger: s.logger.Named("queue"),
	})
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	e.cache = s.cache
	if e.cache == nil {
		if e.cache, err = cache.BuildStoreFromDSN(cacheDSN); err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
	}

	if e.schemas, err = schema.NewRegistry(cfg.Schema.Dir, s.logger.Named("schema")); err != nil {
		return nil, err
	}

	e.backend = s.backend
	if e.backend == nil {
		client := remote.NewHTTPClient(remote.ClientOptions{
			BaseURL:    cfg.Backend.BaseURL,
			Token:      cfg.Backend.Token,
			HTTPClient: &http.Client{Timeout: cfg.Backend.Timeout},
			MaxRetries: cfg.Backend.ClientRetries,
			Logger:     s.logger.Named("remote"),
		})
		e.backend = client
		if cfg.Sync.FeedEnabled {
			e.feed = remote.NewFeed(client.BaseURL(), cfg.Backend.Token, s.logger.Named("feed"))
		}
	}
	prober := s.prober
	if prober == nil {
		prober = e.backend
	}
	e.monitor, err = connectivity.NewMonitor(prober, connectivity.Options{
		Interval:         cfg.Connectivity.Interval,
		Timeout:          cfg.Connectivity.Timeout,
		Jitter:           cfg.Connectivity.Jitter,
		FailureThreshold: cfg.Connectivity.FailureThreshold,
		Now:              s.now,
		Logger:           s.logger.Named("connectivity"),
	})
	if err != nil {
		return nil, err
	}

	reg := s.registerer
	if reg == nil {
		own := prometheus.NewRegistry()
		reg, e.gatherer = own, own
	} else if g, isGatherer := reg.(prometheus.Gatherer); isGatherer {
		e.gatherer = g
	} else {
		e.gatherer = prometheus.DefaultGatherer
	}
	metrics, err := syncer.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	orchOpts := syncer.Options{
		DeviceID:     cfg.DeviceID,
		BatchSize:    cfg.Queue.BatchSize,
		PullEnabled:  cfg.Sync.PullEnabled,
		PullInterval: cfg.Sync.PullInterval,
		PullPageSize: cfg.Sync.PullPageSize,
		RetryTick:    cfg.Sync.RetryTick,
		Cache:        e.cache,
		Validator:    e.schemas,
		Metrics:      metrics,
		Now:          s.now,
		Logger:       s.logger.Named("syncer"),
	}
	if e.feed != nil {
		orchOpts.Notifications = e.feed.Notifications()
	}
	if e.orch, err = syncer.New(e.queue, e.backend, e.monitor, orchOpts); err != nil {
		return nil, err
	}

	e.publisher = status.NewPublisher(e.orch.TriggerSync, s.now)
	stats := e.queue.Stats()
	e.publisher.SetQueue(stats.Outstanding(), stats.DeadLetters)
	e.queue.OnChange(func(st mutation.Stats) {
		e.publisher.SetQueue(st.Outstanding(), st.DeadLetters)
	})
	e.monitor.OnChange(func(ev connectivity.Event) {
		e.publisher.SetOnline(ev.Current.Online)
	})
	e.orch.OnStateChange(func(st syncer.State) {
		e.publisher.SetStatus(status.Status(st))
	})

	ok = true
	return e, nil
}

const deviceIDFile = "device_id"

// resolveDeviceID returns the configured device id, or the one stored in the
// data dir, minting and storing a new one on first start. Push idempotency
// keys embed it, so it must not change across restarts.
func resolveDeviceID(cfg config.Config) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	path := filepath.Join(cfg.DataDir, deviceIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}
	return id, nil
}

// Run drives connectivity probing, the sync worker, the change feed and the
// schema watcher until ctx is done or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	select {
	case e.running <- struct{}{}:
	default:
		return ErrRunning
	}
	defer func() { <-e.running }()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.monitor.Run(ctx) })
	g.Go(func() error { return e.orch.Run(ctx) })
	if e.feed != nil {
		g.Go(func() error { return e.feed.Run(ctx) })
	}
	if e.cfg.Schema.Watch {
		g.Go(func() error { return e.schemas.Watch(ctx) })
	}
	e.logger.Info("sync engine running",
		zap.String("profile", e.cfg.Profile),
		zap.Bool("feed", e.feed != nil),
		zap.Strings("schemas", e.schemas.Types()))
	return g.Wait()
}

// Enqueue records a local mutation. payload may be raw JSON (json.RawMessage
// or []byte) or any value encoding/json can marshal; nil is allowed for
// deletes. It never waits on the network.
func (e *Engine) Enqueue(ctx context.Context, op mutation.Operation, entityType, entityID string, payload any) (mutation.Record, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return mutation.Record{}, err
	}
	return e.queue.Enqueue(ctx, op, entityType, entityID, raw)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: encode payload: %v", mutation.ErrInvalidInput, err)
		}
		return raw, nil
	}
}

func (e *Engine) View() status.View {
	return e.publisher
}

func (e *Engine) Status() status.Snapshot {
	return e.publisher.Snapshot()
}

func (e *Engine) Publisher() *status.Publisher {
	return e.publisher
}

func (e *Engine) TriggerSync() {
	e.orch.TriggerSync()
}

func (e *Engine) SyncNow(ctx context.Context) (syncer.Session, bool) {
	return e.orch.SyncNow(ctx)
}

func (e *Engine) LastSession() (syncer.Session, bool) {
	return e.orch.LastSession()
}

func (e *Engine) Connectivity() connectivity.State {
	return e.monitor.State()
}

func (e *Engine) DeadLetters() []mutation.Record {
	return e.queue.DeadLetters()
}

// Replay returns a dead letter to the queue and asks for a pass.
func (e *Engine) Replay(ctx context.Context, id int64) (mutation.Record, error) {
	rec, err := e.queue.Replay(ctx, id)
	if err != nil {
		return mutation.Record{}, err
	}
	e.logger.Info("dead letter replayed", zap.Int64("record_id", id), zap.String("entity", rec.Key().String()))
	e.orch.TriggerSync()
	return rec, nil
}

func (e *Engine) Discard(ctx context.Context, id int64) error {
	if err := e.queue.Discard(ctx, id); err != nil {
		return err
	}
	e.logger.Info("dead letter discarded", zap.Int64("record_id", id))
	return nil
}

// Entity returns the cached server copy of an entity. A provisional local id
// is resolved to the server id when one has been assigned.
func (e *Engine) Entity(ctx context.Context, entityType, entityID string) (cache.Entry, error) {
	return e.cache.Get(ctx, entityType, e.queue.Resolve(entityType, entityID))
}

func (e *Engine) Records() []mutation.Record {
	return e.queue.Snapshot()
}

func (e *Engine) Gatherer() prometheus.Gatherer {
	return e.gatherer
}

func (e *Engine) Config() config.Config {
	return e.cfg
}

func (e *Engine) Close() error {
	var errs []error
	if e.queue != nil {
		errs = append(errs, e.queue.Close())
	}
	if e.cache != nil {
		errs = append(errs, e.cache.Close())
	}
	return errors.Join(errs...)
}
