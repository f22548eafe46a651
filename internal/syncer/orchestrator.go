package syncer

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentworkforce/possync/internal/cache"
	"github.com/agentworkforce/possync/internal/connectivity"
	"github.com/agentworkforce/possync/internal/mutation"
	"github.com/agentworkforce/possync/internal/remote"
)

const (
	DefaultRetryTick    = time.Second
	DefaultPullPageSize = 200
	maxPullPages        = 50
	tracerName          = "github.com/agentworkforce/possync/internal/syncer"
)

var ErrNoBackend = errors.New("syncer: backend is required")

// Connectivity is the part of the connectivity monitor the orchestrator uses.
type Connectivity interface {
	State() connectivity.State
	Check(ctx context.Context) connectivity.State
	Events() <-chan connectivity.Event
}

// Validator checks a payload before it leaves the device.
type Validator interface {
	Validate(entityType string, payload []byte) error
}

type Options struct {
	DeviceID     string
	BatchSize    int
	PullEnabled  bool
	PullInterval time.Duration
	PullPageSize int
	// RetryTick is the shortest wait before re-checking records whose backoff
	// has expired.
	RetryTick     time.Duration
	Cache         cache.Store
	Validator     Validator
	Notifications <-chan remote.FeedNotification
	Metrics       *Metrics
	Tracer        trace.Tracer
	Now           func() time.Time
	Logger        *zap.Logger
}

type Orchestrator struct {
	queue   *mutation.Queue
	backend remote.Backend
	conn    Connectivity
	opts    Options
	logger  *zap.Logger
	tracer  trace.Tracer

	state    atomic.Value
	passing  atomic.Bool
	trigger  chan struct{}
	wake     chan struct{}
	sessions atomic.Int64
	last     atomic.Pointer[Session]

	listenMu  sync.Mutex
	listeners []func(State)
}

func New(queue *mutation.Queue, backend remote.Backend, conn Connectivity, opts Options) (*Orchestrator, error) {
	if queue == nil {
		return nil, mutation.ErrInvalidInput
	}
	if backend == nil {
		return nil, ErrNoBackend
	}
	if conn == nil {
		return nil, connectivity.ErrNoProber
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = mutation.DefaultBatchSize
	}
	if opts.PullPageSize <= 0 {
		opts.PullPageSize = DefaultPullPageSize
	}
	if opts.RetryTick <= 0 {
		opts.RetryTick = DefaultRetryTick
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	opts.DeviceID = strings.TrimSpace(opts.DeviceID)
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.NewString()
	}
	o := &Orchestrator{
		queue:   queue,
		backend: backend,
		conn:    conn,
		opts:    opts,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
		trigger: make(chan struct{}, 1),
		wake:    make(chan struct{}, 1),
	}
	o.state.Store(StateIdle)
	queue.OnChange(func(s mutation.Stats) {
		o.opts.Metrics.recordQueue(s.Outstanding(), s.DeadLetters)
		signal(o.wake)
	})
	return o, nil
}

func (o *Orchestrator) State() State {
	return o.state.Load().(State)
}

// OnStateChange registers fn to be called after every state transition.
func (o *Orchestrator) OnStateChange(fn func(State)) {
	if fn == nil {
		return
	}
	o.listenMu.Lock()
	o.listeners = append(o.listeners, fn)
	o.listenMu.Unlock()
}

// Passing reports whether a pass currently holds the pass lock.
func (o *Orchestrator) Passing() bool {
	return o.passing.Load()
}

func (o *Orchestrator) SessionCount() int64 {
	return o.sessions.Load()
}

func (o *Orchestrator) LastSession() (Session, bool) {
	s := o.last.Load()
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

// TriggerSync asks the worker for a pass. It never blocks and does nothing
// while a pass is running; repeated calls before the worker wakes collapse
// into one request.
func (o *Orchestrator) TriggerSync() {
	if o.passing.Load() {
		return
	}
	signal(o.trigger)
}

// SyncNow runs a pass in the calling goroutine. It returns false without
// doing anything when another pass holds the lock.
func (o *Orchestrator) SyncNow(ctx context.Context) (Session, bool) {
	if !o.conn.State().Online {
		o.conn.Check(ctx)
	}
	return o.runPass(ctx, TriggerManual)
}

// Run is the background worker. It returns when ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	retryTimer := time.NewTimer(time.Hour)
	stopTimer(retryTimer)
	defer retryTimer.Stop()

	var pullC <-chan time.Time
	if o.opts.PullEnabled && o.opts.PullInterval > 0 {
		ticker := time.NewTicker(o.opts.PullInterval)
		defer ticker.Stop()
		pullC = ticker.C
	}

	o.logger.Info("sync orchestrator started", zap.String("device_id", o.opts.DeviceID))
	o.evaluate(ctx, TriggerQueue)
	for {
		var retryC <-chan time.Time
		if o.armRetry(retryTimer) {
			retryC = retryTimer.C
		}
		select {
		case <-ctx.Done():
			o.logger.Info("sync orchestrator stopping")
			return nil
		case ev := <-o.conn.Events():
			o.opts.Metrics.recordOnline(ev.Current.Online)
			if ev.WentOnline() {
				o.runPass(ctx, TriggerConnectivity)
			} else {
				o.settle(false)
			}
		case <-o.trigger:
			o.manualPass(ctx)
		case <-o.wake:
			o.evaluate(ctx, TriggerQueue)
		case <-retryC:
			o.evaluate(ctx, TriggerRetry)
		case <-pullC:
			if o.conn.State().Online {
				o.runPass(ctx, TriggerPull)
			}
		case n, ok := <-o.opts.Notifications:
			if !ok {
				o.opts.Notifications = nil
				continue
			}
			o.onNotification(ctx, n)
		}
		stopTimer(retryTimer)
	}
}

// evaluate starts a pass when the backend is reachable and something can be
// pushed; otherwise it only refreshes the reported state.
func (o *Orchestrator) evaluate(ctx context.Context, trigger string) {
	st := o.conn.State()
	if st.Known && st.Online && o.queue.Ready() {
		o.runPass(ctx, trigger)
		return
	}
	o.settle(false)
}

func (o *Orchestrator) manualPass(ctx context.Context) {
	if err := o.queue.ExpediteAll(ctx); err != nil {
		o.logger.Error("expedite retries failed", zap.Error(err))
	}
	if !o.conn.State().Online {
		if !o.conn.Check(ctx).Online {
			o.settle(false)
			return
		}
	}
	o.runPass(ctx, TriggerManual)
}

func (o *Orchestrator) onNotification(ctx context.Context, n remote.FeedNotification) {
	if !o.opts.PullEnabled || !o.conn.State().Online {
		return
	}
	if n.Watermark != "" {
		if current, err := o.opts.Cache.Watermark(ctx); err == nil && current == n.Watermark {
			return
		}
	}
	o.runPass(ctx, TriggerFeed)
}

func (o *Orchestrator) armRetry(timer *time.Timer) bool {
	if !o.conn.State().Online {
		return false
	}
	due, ok := o.queue.NextDue()
	if !ok {
		return false
	}
	wait := due.Sub(o.opts.Now())
	if wait < o.opts.RetryTick {
		wait = o.opts.RetryTick
	}
	timer.Reset(wait)
	return true
}

// settle computes the resting state from connectivity and the queue.
func (o *Orchestrator) settle(abandoned bool) State {
	if o.passing.Load() {
		return o.State()
	}
	st := o.conn.State()
	next := o.restingState(st, abandoned)
	o.setState(next)
	return next
}

func (o *Orchestrator) restingState(st connectivity.State, abandoned bool) State {
	switch {
	case !st.Known:
		return StateIdle
	case abandoned || !st.Online:
		return StateOffline
	}
	stats := o.queue.Stats()
	switch {
	case stats.DeadLetters > 0:
		return StateError
	case stats.Outstanding() == 0:
		return StateSynced
	default:
		return StateSyncing
	}
}

func (o *Orchestrator) setState(next State) {
	prev := o.State()
	if prev == next {
		return
	}
	o.state.Store(next)
	o.logger.Debug("sync state changed", zap.String("from", string(prev)), zap.String("to", string(next)))
	o.listenMu.Lock()
	listeners := slices.Clone(o.listeners)
	o.listenMu.Unlock()
	for _, fn := range listeners {
		fn(next)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
