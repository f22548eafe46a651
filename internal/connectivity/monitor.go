// Package connectivity answers one question: can the backend be reached.
package connectivity

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultInterval         = 5 * time.Second
	DefaultTimeout          = 3 * time.Second
	DefaultJitter           = 0.2
	DefaultFailureThreshold = 3

	eventBuffer = 8
)

var ErrNoProber = errors.New("connectivity: prober is required")

type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// State is the monitor's current view. Known is false until the first probe
// has completed.
type State struct {
	Known               bool      `json:"known"`
	Online              bool      `json:"online"`
	LastProbeAt         time.Time `json:"lastProbeAt,omitzero"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
}

type Event struct {
	Previous State
	Current  State
}

// WentOnline reports an offline or unknown to online transition.
func (e Event) WentOnline() bool {
	return e.Current.Online && (!e.Previous.Known || !e.Previous.Online)
}

type Options struct {
	Interval         time.Duration
	Timeout          time.Duration
	Jitter           float64
	FailureThreshold int
	Now              func() time.Time
	Logger           *zap.Logger
}

type Monitor struct {
	prober Prober
	opts   Options

	state   atomic.Pointer[State]
	probeMu sync.Mutex

	emitMu    sync.Mutex
	events    chan Event
	listeners []func(Event)

	schedule *checkSchedule
}

func NewMonitor(prober Prober, opts Options) (*Monitor, error) {
	if prober == nil {
		return nil, ErrNoProber
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Monitor{
		prober: prober,
		opts:   opts,
		events: make(chan Event, eventBuffer),
	}
	m.schedule = newCheckSchedule(opts.Interval, opts.Jitter, time.Now().UnixNano())
	m.state.Store(&State{})
	return m, nil
}

func (m *Monitor) State() State {
	return *m.state.Load()
}

func (m *Monitor) IsOnline() bool {
	s := m.state.Load()
	return s.Known && s.Online
}

// Events delivers state transitions. When the consumer falls behind the
// oldest undelivered event is dropped; State always has the latest value.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// OnChange registers fn to be called synchronously on every transition.
func (m *Monitor) OnChange(fn func(Event)) {
	if fn == nil {
		return
	}
	m.emitMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.emitMu.Unlock()
}

// Run probes immediately and then on a jittered interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	timer := time.NewTimer(m.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			m.Check(ctx)
			timer.Reset(m.nextInterval())
		}
	}
}

// Check runs one probe now and returns the resulting state. Concurrent
// callers are serialized so results are applied in order.
func (m *Monitor) Check(ctx context.Context) State {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	err := m.prober.Probe(probeCtx)
	cancel()
	if err != nil && ctx.Err() != nil {
		// shutting down; a cancelled probe says nothing about the backend
		return m.State()
	}
	return m.record(err)
}

func (m *Monitor) record(probeErr error) State {
	prev := m.State()
	next := prev
	next.LastProbeAt = m.opts.Now()
	if probeErr == nil {
		next.Online = true
		next.ConsecutiveFailures = 0
		next.LastError = ""
	} else {
		next.ConsecutiveFailures++
		next.LastError = probeErr.Error()
		switch {
		case !prev.Known:
			next.Online = false
		case prev.Online && next.ConsecutiveFailures >= m.opts.FailureThreshold:
			next.Online = false
		}
	}
	next.Known = true
	m.state.Store(&next)

	if !prev.Known || prev.Online != next.Online {
		m.emit(Event{Previous: prev, Current: next})
	} else if probeErr != nil && next.Online {
		m.opts.Logger.Debug("connectivity probe failed below threshold",
			zap.Int("consecutiveFailures", next.ConsecutiveFailures),
			zap.Int("threshold", m.opts.FailureThreshold),
			zap.Error(probeErr),
		)
	}
	return next
}

func (m *Monitor) emit(ev Event) {
	m.emitMu.Lock()
	listeners := slices.Clone(m.listeners)
	select {
	case m.events <- ev:
	default:
		select {
		case <-m.events:
		default:
		}
		select {
		case m.events <- ev:
		default:
		}
	}
	m.emitMu.Unlock()

	if ev.Current.Online {
		m.opts.Logger.Info("backend reachable", zap.Bool("wasKnown", ev.Previous.Known))
	} else {
		m.opts.Logger.Warn("backend unreachable",
			zap.Int("consecutiveFailures", ev.Current.ConsecutiveFailures),
			zap.String("error", ev.Current.LastError),
		)
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

func (m *Monitor) nextInterval() time.Duration {
	return m.schedule.next()
}
