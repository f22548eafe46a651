// Package status is the read-side projection UI collaborators poll: online
// flag, sync status, pending count and a fire-and-forget sync trigger.
package status

import (
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	Idle    Status = "idle"
	Syncing Status = "syncing"
	Synced  Status = "synced"
	Offline Status = "offline"
	Error   Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case Idle, Syncing, Synced, Offline, Error:
		return true
	}
	return false
}

// View is what UI code depends on. Every method returns immediately.
type View interface {
	IsOnline() bool
	SyncStatus() Status
	PendingCount() int
	TriggerSync()
}

type Snapshot struct {
	Online          bool      `json:"isOnline"`
	Status          Status    `json:"syncStatus"`
	PendingCount    int       `json:"pendingCount"`
	DeadLetterCount int       `json:"deadLetterCount"`
	LastSyncAt      time.Time `json:"lastSyncAt,omitzero"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Publisher holds the latest values in atomics; writers are the engine's
// components, readers are arbitrary UI goroutines.
type Publisher struct {
	now     func() time.Time
	trigger func()

	online      atomic.Bool
	status      atomic.Value
	pending     atomic.Int64
	deadLetters atomic.Int64
	lastSyncAt  atomic.Int64
	updatedAt   atomic.Int64

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

var _ View = (*Publisher)(nil)

// NewPublisher returns a publisher in the idle state. trigger is invoked by
// TriggerSync and must not block.
func NewPublisher(trigger func(), now func() time.Time) *Publisher {
	if now == nil {
		now = time.Now
	}
	p := &Publisher{now: now, trigger: trigger, subs: map[int]chan Snapshot{}}
	p.status.Store(Idle)
	p.updatedAt.Store(now().UnixNano())
	return p
}

func (p *Publisher) IsOnline() bool {
	return p.online.Load()
}

func (p *Publisher) SyncStatus() Status {
	return p.status.Load().(Status)
}

func (p *Publisher) PendingCount() int {
	return int(p.pending.Load())
}

func (p *Publisher) DeadLetterCount() int {
	return int(p.deadLetters.Load())
}

func (p *Publisher) TriggerSync() {
	if p.trigger != nil {
		p.trigger()
	}
}

func (p *Publisher) Snapshot() Snapshot {
	s := Snapshot{
		Online:          p.IsOnline(),
		Status:          p.SyncStatus(),
		PendingCount:    p.PendingCount(),
		DeadLetterCount: p.DeadLetterCount(),
		UpdatedAt:       time.Unix(0, p.updatedAt.Load()).UTC(),
	}
	if at := p.lastSyncAt.Load(); at != 0 {
		s.LastSyncAt = time.Unix(0, at).UTC()
	}
	return s
}

func (p *Publisher) SetOnline(online bool) {
	if p.online.Swap(online) != online {
		p.changed()
	}
}

func (p *Publisher) SetStatus(s Status) {
	if !s.Valid() {
		return
	}
	prev := p.status.Swap(s)
	if s == Synced {
		p.lastSyncAt.Store(p.now().UnixNano())
	}
	if prev != s {
		p.changed()
	}
}

func (p *Publisher) SetQueue(pending, deadLetters int) {
	a := p.pending.Swap(int64(pending))
	b := p.deadLetters.Swap(int64(deadLetters))
	if a != int64(pending) || b != int64(deadLetters) {
		p.changed()
	}
}

// Subscribe returns a channel that always holds the most recent snapshot not
// yet received, and a function that ends the subscription.
func (p *Publisher) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	p.subMu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.subMu.Unlock()
	ch <- p.Snapshot()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			delete(p.subs, id)
			p.subMu.Unlock()
		})
	}
}

func (p *Publisher) changed() {
	p.updatedAt.Store(p.now().UnixNano())
	snap := p.Snapshot()
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
