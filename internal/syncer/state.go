// Package syncer drives sync passes: it drains the mutation queue through the
// backend, pulls server-side changes and reports the resulting sync state.
package syncer

import "time"

// State values are part of the public status contract and must not change.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateOffline State = "offline"
	StateError   State = "error"
)

func (s State) Valid() bool {
	switch s {
	case StateIdle, StateSyncing, StateSynced, StateOffline, StateError:
		return true
	}
	return false
}

const (
	TriggerManual       = "manual"
	TriggerConnectivity = "connectivity"
	TriggerQueue        = "queue"
	TriggerRetry        = "retry"
	TriggerPull         = "pull"
	TriggerFeed         = "feed"
)

// Session describes one pass. Sessions live in memory only.
type Session struct {
	ID             string    `json:"id"`
	Trigger        string    `json:"trigger"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt,omitzero"`
	Attempted      int       `json:"attempted"`
	Succeeded      int       `json:"succeeded"`
	Retried        int       `json:"retried"`
	Failed         int       `json:"failed"`
	Pulled         int       `json:"pulled"`
	Conflicts      int       `json:"conflicts"`
	PullError      string    `json:"pullError,omitempty"`
	TerminalReason State     `json:"terminalReason"`
}

func (s Session) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
