package mutation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrQueueLocked    = errors.New("queue log locked by another process")
	ErrClosed         = errors.New("queue closed")
	ErrNotImplemented = errors.New("not implemented")
)

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

func ParseOperation(raw string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(raw))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", ErrInvalidInput
	}
}

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
)

// FailureKind mirrors the error taxonomy used when a push attempt fails.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransient FailureKind = "transient"
	FailureRejected  FailureKind = "rejected"
	FailureConflict  FailureKind = "conflict"
	FailureCorrupt   FailureKind = "corrupt"
)

type Record struct {
	ID             int64           `json:"id"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	Operation      Operation       `json:"operation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         Status          `json:"status"`
	AttemptCount   int             `json:"attemptCount"`
	RejectCount    int             `json:"rejectCount,omitempty"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt,omitzero"`
	LastError      string          `json:"lastError,omitempty"`
	FailureKind    FailureKind     `json:"failureKind,omitempty"`
	CreatedAt      int64           `json:"createdAt"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	DeadLetteredAt *time.Time      `json:"deadLetteredAt,omitempty"`
}

func (r Record) Key() EntityKey {
	return EntityKey{Type: r.EntityType, ID: r.EntityID}
}

func (r Record) DeadLettered() bool {
	return r.Status == StatusFailed
}

// Unreadable reports whether r stands in for a stored mutation that could not
// be decoded. Such a record can only be discarded.
func (r Record) Unreadable() bool {
	return r.FailureKind == FailureCorrupt && r.EntityType == "" && r.EntityID == ""
}

func unreadableRecord(id int64, location string, cause error) Record {
	return Record{
		ID:          id,
		Status:      StatusFailed,
		FailureKind: FailureCorrupt,
		LastError:   fmt.Sprintf("stored mutation at %s is unreadable: %v", location, cause),
		CreatedAt:   id,
	}
}

func (r Record) clone() Record {
	out := r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.DeadLetteredAt != nil {
		at := *r.DeadLetteredAt
		out.DeadLetteredAt = &at
	}
	return out
}

type EntityKey struct {
	Type string
	ID   string
}

func (k EntityKey) String() string {
	return k.Type + "/" + k.ID
}

// Alias maps a provisional local entity id to the canonical id assigned by the backend.
type Alias struct {
	EntityType string `json:"entityType"`
	LocalID    string `json:"localId"`
	RemoteID   string `json:"remoteId"`
}

func (a Alias) Key() EntityKey {
	return EntityKey{Type: a.EntityType, ID: a.LocalID}
}

type Stats struct {
	Pending     int
	InFlight    int
	DeadLetters int
}

// Outstanding is the count reported to UI collaborators as pendingCount.
func (s Stats) Outstanding() int {
	return s.Pending + s.InFlight
}
