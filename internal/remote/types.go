// Package remote speaks the backend sync protocol: batch push, paged pull,
// a health probe and a websocket change feed.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

type ResultStatus string

const (
	ResultAccepted ResultStatus = "accepted"
	ResultRejected ResultStatus = "rejected"
	ResultConflict ResultStatus = "conflict"
	ResultRetry    ResultStatus = "retry"
)

type Operation struct {
	ClientOpID string          `json:"clientOpId"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	LocalID    string          `json:"localId,omitempty"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  int64           `json:"createdAt"`
}

type PushRequest struct {
	DeviceID   string      `json:"deviceId"`
	Operations []Operation `json:"operations"`
}

type Result struct {
	ClientOpID string          `json:"clientOpId"`
	Status     ResultStatus    `json:"status"`
	RemoteID   string          `json:"remoteId,omitempty"`
	Entity     json.RawMessage `json:"entity,omitempty"`
	Version    int64           `json:"version,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type PushResponse struct {
	Results []Result `json:"results"`
}

type Change struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type PullResponse struct {
	Changes   []Change `json:"changes"`
	Watermark string   `json:"watermark"`
	HasMore   bool     `json:"hasMore"`
}

type FeedNotification struct {
	Type      string `json:"type"`
	Watermark string `json:"watermark,omitempty"`
}

// Backend is what the orchestrator needs from the server.
type Backend interface {
	Push(ctx context.Context, req PushRequest) (PushResponse, error)
	Pull(ctx context.Context, since string, limit int) (PullResponse, error)
	Probe(ctx context.Context) error
}
