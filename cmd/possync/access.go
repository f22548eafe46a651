package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/possync/internal/config"
	"github.com/agentworkforce/possync/internal/mutation"
	"github.com/agentworkforce/possync/internal/statusapi"
)

const (
	apiProbeTimeout   = 300 * time.Millisecond
	apiRequestTimeout = 5 * time.Second
	apiTokenTTL       = 5 * time.Minute
)

// queueAccess is how CLI commands reach the queue: through a running engine
// when one answers, otherwise by opening the log directly.
type queueAccess interface {
	Status(ctx context.Context) (statusDocument, error)
	Enqueue(ctx context.Context, op mutation.Operation, entityType, entityID string, payload json.RawMessage) (mutation.Record, error)
	DeadLetters(ctx context.Context) ([]mutation.Record, error)
	Replay(ctx context.Context, id int64) (mutation.Record, error)
	Discard(ctx context.Context, id int64) error
	Close() error
}

func (a *app) openAccess(ctx context.Context) (queueAccess, error) {
	if !a.local {
		api := newAPIAccess(a.cfg)
		if api.reachable(ctx) {
			a.logger.Debug("using running engine", zap.String("addr", a.cfg.API.Addr))
			return api, nil
		}
	}
	return openLocalAccess(ctx, a.cfg, a.logger)
}

type localAccess struct {
	queue *mutation.Queue
}

func openLocalAccess(ctx context.Context, cfg config.Config, logger *zap.Logger) (*localAccess, error) {
	queueDSN, _, err := cfg.StorageDSNs()
	if err != nil {
		return nil, err
	}
	log, err := mutation.BuildLogFromDSN(queueDSN, mutation.WithLogger(logger))
	if err != nil {
		if errors.Is(err, mutation.ErrQueueLocked) {
			return nil, fmt.Errorf("%w: a running engine owns it but its API at %s did not answer", err, cfg.API.Addr)
		}
		return nil, err
	}
	q, err := mutation.Open(ctx, log, mutation.Options{Policy: cfg.RetryPolicy(), Logger: logger})
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return &localAccess{queue: q}, nil
}

func (l *localAccess) Status(ctx context.Context) (statusDocument, error) {
	next, ok := l.queue.NextDue()
	var nextDue *time.Time
	if ok && !next.IsZero() {
		nextDue = &next
	}
	return buildStatusDocument(sourceQueueLog, l.queue.Snapshot(), l.queue.Stats(), nextDue), nil
}

func (l *localAccess) Enqueue(ctx context.Context, op mutation.Operation, entityType, entityID string, payload json.RawMessage) (mutation.Record, error) {
	return l.queue.Enqueue(ctx, op, entityType, entityID, payload)
}

func (l *localAccess) DeadLetters(ctx context.Context) ([]mutation.Record, error) {
	return l.queue.DeadLetters(), nil
}

func (l *localAccess) Replay(ctx context.Context, id int64) (mutation.Record, error) {
	return l.queue.Replay(ctx, id)
}

func (l *localAccess) Discard(ctx context.Context, id int64) error {
	return l.queue.Discard(ctx, id)
}

func (l *localAccess) Close() error {
	return l.queue.Close()
}

type apiAccess struct {
	baseURL string
	secret  string
	client  *http.Client
}

func newAPIAccess(cfg config.Config) *apiAccess {
	return &apiAccess{
		baseURL: "http://" + cfg.API.Addr,
		secret:  cfg.API.TokenSecret,
		client:  &http.Client{Timeout: apiRequestTimeout},
	}
}

func (c *apiAccess) reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, apiProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *apiAccess) Status(ctx context.Context) (statusDocument, error) {
	var snap statusapi.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &snap); err != nil {
		return statusDocument{}, err
	}
	letters, err := c.DeadLetters(ctx)
	if err != nil {
		return statusDocument{}, err
	}
	doc := buildStatusDocument(sourceAPI, letters, mutation.Stats{}, nil)
	online := snap.Online
	doc.Online = &online
	doc.SyncStatus = string(snap.Status)
	doc.Pending = snap.PendingCount
	doc.DeadLetters = snap.DeadLetterCount
	if !snap.LastSyncAt.IsZero() {
		at := snap.LastSyncAt
		doc.LastSyncAt = &at
	}
	return doc, nil
}

func (c *apiAccess) Enqueue(ctx context.Context, op mutation.Operation, entityType, entityID string, payload json.RawMessage) (mutation.Record, error) {
	var rec mutation.Record
	err := c.do(ctx, http.MethodPost, "/v1/mutations", statusapi.EnqueueRequest{
		Operation:  string(op),
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	}, &rec)
	return rec, err
}

func (c *apiAccess) DeadLetters(ctx context.Context) ([]mutation.Record, error) {
	var feed statusapi.DeadLetterFeed
	if err := c.do(ctx, http.MethodGet, "/v1/dead-letters", nil, &feed); err != nil {
		return nil, err
	}
	return feed.Items, nil
}

func (c *apiAccess) Replay(ctx context.Context, id int64) (mutation.Record, error) {
	var rec mutation.Record
	err := c.do(ctx, http.MethodPost, "/v1/dead-letters/"+strconv.FormatInt(id, 10)+"/replay", nil, &rec)
	return rec, err
}

func (c *apiAccess) Discard(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/v1/dead-letters/"+strconv.FormatInt(id, 10), nil, nil)
}

func (c *apiAccess) Close() error { return nil }

type apiError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

func (c *apiAccess) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		token, err := statusapi.IssueToken(c.secret, "possync-cli",
			[]string{statusapi.ScopeRead, statusapi.ScopeWrite}, apiTokenTTL, time.Now())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		err := fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Message, apiErr.Code)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", mutation.ErrNotFound, err)
		case http.StatusConflict:
			return fmt.Errorf("%w: %v", mutation.ErrInvalidState, err)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %v", mutation.ErrInvalidInput, err)
		}
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
