package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/possync/internal/config"
	"github.com/agentworkforce/possync/internal/mutation"
	"github.com/agentworkforce/possync/internal/remote"
	"github.com/agentworkforce/possync/internal/status"
)

type stubBackend struct {
	mu      sync.Mutex
	pushes  int
	verdict func(op remote.Operation) remote.Result
}

func (b *stubBackend) Push(ctx context.Context, req remote.PushRequest) (remote.PushResponse, error) {
	b.mu.Lock()
	b.pushes++
	verdict := b.verdict
	b.mu.Unlock()
	var resp remote.PushResponse
	for _, op := range req.Operations {
		res := remote.Result{ClientOpID: op.ClientOpID, Status: remote.ResultAccepted}
		if verdict != nil {
			res = verdict(op)
			res.ClientOpID = op.ClientOpID
		}
		resp.Results = append(resp.Results, res)
	}
	return resp, nil
}

func (b *stubBackend) Pull(ctx context.Context, since string, limit int) (remote.PullResponse, error) {
	return remote.PullResponse{Watermark: since}, nil
}

func (b *stubBackend) Probe(ctx context.Context) error { return nil }

func (b *stubBackend) Pushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushes
}

func (b *stubBackend) setVerdict(fn func(op remote.Operation) remote.Result) {
	b.mu.Lock()
	b.verdict = fn
	b.mu.Unlock()
}

type toggleProber struct{ online atomic.Bool }

func (p *toggleProber) Probe(ctx context.Context) error {
	if p.online.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Profile = config.ProfileMemory
	cfg.DataDir = t.TempDir()
	cfg.Connectivity.Interval = 20 * time.Millisecond
	cfg.Connectivity.FailureThreshold = 1
	cfg.Sync.PullEnabled = false
	cfg.Sync.RetryTick = 10 * time.Millisecond
	return cfg
}

func newEngine(t *testing.T, cfg config.Config, backend *stubBackend, prober *toggleProber, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithBackend(backend), WithProber(prober)}, opts...)
	e, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func runEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Errorf("engine did not stop")
		}
	})
}

func TestOfflineThenReconnect(t *testing.T) {
	backend := &stubBackend{}
	prober := &toggleProber{}
	e := newEngine(t, testConfig(t), backend, prober)
	runEngine(t, e)

	view := e.View()
	_, err := e.Enqueue(context.Background(), mutation.OperationCreate, "sale", "s1", map[string]any{"total": 12.5})
	require.NoError(t, err)
	_, err = e.Enqueue(context.Background(), mutation.OperationUpdate, "sale", "s1", []byte(`{"total":13}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return view.SyncStatus() == status.Offline }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, view.IsOnline())
	assert.Equal(t, 2, view.PendingCount())
	assert.Zero(t, backend.Pushes())

	prober.online.Store(true)
	require.Eventually(t, func() bool {
		return view.SyncStatus() == status.Synced && view.PendingCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, view.IsOnline())
	assert.NotZero(t, backend.Pushes())
	assert.False(t, e.Status().LastSyncAt.IsZero())
}

func TestRunTwiceFails(t *testing.T) {
	prober := &toggleProber{}
	prober.online.Store(true)
	e := newEngine(t, testConfig(t), &stubBackend{}, prober)
	runEngine(t, e)
	require.Eventually(t, func() bool { return e.Connectivity().Known }, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, e.Run(context.Background()), ErrRunning)
}

func TestEnqueueRejectsUnencodablePayload(t *testing.T) {
	e := newEngine(t, testConfig(t), &stubBackend{}, &toggleProber{})
	_, err := e.Enqueue(context.Background(), mutation.OperationCreate, "sale", "s1", make(chan int))
	require.ErrorIs(t, err, mutation.ErrInvalidInput)
	_, err = e.Enqueue(context.Background(), mutation.OperationCreate, "sale", "", map[string]int{"total": 1})
	require.ErrorIs(t, err, mutation.ErrInvalidInput)

	rec, err := e.Enqueue(context.Background(), mutation.OperationDelete, "sale", "s1", nil)
	require.NoError(t, err)
	assert.Nil(t, rec.Payload)
	assert.Equal(t, 1, e.View().PendingCount())
}

func TestDeadLetterReplayAndDiscard(t *testing.T) {
	backend := &stubBackend{}
	backend.setVerdict(func(op remote.Operation) remote.Result {
		return remote.Result{Status: remote.ResultRejected, Code: "invalid_total", Message: "total must be positive"}
	})
	prober := &toggleProber{}
	prober.online.Store(true)
	e := newEngine(t, testConfig(t), backend, prober)
	ctx := context.Background()

	first, err := e.Enqueue(ctx, mutation.OperationCreate, "sale", "s1", map[string]int{"total": -1})
	require.NoError(t, err)
	second, err := e.Enqueue(ctx, mutation.OperationCreate, "sale", "s2", map[string]int{"total": -2})
	require.NoError(t, err)

	session, ran := e.SyncNow(ctx)
	require.True(t, ran)
	assert.Equal(t, 2, session.Failed)
	assert.Equal(t, status.Error, e.View().SyncStatus())
	require.Len(t, e.DeadLetters(), 2)
	assert.Equal(t, 2, e.Status().DeadLetterCount)
	assert.Equal(t, 0, e.View().PendingCount())

	backend.setVerdict(nil)
	replayed, err := e.Replay(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, mutation.StatusPending, replayed.Status)
	assert.Zero(t, replayed.AttemptCount)
	require.NoError(t, e.Discard(ctx, second.ID))

	_, ran = e.SyncNow(ctx)
	require.True(t, ran)
	assert.Empty(t, e.DeadLetters())
	assert.Equal(t, status.Synced, e.View().SyncStatus())

	require.Error(t, e.Discard(ctx, second.ID))
	_, err = e.Replay(ctx, 999)
	require.Error(t, err)
}

func TestEntityResolvesProvisionalID(t *testing.T) {
	backend := &stubBackend{}
	backend.setVerdict(func(op remote.Operation) remote.Result {
		return remote.Result{Status: remote.ResultAccepted, RemoteID: "R-" + op.EntityID, Version: 1}
	})
	prober := &toggleProber{}
	prober.online.Store(true)
	e := newEngine(t, testConfig(t), backend, prober)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, mutation.OperationCreate, "customer", "tmp-1", map[string]string{"name": "Ada"})
	require.NoError(t, err)
	_, ran := e.SyncNow(ctx)
	require.True(t, ran)

	entry, err := e.Entity(ctx, "customer", "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, "R-tmp-1", entry.EntityID)
	assert.JSONEq(t, `{"name":"Ada"}`, string(entry.Data))
}

func TestSchemaViolationIsDeadLettered(t *testing.T) {
	schemaDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "sale.schema.json"), []byte(`{
		"type": "object",
		"required": ["total"],
		"properties": {"total": {"type": "number"}}
	}`), 0o644))
	cfg := testConfig(t)
	cfg.Schema.Dir = schemaDir

	backend := &stubBackend{}
	prober := &toggleProber{}
	prober.online.Store(true)
	e := newEngine(t, cfg, backend, prober)
	ctx := context.Background()

	bad, err := e.Enqueue(ctx, mutation.OperationCreate, "sale", "s1", map[string]string{"total": "lots"})
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, mutation.OperationCreate, "sale", "s2", map[string]float64{"total": 4.5})
	require.NoError(t, err)

	session, ran := e.SyncNow(ctx)
	require.True(t, ran)
	assert.Equal(t, 1, session.Succeeded)
	assert.Equal(t, 1, session.Failed)
	letters := e.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, bad.ID, letters[0].ID)
	assert.Equal(t, mutation.FailureCorrupt, letters[0].FailureKind)
}

func TestDurableQueueSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Profile = config.ProfileDurableLocal
	prober := &toggleProber{}

	first, err := New(context.Background(), cfg, WithBackend(&stubBackend{}), WithProber(prober))
	require.NoError(t, err)
	_, err = first.Enqueue(context.Background(), mutation.OperationCreate, "sale", "s1", map[string]int{"total": 3})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newEngine(t, cfg, &stubBackend{}, prober)
	assert.Equal(t, 1, second.View().PendingCount())
	records := second.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "s1", records[0].EntityID)
	assert.FileExists(t, filepath.Join(cfg.DataDir, "queue.jsonl"))
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	prober := &toggleProber{}
	prober.online.Store(true)
	e := newEngine(t, testConfig(t), &stubBackend{}, prober, WithRegisterer(reg))
	_, err := e.Enqueue(context.Background(), mutation.OperationCreate, "sale", "s1", map[string]int{"total": 3})
	require.NoError(t, err)
	_, ran := e.SyncNow(context.Background())
	require.True(t, ran)

	families, err := e.Gatherer().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["possync_sync_passes_total"])
	assert.True(t, names["possync_queue_pending"])

	_, err = New(context.Background(), testConfig(t), WithBackend(&stubBackend{}), WithProber(prober), WithRegisterer(reg))
	require.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.BaseURL = ""
	_, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestDeviceIDIsStableAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	prober := &toggleProber{}

	first, err := New(context.Background(), cfg, WithBackend(&stubBackend{}), WithProber(prober))
	require.NoError(t, err)
	id := first.Config().DeviceID
	require.NotEmpty(t, id)
	require.NoError(t, first.Close())

	second := newEngine(t, cfg, &stubBackend{}, prober)
	assert.Equal(t, id, second.Config().DeviceID)

	cfg.DeviceID = "till-7"
	third := newEngine(t, cfg, &stubBackend{}, prober)
	assert.Equal(t, "till-7", third.Config().DeviceID)
	stored, err := os.ReadFile(filepath.Join(cfg.DataDir, deviceIDFile))
	require.NoError(t, err)
	assert.Equal(t, id+"\n", string(stored))
}
