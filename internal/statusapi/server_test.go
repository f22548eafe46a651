package statusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/possync/internal/cache"
	"github.com/agentworkforce/possync/internal/mutation"
	"github.com/agentworkforce/possync/internal/status"
	"github.com/agentworkforce/possync/internal/syncer"
)

type fakeEngine struct {
	mu       sync.Mutex
	snapshot status.Snapshot
	session  *syncer.Session
	triggers int
	records  []mutation.Record
	dead     map[int64]mutation.Record
	entities map[string]cache.Entry
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		snapshot: status.Snapshot{Online: true, Status: status.Synced, PendingCount: 2},
		dead:     map[int64]mutation.Record{},
		entities: map[string]cache.Entry{},
	}
}

func (f *fakeEngine) Status() status.Snapshot { return f.snapshot }

func (f *fakeEngine) TriggerSync() {
	f.mu.Lock()
	f.triggers++
	f.mu.Unlock()
}

func (f *fakeEngine) LastSession() (syncer.Session, bool) {
	if f.session == nil {
		return syncer.Session{}, false
	}
	return *f.session, true
}

func (f *fakeEngine) Enqueue(ctx context.Context, op mutation.Operation, entityType, entityID string, payload any) (mutation.Record, error) {
	raw, _ := payload.(json.RawMessage)
	if entityType == "" || entityID == "" || (op != mutation.OperationDelete && len(raw) == 0) {
		return mutation.Record{}, mutation.ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := mutation.Record{
		ID: int64(len(f.records) + 1), EntityType: entityType, EntityID: entityID,
		Operation: op, Payload: raw, Status: mutation.StatusPending,
	}
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeEngine) DeadLetters() []mutation.Record {
	var out []mutation.Record
	for _, rec := range f.dead {
		out = append(out, rec)
	}
	return out
}

func (f *fakeEngine) Replay(ctx context.Context, id int64) (mutation.Record, error) {
	rec, ok := f.dead[id]
	if !ok {
		return mutation.Record{}, fmt.Errorf("%w: record %d", mutation.ErrNotFound, id)
	}
	if rec.Status != mutation.StatusFailed {
		return mutation.Record{}, fmt.Errorf("%w: record %d is not dead-lettered", mutation.ErrInvalidState, id)
	}
	rec.Status = mutation.StatusPending
	delete(f.dead, id)
	return rec, nil
}

func (f *fakeEngine) Discard(ctx context.Context, id int64) error {
	if _, ok := f.dead[id]; !ok {
		return fmt.Errorf("%w: record %d", mutation.ErrNotFound, id)
	}
	delete(f.dead, id)
	return nil
}

func (f *fakeEngine) Entity(ctx context.Context, entityType, entityID string) (cache.Entry, error) {
	entry, ok := f.entities[entityType+"/"+entityID]
	if !ok {
		return cache.Entry{}, cache.ErrNotFound
	}
	return entry, nil
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func TestStatusAndTrigger(t *testing.T) {
	eng := newFakeEngine()
	eng.session = &syncer.Session{ID: "s-1", Succeeded: 3, TerminalReason: syncer.StateSynced}
	h := NewServer(eng, Config{})

	rec := doRequest(t, h, http.MethodGet, "/v1/status", "", map[string]string{correlationHeader: "corr-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "corr-1", rec.Header().Get(correlationHeader))
	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, true, body["isOnline"])
	assert.Equal(t, "synced", body["syncStatus"])
	assert.Equal(t, float64(2), body["pendingCount"])
	session, ok := body["lastSession"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "s-1", session["id"])

	rec = doRequest(t, h, http.MethodPost, "/v1/sync", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(correlationHeader))
	assert.Equal(t, 1, eng.triggers)
}

func TestEnqueue(t *testing.T) {
	eng := newFakeEngine()
	h := NewServer(eng, Config{})

	rec := doRequest(t, h, http.MethodPost, "/v1/mutations",
		`{"operation":"create","entityType":"sale","entityId":"s1","payload":{"total":10}}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created mutation.Record
	decodeBody(t, rec, &created)
	assert.Equal(t, int64(1), created.ID)
	assert.JSONEq(t, `{"total":10}`, string(created.Payload))

	rec = doRequest(t, h, http.MethodPost, "/v1/mutations", `{"operation":"delete","entityType":"sale","entityId":"s1","payload":null}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	cases := map[string]string{
		"bad json":       `{"operation":`,
		"bad operation":  `{"operation":"upsert","entityType":"sale","entityId":"s1","payload":{}}`,
		"missing entity": `{"operation":"update","entityType":"sale","payload":{"total":1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, "/v1/mutations", body, map[string]string{correlationHeader: "corr-bad"})
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var errBody map[string]string
			decodeBody(t, rec, &errBody)
			assert.Equal(t, "bad_request", errBody["code"])
			assert.Equal(t, "corr-bad", errBody["correlationId"])
		})
	}
}

func TestEnqueueBodyLimit(t *testing.T) {
	h := NewServer(newFakeEngine(), Config{MaxBodyBytes: 32})
	body := `{"operation":"create","entityType":"sale","entityId":"s1","payload":{"note":"` + strings.Repeat("x", 64) + `"}}`
	rec := doRequest(t, h, http.MethodPost, "/v1/mutations", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDeadLetterRoutes(t *testing.T) {
	eng := newFakeEngine()
	eng.dead[4] = mutation.Record{ID: 4, EntityType: "sale", EntityID: "s4", Status: mutation.StatusFailed, FailureKind: mutation.FailureRejected}
	eng.dead[5] = mutation.Record{ID: 5, EntityType: "sale", EntityID: "s5", Status: mutation.StatusFailed}
	eng.dead[6] = mutation.Record{ID: 6, EntityType: "sale", EntityID: "s6", Status: mutation.StatusPending}
	h := NewServer(eng, Config{})

	rec := doRequest(t, h, http.MethodGet, "/v1/dead-letters", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var feed DeadLetterFeed
	decodeBody(t, rec, &feed)
	assert.Len(t, feed.Items, 3)

	rec = doRequest(t, h, http.MethodPost, "/v1/dead-letters/4/replay", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var replayed mutation.Record
	decodeBody(t, rec, &replayed)
	assert.Equal(t, mutation.StatusPending, replayed.Status)

	rec = doRequest(t, h, http.MethodPost, "/v1/dead-letters/6/replay", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/v1/dead-letters/99/replay", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/v1/dead-letters/abc/replay", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, "/v1/dead-letters/5", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, h, http.MethodDelete, "/v1/dead-letters/5", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	eng.dead = map[int64]mutation.Record{}
	rec = doRequest(t, h, http.MethodGet, "/v1/dead-letters", "", nil)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestEntityRoute(t *testing.T) {
	eng := newFakeEngine()
	eng.entities["product/p1"] = cache.Entry{EntityType: "product", EntityID: "p1", Version: 3, Data: json.RawMessage(`{"sku":"A-1"}`)}
	h := NewServer(eng, Config{})

	rec := doRequest(t, h, http.MethodGet, "/v1/entities/product/p1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entry cache.Entry
	decodeBody(t, rec, &entry)
	assert.Equal(t, int64(3), entry.Version)
	assert.JSONEq(t, `{"sku":"A-1"}`, string(entry.Data))

	rec = doRequest(t, h, http.MethodGet, "/v1/entities/product/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutingFallbacks(t *testing.T) {
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "possync_test_gauge", Help: "test"})
	reg.MustRegister(gauge)
	gauge.Set(7)
	h := NewServer(newFakeEngine(), Config{Gatherer: reg})

	rec := doRequest(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "possync_test_gauge 7")

	rec = doRequest(t, h, http.MethodGet, "/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(t, h, http.MethodPut, "/v1/status", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	const secret = "till-secret"
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	h := NewServer(newFakeEngine(), Config{TokenSecret: secret, Now: func() time.Time { return now }})

	readOnly, err := IssueToken(secret, "pos-ui", []string{ScopeRead}, time.Hour, now)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "pos-ui", []string{ScopeRead}, time.Hour, now.Add(-2*time.Hour))
	require.NoError(t, err)
	forged, err := IssueToken("other-secret", "pos-ui", []string{ScopeRead, ScopeWrite}, time.Hour, now)
	require.NoError(t, err)
	unscoped, err := IssueToken(secret, "pos-ui", nil, time.Hour, now)
	require.NoError(t, err)

	cases := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{"missing", http.MethodGet, "/v1/status", "", http.StatusUnauthorized},
		{"not bearer", http.MethodGet, "/v1/status", "Basic abc", http.StatusUnauthorized},
		{"malformed", http.MethodGet, "/v1/status", "Bearer not-a-token", http.StatusUnauthorized},
		{"expired", http.MethodGet, "/v1/status", "Bearer " + expired, http.StatusUnauthorized},
		{"forged", http.MethodGet, "/v1/status", "Bearer " + forged, http.StatusUnauthorized},
		{"no scopes", http.MethodGet, "/v1/status", "Bearer " + unscoped, http.StatusForbidden},
		{"read ok", http.MethodGet, "/v1/status", "Bearer " + readOnly, http.StatusOK},
		{"write needs scope", http.MethodPost, "/v1/sync", "Bearer " + readOnly, http.StatusForbidden},
		{"health is open", http.MethodGet, "/healthz", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.auth != "" {
				headers["Authorization"] = tc.auth
			}
			rec := doRequest(t, h, tc.method, tc.path, "", headers)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}
