package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(server *httptest.Server, retries int) *HTTPClient {
	return NewHTTPClient(ClientOptions{
		BaseURL:    server.URL,
		Token:      "token",
		HTTPClient: server.Client(),
		MaxRetries: retries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/sync/push" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"clientOpId":"dev:1","status":"accepted","remoteId":"sale#482"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server, 2)
	resp, err := client.Push(context.Background(), PushRequest{
		DeviceID:   "dev",
		Operations: []Operation{{ClientOpID: "dev:1", EntityType: "sale", EntityID: "7", Operation: "create"}},
	})
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].RemoteID != "sale#482" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientPushSendsBatchAndAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected correlation id header")
		}
		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode push: %v", err)
		}
		if req.DeviceID != "dev" || len(req.Operations) != 2 {
			t.Errorf("unexpected push request: %+v", req)
		}
		if req.Operations[0].ClientOpID != "dev:1" || req.Operations[1].ClientOpID != "dev:2" {
			t.Errorf("operations reordered: %+v", req.Operations)
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer server.Close()

	client := newTestClient(server, 0)
	_, err := client.Push(context.Background(), PushRequest{
		DeviceID: "dev",
		Operations: []Operation{
			{ClientOpID: "dev:1", EntityType: "sale", EntityID: "7", Operation: "create", Payload: json.RawMessage(`{"total":10}`)},
			{ClientOpID: "dev:2", EntityType: "sale", EntityID: "7", Operation: "update", Payload: json.RawMessage(`{"total":12}`)},
		},
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
}

func TestHTTPClientEmptyPushSkipsRequest(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	if _, err := newTestClient(server, 0).Push(context.Background(), PushRequest{DeviceID: "dev"}); err != nil {
		t.Fatalf("empty push failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no request for an empty batch")
	}
}

func TestHTTPClientDoesNotRetryRejection(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"stale","message":"entity deleted"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server, 3).Push(context.Background(), PushRequest{
		DeviceID:   "dev",
		Operations: []Operation{{ClientOpID: "dev:1"}},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "stale" {
		t.Fatalf("expected decoded error payload, got %+v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientGivesUpAfterRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server, 2).Pull(context.Background(), "", 0)
	if Classify(err) != KindTransient {
		t.Fatalf("expected transient classification, got %v (%v)", Classify(err), err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientPullForwardsWatermark(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/pull" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("since"); got != "wm_1" {
			t.Errorf("expected since=wm_1, got %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("expected limit=50, got %q", got)
		}
		_, _ = w.Write([]byte(`{"changes":[{"entityType":"product","entityId":"p1","version":3,"data":{"price":5}}],"watermark":"wm_2","hasMore":true}`))
	}))
	defer server.Close()

	resp, err := newTestClient(server, 0).Pull(context.Background(), "wm_1", 50)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if resp.Watermark != "wm_2" || !resp.HasMore || len(resp.Changes) != 1 {
		t.Fatalf("unexpected pull response: %+v", resp)
	}
	if resp.Changes[0].Version != 3 {
		t.Fatalf("expected version 3, got %d", resp.Changes[0].Version)
	}
}

func TestHTTPClientMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"changes":`))
	}))
	defer server.Close()

	_, err := newTestClient(server, 3).Pull(context.Background(), "", 10)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

func TestHTTPClientProbe(t *testing.T) {
	healthy := atomic.Bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(server, 3)
	if err := client.Probe(context.Background()); err == nil {
		t.Fatalf("expected unhealthy probe to fail")
	}
	healthy.Store(true)
	if err := client.Probe(context.Background()); err != nil {
		t.Fatalf("expected healthy probe, got %v", err)
	}

	server.Close()
	if err := client.Probe(context.Background()); Classify(err) != KindTransient {
		t.Fatalf("expected dial failure to be transient, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "network", err: errors.New("dial tcp: connection refused"), want: KindTransient},
		{name: "timeout", err: &HTTPError{StatusCode: http.StatusRequestTimeout}, want: KindTransient},
		{name: "throttled", err: &HTTPError{StatusCode: http.StatusTooManyRequests}, want: KindTransient},
		{name: "server", err: &HTTPError{StatusCode: http.StatusBadGateway}, want: KindTransient},
		{name: "unauthorized", err: &HTTPError{StatusCode: http.StatusUnauthorized}, want: KindTransient},
		{name: "conflict", err: &HTTPError{StatusCode: http.StatusConflict}, want: KindConflict},
		{name: "validation", err: &HTTPError{StatusCode: http.StatusUnprocessableEntity}, want: KindRejected},
		{name: "not found", err: &HTTPError{StatusCode: http.StatusNotFound}, want: KindRejected},
		{name: "record conflict", err: &ConflictError{EntityType: "sale", EntityID: "7"}, want: KindConflict},
		{name: "record rejection", err: &RejectionError{EntityType: "sale", EntityID: "7", Code: "invalid"}, want: KindRejected},
		{name: "corrupt", err: fmt.Errorf("%w: payload", ErrCorrupt), want: KindCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if !errors.Is(&HTTPError{StatusCode: 422}, ErrRejected) {
		t.Fatalf("expected 422 to match ErrRejected")
	}
	if errors.Is(&HTTPError{StatusCode: 503}, ErrRejected) {
		t.Fatalf("did not expect 503 to match ErrRejected")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected 0, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
}
