package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL     = "http://127.0.0.1:8080"
	DefaultHTTPTimeout = 15 * time.Second
	DefaultPullLimit   = 200

	maxResponseBytes = 8 << 20
)

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
}

func NewHTTPClient(opts ClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     opts.Logger,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Push sends one ordered batch. Operations carry client op ids, so the
// request is safe to repeat and is retried on throttling and server errors.
func (c *HTTPClient) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	var out PushResponse
	if len(req.Operations) == 0 {
		return out, nil
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync/push", req, &out, c.maxRetries)
	return out, err
}

func (c *HTTPClient) Pull(ctx context.Context, since string, limit int) (PullResponse, error) {
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	q.Set("limit", strconv.Itoa(limit))
	var out PullResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/sync/pull?"+q.Encode(), nil, &out, c.maxRetries)
	return out, err
}

// Probe is a single unretried health check; the connectivity monitor owns
// the cadence.
func (c *HTTPClient) Probe(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/v1/health", nil, nil, 0)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any, retries int) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     c.baseDelay,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         c.maxDelay,
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.roundTrip(ctx, method, requestPath, bodyBytes, out)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil || attempt > retries || errors.Is(err, ErrMalformedResponse) {
			return struct{}{}, backoff.Permanent(err)
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			if httpErr.StatusCode != http.StatusTooManyRequests && httpErr.StatusCode < 500 {
				return struct{}{}, backoff.Permanent(err)
			}
			if httpErr.retryAfter > 0 {
				return struct{}{}, backoff.RetryAfter(int(httpErr.retryAfter / time.Second))
			}
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying backend request",
				zap.String("method", method),
				zap.String("path", requestPath),
				zap.Duration("wait", next),
				zap.Error(err),
			)
		}),
	)
	return err
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, requestPath string, bodyBytes []byte, out any) error {
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return backoff.Permanent(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(payload)) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, method, requestPath, err)
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = strings.TrimSpace(string(payload))
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		Path:       requestPath,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
