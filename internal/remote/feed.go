package remote

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	feedPath         = "/v1/sync/feed"
	feedReadLimit    = 64 << 10
	feedMinReconnect = time.Second
	feedMaxReconnect = time.Minute
)

// Feed holds a websocket open to the backend and surfaces "something changed"
// notifications. Notifications are hints; the pull watermark stays
// authoritative.
type Feed struct {
	url    string
	token  string
	logger *zap.Logger

	notify    chan FeedNotification
	connected atomic.Bool
}

func NewFeed(baseURL, token string, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		url:    feedURL(baseURL),
		token:  strings.TrimSpace(token),
		logger: logger,
		notify: make(chan FeedNotification, 1),
	}
}

func feedURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL + feedPath
}

// Notifications coalesces to the most recent notification.
func (f *Feed) Notifications() <-chan FeedNotification {
	return f.notify
}

func (f *Feed) Connected() bool {
	return f.connected.Load()
}

// Run keeps the feed connected until ctx is done, reconnecting with
// exponential backoff.
func (f *Feed) Run(ctx context.Context) error {
	reconnect := &backoff.ExponentialBackOff{
		InitialInterval:     feedMinReconnect,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         feedMaxReconnect,
	}
	for {
		err := f.session(ctx, reconnect.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := reconnect.NextBackOff()
		f.logger.Debug("change feed disconnected", zap.Error(err), zap.Duration("reconnectIn", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (f *Feed) session(ctx context.Context, onConnect func()) error {
	header := http.Header{}
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}
	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(feedReadLimit)

	onConnect()
	f.connected.Store(true)
	defer f.connected.Store(false)
	f.logger.Info("change feed connected", zap.String("url", f.url))

	for {
		var n FeedNotification
		if err := wsjson.Read(ctx, conn, &n); err != nil {
			return err
		}
		if strings.TrimSpace(n.Type) == "" {
			continue
		}
		f.deliver(n)
	}
}

func (f *Feed) deliver(n FeedNotification) {
	select {
	case f.notify <- n:
		return
	default:
	}
	select {
	case <-f.notify:
	default:
	}
	select {
	case f.notify <- n:
	default:
	}
}
