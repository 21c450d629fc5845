// Package changefeed listens on an optional WebSocket push channel for
// out-of-band Dataverse notifications — most importantly a "token
// revoked" hint for a source, which should invalidate that source's
// cached seed immediately rather than waiting for the next auth
// failure to surface it.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Invalidator is the subset of *pool.Pool the listener needs; kept as
// an interface so changefeed does not import pool and create a cycle.
type Invalidator interface {
	InvalidateSeed(source string)
}

// Notification is one pushed change-feed event.
type Notification struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

const (
	// NotificationSeedRevoked signals that the named source's cached
	// credential was revoked server-side and must be invalidated.
	NotificationSeedRevoked = "seed_revoked"
)

// Config configures the change-feed listener.
type Config struct {
	URL              string
	Headers          http.Header
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	ReconnectBackoff time.Duration
}

// Listener maintains a WebSocket connection to a Dataverse change-feed
// endpoint and invalidates pool sources on matching notifications.
type Listener struct {
	cfg    Config
	dialer *websocket.Dialer
	pool   Invalidator

	mu     sync.Mutex
	conn   *websocket.Conn
	closed chan struct{}
	once   sync.Once
}

// NewListener creates a change-feed listener. pool receives
// InvalidateSeed calls for any seed_revoked notification it observes.
func NewListener(cfg Config, pool Invalidator) *Listener {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	return &Listener{
		cfg:  cfg,
		pool: pool,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		closed: make(chan struct{}),
	}
}

// Run connects and processes notifications until ctx is canceled or
// Close is called, reconnecting with a fixed backoff on transient
// failures.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := l.runOnce(ctx); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.closed:
				return nil
			default:
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.closed:
				return nil
			case <-time.After(l.cfg.ReconnectBackoff):
			}
			continue
		}
		return nil
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, resp, err := l.dialer.DialContext(ctx, l.cfg.URL, l.cfg.Headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("changefeed dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("changefeed dial failed: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		_ = conn.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		if l.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.handle(data)
	}
}

func (l *Listener) handle(data []byte) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return
	}
	if n.Type == NotificationSeedRevoked && n.Source != "" && l.pool != nil {
		l.pool.InvalidateSeed(n.Source)
	}
}

// Close stops Run permanently (no further reconnect attempts) and
// closes the active connection, if any. Safe to call more than once.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}
