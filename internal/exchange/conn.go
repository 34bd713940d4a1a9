// conn.go implements the managed WebSocket connection shared by all
// exchange clients.
//
// ManagedConn owns one connection and its full lifecycle: dial with
// timeout, exponential backoff with jitter between attempts, a circuit
// breaker after repeated failures, a heartbeat ping, and an idle timeout
// that detects silent server failures. Consumers receive raw frames on
// Messages() and classified failures on Errors(); there are no callbacks.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/pkg/types"
)

const (
	connectTimeout    = 10 * time.Second
	writeTimeout      = 5 * time.Second
	heartbeatInterval = 30 * time.Second
	idleTimeout       = 120 * time.Second
	initialBackoff    = time.Second
	maxBackoff        = 30 * time.Second
	backoffJitterPct  = 0.10
	maxDialAttempts   = 10
	breakerCooldown   = 300 * time.Second
	msgBufferSize     = 512
)

// ManagedConn wraps a gorilla WebSocket connection with reconnection and
// health tracking. onConnect runs after every successful dial so the owner
// can replay its subscriptions.
type ManagedConn struct {
	exchange types.ExchangeID
	url      string
	dialer   *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	onConnect func(ctx context.Context) error

	msgCh chan []byte
	errCh chan error

	// health state
	stateMu      sync.Mutex
	connected    bool
	attempts     int
	breakerUntil time.Time
	lastErr      string

	lastMsgNano atomic.Int64
	msgsIn      atomic.Uint64
	msgsOut     atomic.Uint64
	reconnects  atomic.Uint64

	// ran flips when Run is first invoked. Run closes the message channel
	// on exit, so the connection is single-use; a second Run must fail
	// instead of closing the channel again.
	ran atomic.Bool

	logger *slog.Logger
}

// NewManagedConn creates a managed connection. onConnect may be nil.
func NewManagedConn(exchange types.ExchangeID, url string, onConnect func(ctx context.Context) error, logger *slog.Logger) *ManagedConn {
	return &ManagedConn{
		exchange:  exchange,
		url:       url,
		dialer:    &websocket.Dialer{HandshakeTimeout: connectTimeout},
		onConnect: onConnect,
		msgCh:     make(chan []byte, msgBufferSize),
		errCh:     make(chan error, 16),
		logger:    logger.With("component", "conn", "exchange", exchange),
	}
}

// Messages returns the inbound frame channel. Closed when Run returns.
func (c *ManagedConn) Messages() <-chan []byte { return c.msgCh }

// Errors returns the error channel. Recoverable failures are reported here
// and retried internally.
func (c *ManagedConn) Errors() <-chan error { return c.errCh }

// Run connects and maintains the connection until ctx is cancelled.
// It closes the message channel on exit, so each ManagedConn runs at most
// once; a later Run returns an error.
func (c *ManagedConn) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: connection already consumed: %w", c.exchange, types.ErrStopped)
	}
	defer close(c.msgCh)

	backoff := initialBackoff
	for {
		if wait, open := c.breakerWait(); open {
			c.reportErr(fmt.Errorf("%s: %w (cooling down %s)", c.exchange, types.ErrCircuitOpen, wait.Round(time.Second)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			c.resetBreaker()
			backoff = initialBackoff
		}

		closeFrame, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setLastErr(err)
		c.reconnects.Add(1)

		if closeFrame {
			// Server-initiated close: reconnect immediately and do not
			// count the attempt against the breaker.
			c.logger.Info("server closed connection, reconnecting")
			backoff = initialBackoff
			continue
		}

		c.recordFailure()
		c.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// WriteJSON sends a JSON payload with the write deadline applied.
func (c *ManagedConn) WriteJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return types.ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return &types.TransportError{Exchange: c.exchange, Op: "write", Err: err}
	}
	c.msgsOut.Add(1)
	return nil
}

// Close tears down the current connection.
func (c *ManagedConn) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Healthy reports open AND not circuit-broken AND recently active.
func (c *ManagedConn) Healthy() bool {
	c.stateMu.Lock()
	connected := c.connected
	breakerOpen := time.Now().Before(c.breakerUntil)
	c.stateMu.Unlock()

	last := c.lastMsgNano.Load()
	fresh := last > 0 && time.Since(time.Unix(0, last)) < idleTimeout
	return connected && !breakerOpen && fresh
}

// Health returns a snapshot of connection state for the status surface.
func (c *ManagedConn) Health() Health {
	c.stateMu.Lock()
	h := Health{
		Connected:   c.connected,
		CircuitOpen: time.Now().Before(c.breakerUntil),
		LastError:   c.lastErr,
	}
	c.stateMu.Unlock()

	if last := c.lastMsgNano.Load(); last > 0 {
		h.LastMessageAge = time.Since(time.Unix(0, last)).Milliseconds()
	} else {
		h.LastMessageAge = -1
	}
	h.MessagesIn = c.msgsIn.Load()
	h.MessagesOut = c.msgsOut.Load()
	h.ReconnectAttempts = c.reconnects.Load()
	return h
}

// connectAndRead dials, replays subscriptions, and pumps frames until the
// connection drops. Returns closeFrame=true when the server sent a Close
// frame (reconnect immediately, outside the breaker count).
func (c *ManagedConn) connectAndRead(ctx context.Context) (closeFrame bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return false, &types.TransportError{Exchange: c.exchange, Op: "dial", Err: err}
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setConnected(true)

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
		c.setConnected(false)
	}()

	conn.SetPongHandler(func(string) error {
		c.lastMsgNano.Store(time.Now().UnixNano())
		return nil
	})

	if c.onConnect != nil {
		if err := c.onConnect(ctx); err != nil {
			return false, fmt.Errorf("resubscribe: %w", err)
		}
	}

	c.logger.Info("websocket connected", "url", c.url)
	c.lastMsgNano.Store(time.Now().UnixNano())
	c.resetFailures()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.heartbeatLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseServiceRestart) {
				return true, err
			}
			return false, &types.TransportError{Exchange: c.exchange, Op: "read", Err: err}
		}

		c.lastMsgNano.Store(time.Now().UnixNano())
		c.msgsIn.Add(1)

		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (c *ManagedConn) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.connMu.Unlock()
			if err != nil {
				c.logger.Warn("heartbeat failed", "error", err)
				return
			}
			c.msgsOut.Add(1)
		}
	}
}

func (c *ManagedConn) breakerWait() (time.Duration, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if wait := time.Until(c.breakerUntil); wait > 0 {
		return wait, true
	}
	return 0, false
}

func (c *ManagedConn) recordFailure() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.attempts++
	if c.attempts >= maxDialAttempts {
		c.breakerUntil = time.Now().Add(breakerCooldown)
		c.attempts = 0
	}
}

func (c *ManagedConn) resetFailures() {
	c.stateMu.Lock()
	c.attempts = 0
	c.stateMu.Unlock()
}

func (c *ManagedConn) resetBreaker() {
	c.stateMu.Lock()
	c.breakerUntil = time.Time{}
	c.attempts = 0
	c.stateMu.Unlock()
}

func (c *ManagedConn) setConnected(v bool) {
	c.stateMu.Lock()
	c.connected = v
	c.stateMu.Unlock()
}

func (c *ManagedConn) setLastErr(err error) {
	if err == nil {
		return
	}
	c.stateMu.Lock()
	c.lastErr = err.Error()
	c.stateMu.Unlock()
}

func (c *ManagedConn) reportErr(err error) {
	c.setLastErr(err)
	select {
	case c.errCh <- err:
	default:
	}
}

// jitter spreads reconnect attempts by +-10% so clients don't thundering-herd
// a recovering endpoint.
func jitter(d time.Duration) time.Duration {
	f := 1 + backoffJitterPct*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
