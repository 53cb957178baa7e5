package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jupytergo/kernelclient/messages"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const defaultReadLimit = 1 << 22 // mime bundles can be large

var (
	// ErrDisconnected means a send was attempted while the connection is down.
	ErrDisconnected = errors.New("not connected")

	// ErrConnectionLost means the connection dropped and reconnection was
	// exhausted or abandoned.
	ErrConnectionLost = errors.New("connection lost")
)

// Handler receives every inbound message, in the order the reader observed
// them. It runs on the reader goroutine and must not block.
type Handler func(*messages.Message)

// DownHandler is invoked exactly once when the connection is gone for good.
type DownHandler func(error)

type Conn struct {
	log     *zap.SugaredLogger
	url     string
	handler Handler
	onDown  DownHandler

	httpClient        *http.Client
	header            http.Header
	readLimit         int64
	pingInterval      time.Duration
	reconnectAttempts int
	reconnectWaitMin  time.Duration
	reconnectWaitMax  time.Duration

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool

	downOnce  sync.Once
	closeOnce sync.Once
}

type Option func(c *Conn)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Conn) {
		c.log = l.Named("channels")
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Conn) {
		c.httpClient = hc
	}
}

// WithHeader sets headers for the websocket handshake (the bearer credential).
func WithHeader(h http.Header) Option {
	return func(c *Conn) {
		c.header = h
	}
}

func WithDownHandler(f DownHandler) Option {
	return func(c *Conn) {
		c.onDown = f
	}
}

func WithReadLimit(n int64) Option {
	return func(c *Conn) {
		c.readLimit = n
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Conn) {
		c.pingInterval = d
	}
}

// WithReconnect bounds the reconnect loop: at most attempts re-dials, with
// backoff doubling from min up to max between them. Zero attempts disables
// reconnection entirely.
func WithReconnect(attempts int, min, max time.Duration) Option {
	return func(c *Conn) {
		c.reconnectAttempts = attempts
		c.reconnectWaitMin = min
		c.reconnectWaitMax = max
	}
}

// Dial opens the multiplexed connection and starts the reader and liveness
// loops. The returned Conn must be closed on every exit path; Close fires the
// down handler so outstanding requests get failed rather than left pending.
func Dial(ctx context.Context, url string, handler Handler, opts ...Option) (*Conn, error) {
	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		log:               zap.NewNop().Sugar(),
		url:               url,
		handler:           handler,
		readLimit:         defaultReadLimit,
		pingInterval:      30 * time.Second,
		reconnectAttempts: 5,
		reconnectWaitMin:  250 * time.Millisecond,
		reconnectWaitMax:  5 * time.Second,
		ctx:               connCtx,
		cancel:            cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	ws, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	c.log.Debugw("dialing channels websocket", "URL", c.url)
	ws, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: c.header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing channels websocket: %w", err)
	}
	ws.SetReadLimit(c.readLimit)
	return ws, nil
}

func (c *Conn) current() (*websocket.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws, c.connected
}

// Send writes one message to the connection. It is safe to call concurrently
// from multiple requests; send ordering across requests is not guaranteed.
func (c *Conn) Send(ctx context.Context, msg *messages.Message) error {
	ws, ok := c.current()
	if !ok {
		return ErrDisconnected
	}
	if err := wsjson.Write(ctx, ws, msg); err != nil {
		return fmt.Errorf("sending %s message %s: %w", msg.Header.MsgType, msg.Header.MsgID, err)
	}
	return nil
}

// readLoop is the single inbound reader. Reads are bounded by the connection
// context, so cancellation is observed promptly.
func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		ws, ok := c.current()
		if !ok {
			return
		}
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Debugf("read error, attempting reconnect: %s", err)
			if !c.reconnect() {
				return
			}
			continue
		}
		msg, err := messages.Decode(data)
		if err != nil {
			c.log.Warnw("dropping bad frame", "Error", err)
			continue
		}
		c.handler(msg)
	}
}

// reconnect re-dials with exponential backoff. It reports whether the reader
// should keep going; on false the connection is declared lost.
func (c *Conn) reconnect() bool {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	wait := c.reconnectWaitMin
	for attempt := 1; attempt <= c.reconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(wait):
		}
		ws, err := c.dial(c.ctx)
		if err == nil {
			c.mu.Lock()
			c.ws = ws
			c.connected = true
			c.mu.Unlock()
			c.log.Infow("reconnected channels websocket", "Attempt", attempt)
			return true
		}
		c.log.Debugw("reconnect attempt failed", "Attempt", attempt, "Error", err)
		wait *= 2
		if wait > c.reconnectWaitMax {
			wait = c.reconnectWaitMax
		}
	}
	c.down(fmt.Errorf("%w: reconnect attempts exhausted", ErrConnectionLost))
	return false
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		ws, ok := c.current()
		if !ok {
			continue
		}
		pingCtx, cancel := context.WithTimeout(c.ctx, c.pingInterval)
		err := ws.Ping(pingCtx)
		cancel()
		if err != nil && c.ctx.Err() == nil {
			// close the socket so the reader observes the failure and
			// drives the reconnect
			c.log.Debugf("ping failed: %s", err)
			ws.Close(websocket.StatusGoingAway, "ping failed")
		}
	}
}

func (c *Conn) down(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.downOnce.Do(func() {
		if c.onDown != nil {
			c.onDown(err)
		}
	})
}

// Close releases the connection. It always fires the down handler, so every
// outstanding request is failed with ErrConnectionLost rather than left
// pending forever.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.down(ErrConnectionLost)
		c.cancel()
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			err := ws.Close(websocket.StatusNormalClosure, "")
			if err != nil {
				c.log.Debugf("error closing conn: %s", err)
			}
		}
		c.wg.Wait()
	})
	return nil
}
