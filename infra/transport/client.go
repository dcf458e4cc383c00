package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"constellation/infra/keys"
)

const (
	DefaultBackoff = time.Second

	// failures between two reconnect log lines
	logEvery = 100
)

// Client keeps one outbound connection alive, redialing with a fixed
// backoff until Stop.
type Client struct {
	URL    string
	Server keys.PublicKey

	self    *keys.KeyPair
	handler Handler
	logger  *zap.Logger
	backoff time.Duration

	// OnFailure is called after every failed attempt.
	OnFailure func()

	// OnState follows the link: StateConnected once dialed, StateValidated
	// after the handshake, StateClosed when a dialed link goes away.
	OnState func(ConnState)

	mu   sync.RWMutex
	conn *Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(url string, server keys.PublicKey, self *keys.KeyPair, h Handler, logger *zap.Logger) *Client {
	return &Client{
		URL:     url,
		Server:  server,
		self:    self,
		handler: h,
		logger:  logger.Named("client").With(zap.String("url", url)),
		backoff: DefaultBackoff,
	}
}

// SetBackoff overrides the redial delay. Call before Start.
func (c *Client) SetBackoff(d time.Duration) {
	c.backoff = d
}

func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.runLoop(ctx)
}

// Stop cancels the retry loop and closes the live connection.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Conn returns the validated connection or nil.
func (c *Client) Conn() *Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Send writes m on the live connection.
func (c *Client) Send(m Message) error {
	conn := c.Conn()
	if conn == nil {
		return ErrClosed
	}
	return conn.Send(m)
}

func (c *Client) runLoop(ctx context.Context) {
	defer c.wg.Done()
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.connect(ctx)
		if err != nil {
			failures++
			if failures%logEvery == 1 {
				c.logger.Warn("connect failed", zap.Int("attempt", failures), zap.Error(err))
			}
			if c.OnFailure != nil {
				c.OnFailure()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
				continue
			}
		}

		if failures > 0 {
			c.logger.Info("reconnected", zap.Int("attempts", failures))
		}
		failures = 0

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.report(StateValidated)
		if err := conn.serve(ctx, c.handler); err != nil {
			c.logger.Debug("connection lost", zap.String("conn", conn.ID), zap.Error(err))
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.report(StateClosed)
	}
}

func (c *Client) connect(ctx context.Context) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return nil, err
	}
	conn := newConn(ws, c.self)
	c.report(StateConnected)
	if err := conn.dialHandshake(c.Server); err != nil {
		_ = conn.Close()
		c.report(StateClosed)
		return nil, err
	}
	return conn, nil
}

func (c *Client) report(s ConnState) {
	if c.OnState != nil {
		c.OnState(s)
	}
}
