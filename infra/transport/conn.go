// Package transport is the authenticated message link between nodes.
package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"constellation/domain/status"
	"constellation/infra/keys"
)

var (
	ErrClosed        = errors.New("transport: connection closed")
	ErrHandshake     = errors.New("transport: handshake failed")
	ErrBadSignature  = errors.New("transport: frame not signed by peer")
	ErrUnexpectedMsg = errors.New("transport: unexpected message")
)

const (
	nonceSize        = 32
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxFrameSize     = 64 << 20
)

type ConnState uint8

const (
	StateConnected ConnState = iota
	StateValidated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateValidated:
		return "validated"
	default:
		return "closed"
	}
}

// Handler receives connection events. Calls for one connection come from
// its single read goroutine, in order.
type Handler interface {
	OnValidated(c *Conn)
	OnMessage(c *Conn, m Message)
	OnClosed(c *Conn)
}

/*
Conn is one validated websocket link.

Every frame is signed by the sender. After the handshake, frames whose
signature does not belong to the peer key close the connection.
*/
type Conn struct {
	ID string

	ws   *websocket.Conn
	self *keys.KeyPair

	mu      sync.Mutex
	writeMu sync.Mutex
	peer    keys.PublicKey
	state   ConnState
	auditor bool
}

func newConn(ws *websocket.Conn, self *keys.KeyPair) *Conn {
	ws.SetReadLimit(maxFrameSize)
	return &Conn{
		ID:   uuid.NewString(),
		ws:   ws,
		self: self,
	}
}

func (c *Conn) Peer() keys.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsAuditor reports whether the peer key is in the auditor set.
func (c *Conn) IsAuditor() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auditor
}

func (c *Conn) validate(peer keys.PublicKey, auditor bool) {
	c.mu.Lock()
	c.peer = peer
	c.auditor = auditor
	c.state = StateValidated
	c.mu.Unlock()
}

// Send signs and writes m. Safe for concurrent use.
func (c *Conn) Send(m Message) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	data := Sign(m, c.self).Marshal()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()
	return c.ws.Close()
}

func (c *Conn) read() (*Frame, error) {
	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, status.Protocol(ErrUnexpectedMsg)
	}
	return UnmarshalFrame(data)
}

// readFrom reads one frame and checks it was signed by peer.
func (c *Conn) readFrom(peer keys.PublicKey) (Message, error) {
	f, err := c.read()
	if err != nil {
		return nil, err
	}
	if !f.Verify(peer) {
		return nil, status.Denied(ErrBadSignature)
	}
	return f.Message, nil
}

// -------------------- Handshake --------------------

// acceptHandshake runs the listening side: send a nonce, expect it back
// signed by an allowed key, then echo it as acceptance.
func (c *Conn) acceptHandshake(allowed func(keys.PublicKey) (ok, auditor bool)) error {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer c.ws.SetReadDeadline(time.Time{})

	if err := c.Send(&HandshakeInit{Nonce: nonce}); err != nil {
		return err
	}
	f, err := c.read()
	if err != nil {
		return errors.Mark(err, ErrHandshake)
	}
	res, ok := f.Message.(*HandshakeResult)
	if !ok || !bytes.Equal(res.Nonce, nonce) {
		return status.Protocol(ErrHandshake)
	}
	peer := f.Signature.Signer
	if !f.Verify(peer) {
		return status.Denied(errors.Mark(ErrBadSignature, ErrHandshake))
	}
	known, auditor := allowed(peer)
	if !known {
		return status.Denied(errors.Wrapf(ErrHandshake, "unknown key %s", peer))
	}
	// the echo tells the dialer it was accepted
	if err := c.Send(&HandshakeResult{Nonce: nonce}); err != nil {
		return err
	}
	c.validate(peer, auditor)
	return nil
}

// dialHandshake runs the dialing side against the expected server key.
func (c *Conn) dialHandshake(server keys.PublicKey) error {
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer c.ws.SetReadDeadline(time.Time{})

	m, err := c.readFrom(server)
	if err != nil {
		return errors.Mark(err, ErrHandshake)
	}
	init, ok := m.(*HandshakeInit)
	if !ok {
		return status.Protocol(ErrHandshake)
	}
	if err := c.Send(&HandshakeResult{Nonce: init.Nonce}); err != nil {
		return err
	}
	m, err = c.readFrom(server)
	if err != nil {
		return errors.Mark(err, ErrHandshake)
	}
	if ack, ok := m.(*HandshakeResult); !ok || !bytes.Equal(ack.Nonce, init.Nonce) {
		return status.Protocol(ErrHandshake)
	}
	c.validate(server, true)
	return nil
}

// serve reads until the connection fails or ctx ends, then reports the
// close. It owns the read side of c.
func (c *Conn) serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer func() {
		_ = c.Close()
		h.OnClosed(c)
	}()

	h.OnValidated(c)
	peer := c.Peer()
	for {
		m, err := c.readFrom(peer)
		if err != nil {
			if ctx.Err() != nil || c.State() == StateClosed {
				return nil
			}
			return err
		}
		h.OnMessage(c, m)
	}
}
