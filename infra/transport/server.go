package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"constellation/infra/keys"
)

// Allow decides whether a handshaking key may connect and whether it is
// an auditor.
type Allow func(pk keys.PublicKey) (ok, auditor bool)

// Server accepts inbound peer connections on an HTTP endpoint.
type Server struct {
	self    *keys.KeyPair
	allow   Allow
	handler Handler
	logger  *zap.Logger

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(self *keys.KeyPair, allow Allow, h Handler, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		self:    self,
		allow:   allow,
		handler: h,
		logger:  logger.Named("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	c := newConn(ws, s.self)
	if err := c.acceptHandshake(s.allow); err != nil {
		s.logger.Warn("handshake rejected",
			zap.String("conn", c.ID),
			zap.String("remote", r.RemoteAddr),
			zap.Error(err),
		)
		_ = c.Close()
		return
	}
	s.logger.Info("peer validated",
		zap.String("conn", c.ID),
		zap.Stringer("peer", c.Peer()),
		zap.Bool("auditor", c.IsAuditor()),
	)

	s.wg.Add(1)
	defer s.wg.Done()
	if err := c.serve(s.ctx, s.handler); err != nil {
		s.logger.Debug("peer disconnected", zap.String("conn", c.ID), zap.Error(err))
	}
}

// Shutdown closes every inbound connection and waits for their handlers.
func (s *Server) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
