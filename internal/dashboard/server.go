/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dashboard runs the loopback WebSocket listener that dashboard
// clients connect to. Each connection is served by its own goroutine which
// performs the handshake, drains the connection's outbound queue and decodes
// inbound frames into protocol messages for the Handler.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/seqworker/internal/protocol"
	"github.com/friendsincode/seqworker/internal/telemetry"
	"github.com/friendsincode/seqworker/internal/wsproto"
)

const (
	pollInterval = 10 * time.Millisecond
	writeTimeout = time.Second
	readBufSize  = 4096

	maxHandshakeSize = 8 << 10
)

var (
	// ErrServerClosed is returned by operations on a server that has shut down.
	ErrServerClosed = errors.New("dashboard: server closed")
	// ErrUnknownConn is returned by Send for a connection that is gone.
	ErrUnknownConn = errors.New("dashboard: unknown connection")
)

// ConnID identifies one dashboard connection.
type ConnID string

// Handler receives connection events. Methods are called from connection
// goroutines and must not block.
type Handler interface {
	// OnConnect is called once the handshake completed.
	OnConnect(id ConnID)
	HandleMessage(id ConnID, msg protocol.Message)
	OnDisconnect(id ConnID)
}

// Config holds listener configuration.
type Config struct {
	Bind     string
	Port     int
	MaxConns int
	// QueueSize bounds each connection's outbound queue.
	QueueSize int
	// HandshakeTimeout closes connections that never complete the
	// handshake. Zero waits forever.
	HandshakeTimeout time.Duration
}

// Server is the dashboard connection registry and listener.
type Server struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger

	listener *net.TCPListener
	closing  atomic.Bool
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[ConnID]*conn
}

type conn struct {
	id       ConnID
	nc       net.Conn
	out      chan []byte
	logger   zerolog.Logger
	accepted time.Time
	ready    atomic.Bool
}

// NewServer creates a dashboard server. The handler may be nil.
func NewServer(cfg Config, handler Handler, logger zerolog.Logger) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "dashboard").Logger(),
		conns:   make(map[ConnID]*conn),
	}
}

// SetHandler installs the handler. It must be called before Start.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// Start binds the listener and starts the accept loop.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.Port))
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("resolve dashboard addr: %w", err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen dashboard: %w", err)
	}
	s.listener = ln

	s.logger.Info().Str("addr", ln.Addr().String()).Int("max_conns", s.cfg.MaxConns).Msg("dashboard listener started")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of registered connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Send queues msg for a single connection.
func (s *Server) Send(id ConnID, msg protocol.Message) error {
	if s.closing.Load() {
		return ErrServerClosed
	}
	frame, err := encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConn, id)
	}
	s.enqueue(c, frame, msg.Type())
	return nil
}

// Broadcast queues msg for every handshaked connection.
func (s *Server) Broadcast(msg protocol.Message) error {
	if s.closing.Load() {
		return ErrServerClosed
	}
	frame, err := encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.ready.Load() {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.enqueue(c, frame, msg.Type())
	}
	return nil
}

// Shutdown sends APPLICATION_QUIT to every connection, closes the sockets
// and waits for the accept and connection goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closing.Swap(true) {
		return nil
	}
	s.logger.Info().Int("connections", s.ActiveConnections()).Msg("dashboard listener shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// force the remaining sockets closed
		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.nc.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Server) enqueue(c *conn, frame []byte, typ protocol.Type) {
	select {
	case c.out <- frame:
	default:
		telemetry.DashboardDroppedTotal.Inc()
		c.logger.Warn().Str("type", string(typ)).Msg("outbound queue full, message dropped")
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer s.listener.Close()

	for !s.closing.Load() {
		_ = s.listener.SetDeadline(time.Now().Add(pollInterval))
		nc, err := s.listener.AcceptTCP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.closing.Load() {
				return
			}
			s.logger.Error().Err(err).Msg("accept failed")
			time.Sleep(pollInterval)
			continue
		}

		c := &conn{
			id:       ConnID(uuid.NewString()),
			nc:       nc,
			out:      make(chan []byte, s.cfg.QueueSize),
			accepted: time.Now(),
		}
		c.logger = s.logger.With().
			Str("conn_id", string(c.id)).
			Str("remote_addr", nc.RemoteAddr().String()).
			Logger()

		if !s.register(c) {
			telemetry.DashboardRefusedTotal.Inc()
			c.logger.Warn().Int("max_conns", s.cfg.MaxConns).Msg("connection limit reached, refusing connection")
			_ = nc.Close()
			continue
		}

		s.wg.Add(1)
		go s.serveConn(c)
	}
}

func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConns > 0 && len(s.conns) >= s.cfg.MaxConns {
		return false
	}
	s.conns[c.id] = c
	telemetry.DashboardConnections.Inc()
	return true
}

func (s *Server) deregister(c *conn) {
	s.mu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()

	if ok {
		telemetry.DashboardConnections.Dec()
	}
	_ = c.nc.Close()
}

// serveConn owns the socket of c until it errors, closes or the server stops.
func (s *Server) serveConn(c *conn) {
	defer s.wg.Done()
	defer func() {
		s.deregister(c)
		if c.ready.Load() && s.handler != nil {
			s.handler.OnDisconnect(c.id)
		}
		c.logger.Info().Msg("dashboard connection closed")
	}()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("dashboard connection panicked")
		}
	}()

	c.logger.Info().Msg("dashboard connection accepted")

	if err := s.runConn(c); err != nil {
		c.logger.Debug().Err(err).Msg("dashboard connection ended")
	}

	if s.closing.Load() && c.ready.Load() {
		s.sayGoodbye(c)
	}
}

func (s *Server) runConn(c *conn) error {
	buf := make([]byte, readBufSize)
	var pending []byte
	var dec wsproto.Decoder

	for !s.closing.Load() {
		if c.ready.Load() {
			if err := s.flush(c); err != nil {
				return err
			}
		} else if s.cfg.HandshakeTimeout > 0 && time.Since(c.accepted) > s.cfg.HandshakeTimeout {
			return errors.New("handshake timed out")
		}

		_ = c.nc.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := c.nc.Read(buf)
		if n > 0 {
			if !c.ready.Load() {
				pending = append(pending, buf[:n]...)
				rest, herr := s.handshake(c, pending)
				if herr != nil {
					return herr
				}
				pending = rest
				if !c.ready.Load() {
					continue
				}
				dec.Feed(pending)
				pending = nil
			} else {
				dec.Feed(buf[:n])
			}
			if derr := s.dispatch(c, &dec); derr != nil {
				return derr
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

// handshake consumes an upgrade request from pending. It returns the bytes
// left over after the request.
func (s *Server) handshake(c *conn, pending []byte) ([]byte, error) {
	resp, n, err := wsproto.TryHandshake(pending)
	switch {
	case errors.Is(err, wsproto.ErrNeedMore) && len(pending) > maxHandshakeSize:
		telemetry.DashboardProtocolErrorsTotal.WithLabelValues("handshake").Inc()
		c.logger.Warn().Int("bytes", len(pending)).Msg("upgrade request too large, discarding")
		return nil, nil
	case errors.Is(err, wsproto.ErrNeedMore):
		return pending, nil
	case errors.Is(err, wsproto.ErrNotUpgrade):
		telemetry.DashboardProtocolErrorsTotal.WithLabelValues("handshake").Inc()
		c.logger.Warn().Err(err).Msg("discarding bytes that are not a websocket upgrade")
		return pending[n:], nil
	case err != nil:
		return nil, err
	}

	if err := s.write(c, resp); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	c.ready.Store(true)
	c.logger.Info().Msg("dashboard handshake complete")

	if s.handler != nil {
		s.handler.OnConnect(c.id)
	}
	return pending[n:], nil
}

// dispatch decodes every complete frame buffered in dec.
func (s *Server) dispatch(c *conn, dec *wsproto.Decoder) error {
	for {
		text, err := dec.Next()
		switch {
		case err == nil:
		case errors.Is(err, wsproto.ErrNeedMore):
			return nil
		case errors.Is(err, wsproto.ErrCloseFrame):
			c.logger.Debug().Msg("client sent close frame")
			return io.EOF
		case errors.Is(err, wsproto.ErrFrameTooLarge):
			telemetry.DashboardProtocolErrorsTotal.WithLabelValues("too_large").Inc()
			return err
		default:
			telemetry.DashboardProtocolErrorsTotal.WithLabelValues(reason(err)).Inc()
			c.logger.Warn().Err(err).Msg("dropping frame")
			continue
		}

		msg, err := protocol.Unmarshal([]byte(text))
		if errors.Is(err, protocol.ErrUnknownType) {
			telemetry.DashboardProtocolErrorsTotal.WithLabelValues("unknown_type").Inc()
			c.logger.Error().Err(err).Msg("unknown message type, closing connection")
			return err
		}
		if err != nil {
			telemetry.DashboardProtocolErrorsTotal.WithLabelValues("bad_message").Inc()
			c.logger.Warn().Err(err).Msg("dropping malformed message")
			continue
		}

		telemetry.DashboardMessagesTotal.WithLabelValues("in", string(msg.Type())).Inc()
		c.logger.Debug().Str("type", string(msg.Type())).Msg("message received")

		if _, ok := msg.(protocol.Close); ok {
			return io.EOF
		}
		if s.handler != nil {
			s.handler.HandleMessage(c.id, msg)
		}
	}
}

// flush writes every frame queued for c without blocking on the queue.
func (s *Server) flush(c *conn) error {
	for {
		select {
		case frame := <-c.out:
			if err := s.write(c, frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Server) write(c *conn, p []byte) error {
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.nc.Write(p)
	return err
}

func (s *Server) sayGoodbye(c *conn) {
	if err := s.flush(c); err != nil {
		return
	}
	frame, err := encode(protocol.ApplicationQuit{})
	if err != nil {
		return
	}
	if err := s.write(c, frame); err != nil {
		c.logger.Debug().Err(err).Msg("failed to send application quit")
	}
}

func encode(msg protocol.Message) ([]byte, error) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return nil, err
	}
	telemetry.DashboardMessagesTotal.WithLabelValues("out", string(msg.Type())).Inc()
	return wsproto.Encode(string(data)), nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, wsproto.ErrUnmasked):
		return "unmasked"
	case errors.Is(err, wsproto.ErrUnsupportedOpcode):
		return "unsupported_opcode"
	case errors.Is(err, wsproto.ErrEmptyPayload):
		return "empty_payload"
	case errors.Is(err, wsproto.ErrInvalidUTF8):
		return "invalid_utf8"
	default:
		return "other"
	}
}
