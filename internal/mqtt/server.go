// Package mqtt turns TCP streams into named pub/sub channels carrying JSON
// payloads. Framing is MQTT 3.1.1: CONNECT/CONNACK open a session,
// PUBLISH carries one message whose topic names the channel, and
// PINGREQ/PINGRESP keep the session alive.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"go.uber.org/zap"

	"cloud-admin/internal/logger"
)

const writeTimeout = 10 * time.Second

var (
	// ErrAlreadyListening is returned by a second Listen call.
	ErrAlreadyListening = errors.New("mqtt: server already listening")
	// ErrConnClosed is returned by Send on a closed connection.
	ErrConnClosed = errors.New("mqtt: connection closed")
)

// Handler is notified of every accepted connection.
type Handler interface {
	// HandleConn is called before the first frame of c is read and
	// returns the handler for that connection's frames.
	HandleConn(c *Conn) ConnHandler
}

// ConnHandler receives the frames of one server-side connection, in
// arrival order, on the connection's read goroutine.
type ConnHandler interface {
	HandleMessage(topic string, payload []byte)
	// HandleClose is called exactly once, whatever ended the connection.
	// err is nil for a DISCONNECT frame or a clean EOF.
	HandleClose(err error)
}

// Server accepts peer connections.
type Server struct {
	handler Handler
	log     *zap.Logger
	nextID  atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
	conns    map[uint64]*Conn
	inited   bool
	closed   bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.log = logger.OrNop(l) }
}

// NewServer creates a server dispatching connections to handler.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler: handler,
		log:     zap.NewNop(),
		conns:   make(map[uint64]*Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds addr and starts accepting connections in the background.
// A nil return means the server is listening.
func (s *Server) Listen(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inited {
		return ErrAlreadyListening
	}
	s.inited = true

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mqtt: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.closed = false
	s.log.Info("listening", logger.Addr(ln.Addr().String()))

	go s.serve(ln)
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and closes every live connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed || s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.listener.Close()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(ErrConnClosed)
	}
	s.log.Info("closed")
	return err
}

func (s *Server) serve(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept error", zap.Error(err))
			continue
		}

		c := &Conn{
			id:     s.nextID.Add(1),
			nc:     nc,
			server: s,
		}
		c.log = s.log.With(logger.ConnID(c.id))

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[c.id] = c
		s.mu.Unlock()

		c.handler = s.handler.HandleConn(c)
		go c.readLoop()
	}
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// Conn is a server-side peer connection.
type Conn struct {
	id      uint64
	nc      net.Conn
	server  *Server
	handler ConnHandler
	log     *zap.Logger

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// ID returns the connection id, unique and increasing per server.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// Send JSON-encodes msg and publishes it on topic.
func (c *Conn) Send(topic string, msg any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqtt: encode %s payload: %w", topic, err)
	}
	return c.write(newPublish(topic, payload))
}

// Disconnect sends DISCONNECT and closes the connection.
func (c *Conn) Disconnect() {
	if !c.closed.Load() {
		_ = c.write(packets.NewControlPacket(packets.Disconnect))
	}
	c.close(nil)
}

func (c *Conn) write(p packets.ControlPacket) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := p.Write(c.nc); err != nil {
		return fmt.Errorf("mqtt: write: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		pkt, err := packets.ReadPacket(c.nc)
		if err != nil {
			if errors.Is(err, io.EOF) || c.closed.Load() {
				err = nil
			}
			c.close(err)
			return
		}

		switch p := pkt.(type) {
		case *packets.ConnectPacket:
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = packets.Accepted
			if err := c.write(ack); err != nil {
				c.close(err)
				return
			}
			c.log.Debug("connect", zap.String("client_id", p.ClientIdentifier))
		case *packets.PublishPacket:
			c.handler.HandleMessage(p.TopicName, p.Payload)
		case *packets.PingreqPacket:
			if err := c.write(packets.NewControlPacket(packets.Pingresp)); err != nil {
				c.close(err)
				return
			}
		case *packets.DisconnectPacket:
			c.close(nil)
			return
		default:
			c.log.Debug("ignoring packet", zap.String("packet", pkt.String()))
		}

		if c.closed.Load() {
			return
		}
	}
}

func (c *Conn) close(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.nc.Close()
		c.server.remove(c)
		if err != nil {
			c.log.Debug("connection closed", zap.Error(err))
		}
		if c.handler != nil {
			c.handler.HandleClose(err)
		}
	})
}

func newPublish(topic string, payload []byte) *packets.PublishPacket {
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = topic
	p.Payload = payload
	return p
}
