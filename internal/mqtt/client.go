package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloud-admin/internal/clock"
	"cloud-admin/internal/logger"
)

// Client defaults.
const (
	DefaultTimeout           = 5 * time.Second
	DefaultKeepalive         = 10 * time.Second
	DefaultReconnectDelay    = 2 * time.Second
	DefaultReconnectDelayMax = 60 * time.Second
)

var (
	// ErrNotConnected is returned by Send while the client has no session.
	ErrNotConnected = errors.New("mqtt: client not connected")
	// ErrAlreadyConnected is returned by a second Connect call.
	ErrAlreadyConnected = errors.New("mqtt: client has already connected")
	// ErrConnectTimeout is returned when no CONNACK arrives in time.
	ErrConnectTimeout = errors.New("mqtt: connect timeout")
	// ErrRefused is returned when the server rejects CONNECT.
	ErrRefused = errors.New("mqtt: connection refused")
	// ErrKeepaliveTimeout is reported when a ping stays unanswered.
	ErrKeepaliveTimeout = errors.New("mqtt: keepalive timeout")
	// ErrServerDisconnect is reported when the server sent DISCONNECT.
	ErrServerDisconnect = errors.New("mqtt: disconnected by server")
)

// ClientHandler receives the client's lifecycle events and frames. All
// calls happen on the client's connection goroutine.
type ClientHandler interface {
	// HandleConnect fires once, after the first successful CONNACK.
	HandleConnect()
	// HandleReconnect fires after every later successful CONNACK.
	HandleReconnect()
	HandleMessage(topic string, payload []byte)
	// HandleDisconnect fires each time a session ends. err is nil when
	// the session ended through Close.
	HandleDisconnect(err error)
}

// Options configures a Client. Zero durations take the defaults.
type Options struct {
	ID                string
	Timeout           time.Duration
	Keepalive         time.Duration
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	Clock             clock.Clock
	Logger            *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Keepalive <= 0 {
		o.Keepalive = DefaultKeepalive
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectDelayMax <= 0 {
		o.ReconnectDelayMax = DefaultReconnectDelayMax
	}
	if o.ReconnectDelayMax < o.ReconnectDelay {
		o.ReconnectDelayMax = o.ReconnectDelay
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	o.Logger = logger.OrNop(o.Logger)
	return o
}

// Client is the dialing side of a session. After the first successful
// connect it reconnects on its own until Close is called.
type Client struct {
	opts     Options
	handler  ClientHandler
	clientID string
	log      *zap.Logger
	done     chan struct{}

	wmu sync.Mutex

	mu       sync.Mutex
	addr     string
	conn     net.Conn
	started  bool
	closed   bool
	reason   error
	lastPong time.Time
}

// NewClient creates a client delivering events to handler.
func NewClient(handler ClientHandler, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		handler:  handler,
		clientID: "MQTT_ADMIN_" + uuid.NewString(),
		log:      opts.Logger,
		done:     make(chan struct{}),
	}
}

// ClientID returns the synthetic MQTT client identifier.
func (c *Client) ClientID() string { return c.clientID }

// Connect opens the first session to addr. A failure here is final: the
// client only reconnects once it has been connected. On success the
// session is served in the background and HandleConnect fires.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true
	c.addr = addr
	c.mu.Unlock()

	nc, err := c.dial(ctx)
	if err != nil {
		c.log.Error("connect failed", logger.Addr(addr), zap.Error(err))
		return err
	}
	go c.run(nc)
	return nil
}

// Connected reports whether a session is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send JSON-encodes msg and publishes it on topic.
func (c *Client) Send(topic string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqtt: encode %s payload: %w", topic, err)
	}
	c.mu.Lock()
	nc := c.conn
	c.mu.Unlock()
	if nc == nil {
		return ErrNotConnected
	}
	return c.write(nc, newPublish(topic, payload))
}

// Close ends the session with DISCONNECT and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	nc := c.conn
	c.mu.Unlock()

	if nc == nil {
		return nil
	}
	_ = c.write(nc, packets.NewControlPacket(packets.Disconnect))
	return nc.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, c.addr)
		}
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ProtocolName = "MQTT"
	cp.ProtocolVersion = 4
	cp.CleanSession = true
	cp.ClientIdentifier = c.clientID
	cp.Keepalive = uint16(c.opts.Keepalive / time.Second)
	if err := cp.Write(nc); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("mqtt: send connect: %w", err)
	}

	pkt, err := packets.ReadPacket(nc)
	if err != nil {
		_ = nc.Close()
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.log.Error("connect timeout", logger.Addr(c.addr), zap.Duration("timeout", c.opts.Timeout))
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, c.addr)
		}
		return nil, fmt.Errorf("mqtt: read connack: %w", err)
	}
	ack, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		_ = nc.Close()
		return nil, fmt.Errorf("mqtt: expected connack, got %s", pkt.String())
	}
	if ack.ReturnCode != packets.Accepted {
		_ = nc.Close()
		return nil, fmt.Errorf("%w: code %d", ErrRefused, ack.ReturnCode)
	}
	_ = nc.SetDeadline(time.Time{})
	return nc, nil
}

// run serves sessions until Close. The backoff delay lives here and is
// threaded through consecutive failed attempts.
func (c *Client) run(nc net.Conn) {
	c.attach(nc)
	c.handler.HandleConnect()

	var delay time.Duration
	for {
		c.serve(nc)
		if c.isClosed() {
			return
		}

		for {
			delay = NextDelay(delay, c.opts.ReconnectDelay, c.opts.ReconnectDelayMax)
			c.log.Info("reconnecting", logger.Addr(c.addr), zap.Duration("delay", delay))
			select {
			case <-c.opts.Clock.After(delay):
			case <-c.done:
				return
			}

			var err error
			nc, err = c.dial(context.Background())
			if err == nil {
				break
			}
			c.log.Error("reconnect failed", logger.Addr(c.addr), zap.Error(err))
		}

		if c.isClosed() {
			_ = nc.Close()
			return
		}
		delay = 0
		c.attach(nc)
		c.handler.HandleReconnect()
	}
}

// NextDelay computes the next reconnect delay from the previous one:
// doubled, at least base and at most max.
func NextDelay(prev, base, max time.Duration) time.Duration {
	d := prev * 2
	if d < base {
		d = base
	}
	if d > max {
		d = max
	}
	return d
}

func (c *Client) attach(nc net.Conn) {
	c.mu.Lock()
	c.conn = nc
	c.reason = nil
	c.lastPong = time.Time{}
	c.mu.Unlock()
}

// serve reads frames until the session ends. It is the single teardown
// path: keepalive failures and Close only close the socket and let the
// read loop finish here.
func (c *Client) serve(nc net.Conn) {
	stop := make(chan struct{})
	go c.keepalive(nc, stop)

	err := c.readLoop(nc)
	close(stop)
	_ = nc.Close()

	c.mu.Lock()
	if c.reason != nil {
		err = c.reason
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	if closed {
		err = nil
	} else {
		c.log.Error("session lost", logger.Addr(c.addr), zap.Error(err))
	}
	c.handler.HandleDisconnect(err)
}

func (c *Client) readLoop(nc net.Conn) error {
	for {
		pkt, err := packets.ReadPacket(nc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
		switch p := pkt.(type) {
		case *packets.PublishPacket:
			c.handler.HandleMessage(p.TopicName, p.Payload)
		case *packets.PingrespPacket:
			c.mu.Lock()
			c.lastPong = c.opts.Clock.Now()
			c.mu.Unlock()
		case *packets.DisconnectPacket:
			return ErrServerDisconnect
		}
	}
}

func (c *Client) keepalive(nc net.Conn, stop <-chan struct{}) {
	ticker := c.opts.Clock.NewTicker(c.opts.Keepalive)
	defer ticker.Stop()

	limit := 2 * c.opts.Keepalive
	var lastPing time.Time
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		now := c.opts.Clock.Now()
		c.mu.Lock()
		pong := c.lastPong
		c.mu.Unlock()

		if !lastPing.IsZero() && pong.Before(lastPing) {
			if now.Sub(lastPing) > limit {
				c.log.Error("keepalive timeout", zap.Duration("timeout", limit))
				c.mu.Lock()
				c.reason = ErrKeepaliveTimeout
				c.mu.Unlock()
				_ = nc.Close()
				return
			}
			continue
		}

		if err := c.write(nc, packets.NewControlPacket(packets.Pingreq)); err != nil {
			c.log.Debug("ping failed", zap.Error(err))
		}
		lastPing = now
	}
}

func (c *Client) write(nc net.Conn, p packets.ControlPacket) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := p.Write(nc); err != nil {
		return fmt.Errorf("mqtt: write: %w", err)
	}
	return nil
}
