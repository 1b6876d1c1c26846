// Package client is the admin client peer: consoles and CLIs use it to
// run module handlers and built-in commands on the master.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"cloud-admin/internal/auth"
	"cloud-admin/internal/logger"
	"cloud-admin/internal/mqtt"
	"cloud-admin/internal/protocol"
)

const (
	stateInited = iota + 1
	stateConnected
	stateRegistered
	stateClosed
)

var (
	// ErrStarted is returned by a second Connect call.
	ErrStarted = errors.New("client: already connected or closed")
	// ErrNotRegistered is returned by calls made before the master acked
	// the register frame.
	ErrNotRegistered = errors.New("client: not registered")
	// ErrRegisterFailed is returned by Connect when the master rejects
	// the credentials.
	ErrRegisterFailed = errors.New("client: register failed")
	// ErrDisconnected fails calls in flight when the session ends.
	ErrDisconnected = errors.New("client: disconnected from master")
	// ErrBadBody is returned for message bodies that are not JSON objects.
	ErrBadBody = errors.New("client: message body must be a JSON object")
)

// NotifyFunc receives a notify pushed by the master for a module.
type NotifyFunc func(msg *protocol.Message)

// Options configures a Client.
type Options struct {
	Username string
	Password string
	// MD5 sends the md5 of Password instead of the password itself.
	MD5       bool
	Transport mqtt.Options
	Logger    *zap.Logger
	// OnClose fires each time the session to the master ends.
	OnClose func()
}

// Client is an admin client session.
type Client struct {
	opts   Options
	log    *zap.Logger
	mqtt   *mqtt.Client
	id     string
	secret string

	mu         sync.Mutex
	state      int
	reqID      uint64
	calls      map[uint64]chan result
	listeners  map[string][]NotifyFunc
	registered chan error
}

type result struct {
	body json.RawMessage
	err  error
}

// New creates a client.
func New(opts Options) *Client {
	log := logger.OrNop(opts.Logger).Named("AdminClient")
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = log.Named("MqttClient")
	}
	secret := opts.Password
	if opts.MD5 {
		secret = auth.MD5Hex(opts.Password)
	}
	return &Client{
		opts:      opts,
		log:       log,
		secret:    secret,
		state:     stateInited,
		calls:     make(map[uint64]chan result),
		listeners: make(map[string][]NotifyFunc),
	}
}

// ID returns the client id given to Connect.
func (c *Client) ID() string { return c.id }

// Connect dials the master at addr and registers as id. It returns once
// the master acked the register frame.
func (c *Client) Connect(ctx context.Context, id, addr string) error {
	c.mu.Lock()
	if c.state > stateInited {
		c.mu.Unlock()
		return ErrStarted
	}
	c.id = id
	registered := make(chan error, 1)
	c.registered = registered
	c.mqtt = mqtt.NewClient(c, c.opts.Transport)
	c.mu.Unlock()

	c.log.Info("try to connect", logger.Addr(addr))
	if err := c.mqtt.Connect(ctx, addr); err != nil {
		return err
	}
	select {
	case err := <-registered:
		return err
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

// Close ends the session.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	m := c.mqtt
	c.mu.Unlock()
	if m != nil {
		_ = m.Close()
	}
	c.resolveRegister(ErrDisconnected)
	c.failCalls(ErrDisconnected)
}

// OnNotify adds a listener for notifies of moduleID.
func (c *Client) OnNotify(moduleID string, fn NotifyFunc) {
	c.mu.Lock()
	c.listeners[moduleID] = append(c.listeners[moduleID], fn)
	c.mu.Unlock()
}

// Request runs the client handler of moduleID on the master and returns
// its result.
func (c *Client) Request(ctx context.Context, moduleID string, msg any) (json.RawMessage, error) {
	body, err := c.body(msg)
	if err != nil {
		return nil, err
	}
	return c.call(ctx, func(id uint64) (any, error) {
		return protocol.ComposeRequest(id, moduleID, body)
	})
}

// Command runs a built-in command (list, enable, disable) on the master.
func (c *Client) Command(ctx context.Context, command, moduleID string, msg any) (json.RawMessage, error) {
	body, err := c.body(msg)
	if err != nil {
		return nil, err
	}
	return c.call(ctx, func(id uint64) (any, error) {
		return protocol.ComposeCommand(id, command, moduleID, body)
	})
}

// Notify sends a notify to the client handler of moduleID.
func (c *Client) Notify(moduleID string, msg any) error {
	if !c.isRegistered() {
		return ErrNotRegistered
	}
	body, err := c.body(msg)
	if err != nil {
		return err
	}
	frame, err := protocol.ComposeRequest(0, moduleID, body)
	if err != nil {
		return err
	}
	return c.mqtt.Send(protocol.TopicClient, frame)
}

func (c *Client) call(ctx context.Context, compose func(id uint64) (any, error)) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != stateRegistered {
		c.mu.Unlock()
		return nil, ErrNotRegistered
	}
	c.reqID++
	id := c.reqID
	ch := make(chan result, 1)
	c.calls[id] = ch
	c.mu.Unlock()

	frame, err := compose(id)
	if err == nil {
		err = c.mqtt.Send(protocol.TopicClient, frame)
	}
	if err != nil {
		c.takeCall(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.body, res.err
	case <-ctx.Done():
		c.takeCall(id)
		return nil, ctx.Err()
	}
}

// body attaches the client's id and username to msg, which must encode
// to a JSON object.
func (c *Client) body(msg any) (json.RawMessage, error) {
	fields := map[string]any{}
	if msg != nil {
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, ErrBadBody
			}
		}
	}
	fields["clientId"] = c.id
	fields["username"] = c.opts.Username
	return json.Marshal(fields)
}

func (c *Client) isRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRegistered
}

func (c *Client) takeCall(id uint64) chan result {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.calls[id]
	delete(c.calls, id)
	return ch
}

func (c *Client) failCalls(err error) {
	c.mu.Lock()
	calls := c.calls
	c.calls = make(map[uint64]chan result)
	c.mu.Unlock()
	for _, ch := range calls {
		ch <- result{err: err}
	}
}

func (c *Client) resolveRegister(err error) {
	c.mu.Lock()
	ch := c.registered
	c.registered = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (c *Client) register() {
	req := protocol.RegisterRequest{
		ID:       c.id,
		Type:     protocol.TypeClient,
		Username: c.opts.Username,
		Password: c.secret,
		MD5:      c.opts.MD5,
	}
	if err := c.mqtt.Send(protocol.TopicRegister, req); err != nil {
		c.log.Error("send register failed", zap.Error(err))
		c.resolveRegister(err)
	}
}

// HandleConnect registers on the first session.
func (c *Client) HandleConnect() {
	c.mu.Lock()
	c.state = stateConnected
	c.mu.Unlock()
	c.register()
}

// HandleReconnect registers again: the master forgot the client when the
// previous session ended.
func (c *Client) HandleReconnect() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateConnected
	c.mu.Unlock()
	c.register()
}

// HandleDisconnect fails the calls in flight.
func (c *Client) HandleDisconnect(err error) {
	c.mu.Lock()
	if c.state != stateClosed {
		c.state = stateConnected
	}
	c.mu.Unlock()
	if err != nil {
		c.resolveRegister(fmt.Errorf("%w: %v", ErrDisconnected, err))
	}
	c.failCalls(ErrDisconnected)
	if c.opts.OnClose != nil {
		c.opts.OnClose()
	}
}

// HandleMessage routes a frame from the master.
func (c *Client) HandleMessage(topic string, payload []byte) {
	switch topic {
	case protocol.TopicRegister:
		var resp protocol.RegisterResponse
		if err := protocol.Decode(payload, &resp); err != nil {
			c.log.Warn("bad register ack", zap.Error(err))
			return
		}
		if resp.Code != protocol.OK {
			c.resolveRegister(fmt.Errorf("%w: %s", ErrRegisterFailed, resp.Msg))
			return
		}
		c.mu.Lock()
		if c.state == stateConnected {
			c.state = stateRegistered
		}
		c.mu.Unlock()
		c.resolveRegister(nil)

	case protocol.TopicClient:
		msg, err := protocol.Parse(payload)
		if err != nil {
			c.log.Warn("bad client frame", zap.Error(err))
			return
		}
		if msg.IsResponse() {
			if ch := c.takeCall(msg.RespID); ch != nil {
				ch <- result{body: msg.Body, err: msg.Err()}
			}
			return
		}
		if msg.ModuleID != "" {
			c.mu.Lock()
			listeners := append([]NotifyFunc(nil), c.listeners[msg.ModuleID]...)
			c.mu.Unlock()
			for _, fn := range listeners {
				fn(msg)
			}
		}
	}
}

var _ mqtt.ClientHandler = (*Client)(nil)
