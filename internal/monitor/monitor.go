// Package monitor implements the agent living inside each monitored
// server process. It registers with the master, serves the master's
// requests through the console's monitor handlers, and re-registers after
// transport reconnects.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"cloud-admin/internal/logger"
	"cloud-admin/internal/mqtt"
	"cloud-admin/internal/protocol"
	"cloud-admin/internal/serial"
)

const (
	stateInited = iota + 1
	stateConnected
	stateRegistered
	stateClosed
)

var (
	// ErrStarted is returned by Connect on an agent that has connected or
	// closed.
	ErrStarted = errors.New("monitor: agent has connected or closed")
	// ErrNotRegistered is returned by Request and Notify unless the agent
	// is registered with the master.
	ErrNotRegistered = errors.New("monitor: agent not registered")
	// ErrRegisterFailed is returned by Connect when the master rejects the
	// register frame.
	ErrRegisterFailed = errors.New("monitor: register master failed")
	// ErrDisconnected fails calls that were in flight when the session
	// to the master ended.
	ErrDisconnected = errors.New("monitor: disconnected from master")
	// ErrClosed fails calls in flight when the agent closes.
	ErrClosed = errors.New("monitor: agent closed")
)

// Console is what the agent needs from the console service that owns it.
type Console interface {
	Env() string
	// ServerToken returns the token attached to register and reconnect
	// frames.
	ServerToken(ctx context.Context, req *protocol.RegisterRequest) (string, error)
	Execute(ctx context.Context, moduleID, method string, msg json.RawMessage) (any, error)
	Command(ctx context.Context, command, moduleID string, msg json.RawMessage) (any, error)
	Get(moduleID string) any
	Set(moduleID string, value any)
}

// Events are the agent's observer hooks. Nil hooks are skipped.
type Events struct {
	// OnClose fires each time the session to the master ends, including
	// the teardown after a rejected register.
	OnClose func()
	// OnError receives transport errors raised after the first connect.
	OnError func(err error)
}

// Options configures an Agent.
type Options struct {
	ID         string
	ServerType string
	Info       protocol.ServerInfo
	// PID defaults to the current process id.
	PID       int
	Transport mqtt.Options
	Logger    *zap.Logger
	Events    Events
}

// Agent is the monitor side of the admin plane.
type Agent struct {
	console Console
	opts    Options
	log     *zap.Logger
	client  *mqtt.Client
	work    *serial.Queue

	mu         sync.Mutex
	state      int
	userClosed bool
	reqID      uint64
	calls      map[uint64]chan result
	registered chan error
}

type result struct {
	body json.RawMessage
	err  error
}

// New creates an agent for console.
func New(console Console, opts Options) *Agent {
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Info.ID == "" {
		opts.Info.ID = opts.ID
	}
	if opts.Info.ServerType == "" {
		opts.Info.ServerType = opts.ServerType
	}
	log := logger.OrNop(opts.Logger).Named("MonitorAgent").With(logger.ServerID(opts.ID))
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = log.Named("MqttClient")
	}
	return &Agent{
		console: console,
		opts:    opts,
		log:     log,
		work:    serial.New(),
		state:   stateInited,
		calls:   make(map[uint64]chan result),
	}
}

// ID returns the server id the agent registers under.
func (a *Agent) ID() string { return a.opts.ID }

// ServerType returns the agent's server type.
func (a *Agent) ServerType() string { return a.opts.ServerType }

// Info returns the agent's server info.
func (a *Agent) Info() protocol.ServerInfo { return a.opts.Info }

// Connect dials the master at addr and registers. It returns once the
// master acked the register frame: nil on success, an error wrapping
// ErrRegisterFailed on a rejection, or the transport error of a first
// connect that failed.
func (a *Agent) Connect(ctx context.Context, addr string) error {
	a.mu.Lock()
	if a.state > stateInited {
		a.mu.Unlock()
		a.log.Error("monitor client has connected or closed")
		return ErrStarted
	}
	registered := make(chan error, 1)
	a.registered = registered
	a.client = mqtt.NewClient(a, a.opts.Transport)
	a.mu.Unlock()

	go a.work.Run()

	if err := a.client.Connect(ctx, addr); err != nil {
		return err
	}

	select {
	case err := <-registered:
		return err
	case <-ctx.Done():
		a.Close()
		return ctx.Err()
	}
}

// Close ends the session and stops reconnecting. In-flight calls fail
// with ErrClosed.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.userClosed {
		a.mu.Unlock()
		return
	}
	a.userClosed = true
	a.state = stateClosed
	client := a.client
	a.mu.Unlock()

	a.failCalls(ErrClosed)
	if client != nil {
		_ = client.Close()
	}
	a.work.Stop()
	a.resolveRegister(ErrClosed)
	a.failCalls(ErrClosed)
}

// Get returns the console value cached for moduleID.
func (a *Agent) Get(moduleID string) any { return a.console.Get(moduleID) }

// Set caches value for moduleID in the console.
func (a *Agent) Set(moduleID string, value any) { a.console.Set(moduleID, value) }

// Request sends a request to the master's handler of moduleID and waits
// for its response.
func (a *Agent) Request(ctx context.Context, moduleID string, msg any) (json.RawMessage, error) {
	a.mu.Lock()
	if a.state != stateRegistered {
		state := a.state
		a.mu.Unlock()
		a.log.Error("agent can not request now", zap.Int("state", state))
		return nil, ErrNotRegistered
	}
	a.reqID++
	reqID := a.reqID
	ch := make(chan result, 1)
	a.calls[reqID] = ch
	a.mu.Unlock()

	frame, err := protocol.ComposeRequest(reqID, moduleID, msg)
	if err == nil {
		err = a.client.Send(protocol.TopicMonitor, frame)
	}
	if err != nil {
		a.takeCall(reqID)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.body, res.err
	case <-ctx.Done():
		a.takeCall(reqID)
		return nil, ctx.Err()
	}
}

// Notify sends a notify to the master's handler of moduleID.
func (a *Agent) Notify(moduleID string, msg any) error {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	if state != stateRegistered {
		a.log.Error("agent can not notify now", zap.Int("state", state))
		return ErrNotRegistered
	}
	frame, err := protocol.ComposeRequest(0, moduleID, msg)
	if err != nil {
		return err
	}
	return a.client.Send(protocol.TopicMonitor, frame)
}

func (a *Agent) takeCall(reqID uint64) chan result {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := a.calls[reqID]
	delete(a.calls, reqID)
	return ch
}

func (a *Agent) failCalls(err error) {
	a.mu.Lock()
	calls := a.calls
	a.calls = make(map[uint64]chan result)
	a.mu.Unlock()
	for _, ch := range calls {
		ch <- result{err: err}
	}
}

func (a *Agent) registerRequest(ctx context.Context) (*protocol.RegisterRequest, error) {
	info := a.opts.Info
	req := &protocol.RegisterRequest{
		ID:         a.opts.ID,
		Type:       protocol.TypeMonitor,
		ServerType: a.opts.ServerType,
		PID:        a.opts.PID,
		Info:       &info,
	}
	token, err := a.console.ServerToken(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("monitor: server token: %w", err)
	}
	req.Token = token
	return req, nil
}

// HandleConnect sends the register frame on the first session.
func (a *Agent) HandleConnect() {
	a.mu.Lock()
	if a.state > stateInited {
		a.mu.Unlock()
		return
	}
	a.state = stateConnected
	a.mu.Unlock()

	req, err := a.registerRequest(context.Background())
	if err == nil {
		err = a.client.Send(protocol.TopicRegister, req)
	}
	if err != nil {
		a.log.Error("send register failed", zap.Error(err))
		a.resolveRegister(err)
	}
}

// HandleReconnect re-registers the restored session with a reconnect
// frame.
func (a *Agent) HandleReconnect() {
	a.mu.Lock()
	if a.userClosed {
		a.mu.Unlock()
		return
	}
	a.state = stateConnected
	a.mu.Unlock()

	req, err := a.registerRequest(context.Background())
	if err == nil {
		err = a.client.Send(protocol.TopicReconnect, req)
	}
	if err != nil {
		a.log.Error("send reconnect failed", zap.Error(err))
		a.emitError(err)
	}
}

// HandleDisconnect records the end of a session. Calls in flight fail;
// the transport reconnects unless the agent was closed.
func (a *Agent) HandleDisconnect(err error) {
	a.mu.Lock()
	closed := a.userClosed
	a.state = stateClosed
	a.mu.Unlock()

	if err != nil {
		a.resolveRegister(fmt.Errorf("monitor: session ended before register ack: %w", err))
		a.emitError(err)
	}
	if closed {
		a.failCalls(ErrClosed)
	} else {
		a.failCalls(ErrDisconnected)
	}
	a.emitClose()
}

// HandleMessage routes one frame from the master.
func (a *Agent) HandleMessage(topic string, payload []byte) {
	switch topic {
	case protocol.TopicRegister:
		a.onRegister(payload)
	case protocol.TopicReconnectOK:
		a.onReconnectOK(payload)
	case protocol.TopicMonitor:
		a.onMonitor(payload)
	default:
		a.log.Warn("frame on unknown topic", logger.Topic(topic))
	}
}

func (a *Agent) onRegister(payload []byte) {
	var resp protocol.RegisterResponse
	if err := protocol.Decode(payload, &resp); err != nil {
		a.log.Warn("bad register ack", zap.Error(err))
		return
	}
	if resp.Code == protocol.OK {
		a.mu.Lock()
		a.state = stateRegistered
		a.mu.Unlock()
		a.log.Info("registered to master")
		a.resolveRegister(nil)
		return
	}

	a.log.Error("server register master failed",
		logger.ServerType(a.opts.ServerType), zap.String("reason", resp.Msg))
	a.resolveRegister(fmt.Errorf("%w: %s", ErrRegisterFailed, resp.Msg))
	// closing emits close; a rejected monitor must not slip back in
	// through reconnect
	go a.Close()
}

func (a *Agent) onReconnectOK(payload []byte) {
	var resp protocol.RegisterResponse
	if err := protocol.Decode(payload, &resp); err != nil {
		a.log.Warn("bad reconnect ack", zap.Error(err))
		return
	}
	if resp.Code != protocol.OK {
		a.log.Error("reconnect rejected by master", zap.String("reason", resp.Msg))
		return
	}
	a.mu.Lock()
	if a.state == stateConnected {
		a.state = stateRegistered
	}
	a.mu.Unlock()
	a.log.Info("reconnected to master")
}

func (a *Agent) onMonitor(payload []byte) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	if state != stateRegistered {
		return
	}

	msg, err := protocol.Parse(payload)
	if err != nil {
		a.log.Warn("bad monitor frame", zap.Error(err))
		return
	}

	if msg.Command != "" {
		a.work.Push(func() {
			if _, err := a.console.Command(context.Background(), msg.Command, msg.ModuleID, msg.Body); err != nil {
				a.log.Warn("command failed", zap.String("command", msg.Command), logger.ModuleID(msg.ModuleID), zap.Error(err))
			}
		})
		return
	}

	if msg.IsResponse() {
		ch := a.takeCall(msg.RespID)
		if ch == nil {
			a.log.Warn("unknown resp id", logger.ReqID(msg.RespID))
			return
		}
		ch <- result{body: msg.Body, err: msg.Err()}
		return
	}

	a.work.Push(func() {
		res, err := a.console.Execute(context.Background(), msg.ModuleID, protocol.MethodMonitor, msg.Body)
		resp, cerr := protocol.ComposeResponse(msg, err, res)
		if cerr != nil {
			a.log.Error("compose response failed", logger.ModuleID(msg.ModuleID), zap.Error(cerr))
			return
		}
		if resp == nil {
			return
		}
		if serr := a.client.Send(protocol.TopicMonitor, resp); serr != nil {
			a.log.Debug("send response failed", logger.ReqID(msg.ReqID), zap.Error(serr))
		}
	})
}

func (a *Agent) resolveRegister(err error) {
	a.mu.Lock()
	ch := a.registered
	a.registered = nil
	a.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (a *Agent) emitClose() {
	if a.opts.Events.OnClose != nil {
		a.opts.Events.OnClose()
	}
}

func (a *Agent) emitError(err error) {
	if a.opts.Events.OnError != nil {
		a.opts.Events.OnError(err)
	}
}

var _ mqtt.ClientHandler = (*Agent)(nil)
