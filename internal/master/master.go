// Package master implements the master side of the admin plane: it
// accepts monitor and client connections, keeps the peer registries, and
// routes requests and notifies to the cluster.
package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"cloud-admin/internal/logger"
	"cloud-admin/internal/mqtt"
	"cloud-admin/internal/protocol"
)

const (
	stateInited = iota + 1
	stateStarted
	stateClosed
)

var (
	// ErrStarted is returned by Listen on an agent that has started or closed.
	ErrStarted = errors.New("master: agent has started or closed")
	// ErrClosed is returned by operations on a closed agent.
	ErrClosed = errors.New("master: agent closed")
	// ErrUnknownServer is returned when no monitor is registered under an id.
	ErrUnknownServer = errors.New("master: unknown server id")
	// ErrUnknownType is returned when no monitor of a server type is registered.
	ErrUnknownType = errors.New("master: unknown server type")
	// ErrUnknownClient is returned when no client is registered under an id.
	ErrUnknownClient = errors.New("master: unknown client id")
	// ErrRequestExpired completes a call whose target never answered
	// within the buffer TTL.
	ErrRequestExpired = errors.New("master: request expired before a response arrived")
	// ErrAuthFailed is returned by the register path when a peer is rejected.
	ErrAuthFailed = errors.New("master: register rejected")
)

// Console is what the agent needs from the console service that owns it.
type Console interface {
	Env() string
	// AuthUser checks a client's credentials. A nil user rejects it.
	AuthUser(ctx context.Context, req *protocol.RegisterRequest) (*protocol.User, error)
	// AuthServer checks a monitor's register or reconnect token.
	AuthServer(ctx context.Context, req *protocol.RegisterRequest) error
	Execute(ctx context.Context, moduleID, method string, msg json.RawMessage) (any, error)
	Command(ctx context.Context, command, moduleID string, msg json.RawMessage) (any, error)
	Get(moduleID string) any
	Set(moduleID string, value any)
}

// Events are the agent's observer hooks. Nil hooks are skipped. Hooks
// run on connection goroutines and must not block.
type Events struct {
	// OnRegister receives the info of a newly registered monitor, pid
	// attached.
	OnRegister func(info protocol.ServerInfo)
	// OnReconnect receives the info of a monitor admitted by reconnect.
	OnReconnect func(info protocol.ServerInfo)
	// OnDisconnect fires when a registered peer's connection ends.
	OnDisconnect func(id, typ string, info protocol.ServerInfo)
}

// Options configures an Agent.
type Options struct {
	Console Console
	// BufferTTL bounds how long unanswered requests are kept for replay.
	BufferTTL time.Duration
	Logger    *zap.Logger
	// Registerer receives the agent's metrics; nil skips registration.
	Registerer prometheus.Registerer
	Events     Events
}

// Agent is the master-side peer registry and router.
type Agent struct {
	console Console
	log     *zap.Logger
	events  Events
	metrics *metrics
	reg     prometheus.Registerer

	registry *Registry
	buffer   *requestBuffer

	// sendMu orders request delivery against registration: a peer's
	// buffered replay completes before any new request reaches it.
	sendMu sync.Mutex

	mu      sync.Mutex
	state   int
	server  *mqtt.Server
	addr    string
	reqID   uint64
	calls   map[uint64]*Call
	sockets map[uint64]*socket
}

// New creates an agent for console.
func New(opts Options) *Agent {
	a := &Agent{
		console:  opts.Console,
		log:      logger.OrNop(opts.Logger),
		events:   opts.Events,
		reg:      opts.Registerer,
		registry: NewRegistry(),
		state:    stateInited,
		calls:    make(map[uint64]*Call),
		sockets:  make(map[uint64]*socket),
	}
	a.buffer = newRequestBuffer(opts.BufferTTL, a.expire)
	a.metrics = newMetrics(a.buffer.len)
	return a
}

// Listen starts the transport server on addr. It returns once the server
// is listening; the error of a failed bind is returned as is.
func (a *Agent) Listen(addr string) error {
	a.mu.Lock()
	if a.state > stateInited {
		a.mu.Unlock()
		a.log.Error("master agent has started or closed")
		return ErrStarted
	}
	a.state = stateStarted
	a.mu.Unlock()

	if err := a.metrics.register(a.reg); err != nil {
		return fmt.Errorf("master: register metrics: %w", err)
	}

	server := mqtt.NewServer(connHandler{a}, mqtt.WithServerLogger(a.log.Named("MqttServer")))
	if err := server.Listen(addr); err != nil {
		return err
	}
	bound := server.Addr().String()

	a.mu.Lock()
	if a.state >= stateClosed {
		a.mu.Unlock()
		_ = server.Close()
		return ErrClosed
	}
	a.server, a.addr = server, bound
	a.mu.Unlock()
	a.log.Info("master agent listening", logger.Addr(bound))
	return nil
}

// Addr returns the listening address, empty before Listen.
func (a *Agent) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Close stops the server and drops every connection. Pending calls fail
// with ErrClosed.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.state >= stateClosed {
		a.mu.Unlock()
		return
	}
	a.state = stateClosed
	calls := a.calls
	a.calls = make(map[uint64]*Call)
	server := a.server
	a.mu.Unlock()

	if server != nil {
		_ = server.Close()
	}
	a.buffer.flush()
	for _, call := range calls {
		call.finish(nil, ErrClosed)
	}
	a.metrics.pendingCalls.Set(0)
}

func (a *Agent) closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state > stateStarted
}

// Get returns the console value cached for moduleID.
func (a *Agent) Get(moduleID string) any { return a.console.Get(moduleID) }

// Set caches value for moduleID in the console.
func (a *Agent) Set(moduleID string, value any) { a.console.Set(moduleID, value) }

// Client returns the client record registered under clientID.
func (a *Agent) Client(clientID string) (*Record, bool) {
	return a.registry.Client(clientID)
}

// Server returns the primary record registered under serverID.
func (a *Agent) Server(serverID string) (*Record, bool) {
	return a.registry.Primary(serverID)
}

// Servers returns a snapshot of every primary monitor record.
func (a *Agent) Servers() []*Record { return a.registry.Primaries() }

// ServersByType returns a snapshot of the primaries of serverType.
func (a *Agent) ServersByType(serverType string) []*Record { return a.registry.ByType(serverType) }

// Slaves returns a snapshot of the slave records of serverID.
func (a *Agent) Slaves(serverID string) []*Record { return a.registry.Slaves(serverID) }

// doAuthUser authenticates a client register frame. Every rejection is
// answered with a failure-coded register response; tearing the socket
// down is the caller's job.
func (a *Agent) doAuthUser(ctx context.Context, req *protocol.RegisterRequest, conn Sender) error {
	reject := func(reason string) error {
		a.metrics.authFailures.WithLabelValues(protocol.TypeClient).Inc()
		_ = conn.Send(protocol.TopicRegister, protocol.FailResponse(reason))
		return fmt.Errorf("%w: %s", ErrAuthFailed, reason)
	}

	if req.ID == "" {
		return reject("client should have a client id")
	}
	if req.Username == "" {
		return reject("client should auth with username")
	}

	user, err := a.console.AuthUser(ctx, req)
	if err != nil || user == nil {
		if err != nil {
			a.log.Warn("auth user failed", zap.String("username", req.Username), zap.Error(err))
		}
		return reject("client auth failed with username or password error")
	}

	rec := &Record{ID: req.ID, Type: protocol.TypeClient, User: user, Conn: conn}
	if !a.registry.AddClient(rec) {
		return reject("id has been registered. id:" + req.ID)
	}
	a.updatePeers()
	a.log.Info("client user login to master", zap.String("username", req.Username), zap.String("client_id", req.ID))
	_ = conn.Send(protocol.TopicRegister, protocol.OKResponse())
	return nil
}

// doAuthServer authenticates a monitor register frame. On success the
// record is inserted, the success ack sent and then admitted runs, all
// before any other request can reach the peer.
func (a *Agent) doAuthServer(ctx context.Context, req *protocol.RegisterRequest, conn Sender, admitted func()) error {
	if err := a.console.AuthServer(ctx, req); err != nil {
		a.metrics.authFailures.WithLabelValues(protocol.TypeMonitor).Inc()
		a.log.Warn("server auth failed", logger.ServerID(req.ID), zap.Error(err))
		_ = conn.Send(protocol.TopicRegister, protocol.FailResponse("server auth failed"))
		return fmt.Errorf("%w: server auth failed", ErrAuthFailed)
	}

	info := serverInfoOf(req)
	a.admit(&Record{ID: req.ID, Type: req.ServerType, PID: req.PID, Info: info, Conn: conn}, func() {
		_ = conn.Send(protocol.TopicRegister, protocol.OKResponse())
		if admitted != nil {
			admitted()
		}
	})
	if a.events.OnRegister != nil {
		a.events.OnRegister(info)
	}
	return nil
}

// admit inserts rec and runs then while holding the delivery lock.
func (a *Agent) admit(rec *Record, then func()) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	primary := a.registry.Add(rec)
	a.updatePeers()
	a.log.Info("server registered", logger.ServerID(rec.ID), logger.ServerType(rec.Type), zap.Bool("primary", primary))
	then()
}

func (a *Agent) removeConnection(id, typ string, info protocol.ServerInfo) {
	if a.registry.Remove(id, typ, info) {
		a.updatePeers()
	}
}

func (a *Agent) updatePeers() {
	a.metrics.setPeers(a.registry.Counts())
}

func (a *Agent) addSocket(s *socket) {
	a.mu.Lock()
	a.sockets[s.conn.ID()] = s
	a.mu.Unlock()
}

func (a *Agent) dropSocket(s *socket) {
	a.mu.Lock()
	delete(a.sockets, s.conn.ID())
	a.mu.Unlock()
}

func serverInfoOf(req *protocol.RegisterRequest) protocol.ServerInfo {
	var info protocol.ServerInfo
	if req.Info != nil {
		info = *req.Info
	}
	if info.ID == "" {
		info.ID = req.ID
	}
	if info.ServerType == "" {
		info.ServerType = req.ServerType
	}
	info.PID = req.PID
	return info
}

// connHandler adapts the agent to the transport server.
type connHandler struct{ agent *Agent }

func (h connHandler) HandleConn(c *mqtt.Conn) mqtt.ConnHandler {
	s := newSocket(h.agent, c)
	h.agent.addSocket(s)
	return s
}
