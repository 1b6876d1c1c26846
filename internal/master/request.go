package master

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"cloud-admin/internal/logger"
	"cloud-admin/internal/protocol"
)

// Call is an in-flight request to a monitor. Done receives the call once
// the response arrives, the buffered request expires or the agent closes.
type Call struct {
	ServerID string
	ModuleID string
	ReqID    uint64
	Reply    json.RawMessage
	Error    error
	Done     chan *Call

	once sync.Once
}

func (c *Call) finish(reply json.RawMessage, err error) {
	c.once.Do(func() {
		c.Reply = reply
		c.Error = err
		c.Done <- c
	})
}

// Go sends a request to the primary monitor of serverID and returns the
// pending call. The request stays buffered until answered so it is
// replayed when the monitor registers again.
//
// A request for an id that is not registered fails with ErrUnknownServer
// but is still buffered: it reaches the monitor once it registers, and
// its answer is dropped.
func (a *Agent) Go(serverID, moduleID string, msg any) (*Call, error) {
	if a.closed() {
		return nil, ErrClosed
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	reqID := a.nextReqID()
	a.buffer.put(serverID, reqID, moduleID, msg)

	rec, ok := a.registry.Primary(serverID)
	if !ok {
		a.log.Warn("request for unknown server id, buffered for replay",
			logger.ServerID(serverID), logger.ReqID(reqID))
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	call := a.track(serverID, moduleID, reqID)
	a.sendRequest(rec.Conn, reqID, moduleID, msg)
	return call, nil
}

// Request sends a request to the primary monitor of serverID and waits
// for its response.
func (a *Agent) Request(ctx context.Context, serverID, moduleID string, msg any) (json.RawMessage, error) {
	call, err := a.Go(serverID, moduleID, msg)
	if err != nil {
		return nil, err
	}
	return a.wait(ctx, call)
}

// RequestServer sends a request to the process of serverID whose info
// matches, primary or slave, and waits for its response. Requests to a
// particular process are not buffered for replay.
func (a *Agent) RequestServer(ctx context.Context, serverID string, info protocol.ServerInfo, moduleID string, msg any) (json.RawMessage, error) {
	if a.closed() {
		return nil, ErrClosed
	}

	a.sendMu.Lock()
	rec, ok := a.registry.Find(serverID, info)
	if !ok {
		a.sendMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	reqID := a.nextReqID()
	call := a.track(serverID, moduleID, reqID)
	a.sendRequest(rec.Conn, reqID, moduleID, msg)
	a.sendMu.Unlock()

	return a.wait(ctx, call)
}

func (a *Agent) wait(ctx context.Context, call *Call) (json.RawMessage, error) {
	select {
	case <-call.Done:
		return call.Reply, call.Error
	case <-ctx.Done():
		a.forget(call.ServerID, call.ReqID)
		return nil, ctx.Err()
	}
}

func (a *Agent) nextReqID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqID++
	return a.reqID
}

func (a *Agent) track(serverID, moduleID string, reqID uint64) *Call {
	call := &Call{ServerID: serverID, ModuleID: moduleID, ReqID: reqID, Done: make(chan *Call, 1)}
	a.mu.Lock()
	a.calls[reqID] = call
	n := len(a.calls)
	a.mu.Unlock()
	a.metrics.pendingCalls.Set(float64(n))
	return call
}

func (a *Agent) untrack(reqID uint64) *Call {
	a.mu.Lock()
	call := a.calls[reqID]
	delete(a.calls, reqID)
	n := len(a.calls)
	a.mu.Unlock()
	a.metrics.pendingCalls.Set(float64(n))
	return call
}

// resolve completes the call answered by resp. The call is untracked
// before its buffer entry goes so the eviction hook finds nothing to fail.
func (a *Agent) resolve(serverID string, resp *protocol.Message) {
	call := a.untrack(resp.RespID)
	a.buffer.remove(serverID, resp.RespID)
	if call == nil {
		a.log.Warn("unknown resp id", logger.ServerID(serverID), logger.ReqID(resp.RespID))
		return
	}
	call.finish(resp.Body, resp.Err())
}

// expire is the buffer eviction hook.
func (a *Agent) expire(serverID string, reqID uint64) {
	call := a.untrack(reqID)
	if call == nil {
		return
	}
	a.log.Warn("request expired without a response", logger.ServerID(serverID), logger.ReqID(reqID))
	call.finish(nil, fmt.Errorf("%w: server %s req %d", ErrRequestExpired, serverID, reqID))
}

func (a *Agent) forget(serverID string, reqID uint64) {
	a.untrack(reqID)
	a.buffer.remove(serverID, reqID)
}

// repush replays the buffered requests of serverID to conn in reqId
// order. Callers hold sendMu.
func (a *Agent) repush(serverID string, conn Sender) {
	pending := a.buffer.forServer(serverID)
	if len(pending) == 0 {
		return
	}
	a.log.Debug("repush buffered requests", logger.ServerID(serverID), zap.Int("count", len(pending)))
	for _, req := range pending {
		a.sendRequest(conn, req.ReqID, req.ModuleID, req.Msg)
	}
}

func (a *Agent) sendRequest(conn Sender, reqID uint64, moduleID string, msg any) {
	frame, err := protocol.ComposeRequest(reqID, moduleID, msg)
	if err != nil {
		a.log.Error("compose request failed", logger.ModuleID(moduleID), zap.Error(err))
		return
	}
	if err := conn.Send(protocol.TopicMonitor, frame); err != nil {
		a.log.Warn("send to monitor failed", logger.ReqID(reqID), zap.Error(err))
	}
}

// NotifyByID sends a notify to the primary monitor of serverID.
func (a *Agent) NotifyByID(serverID, moduleID string, msg any) error {
	if a.closed() {
		return ErrClosed
	}
	rec, ok := a.registry.Primary(serverID)
	if !ok {
		a.log.Error("fail to notifyById for unknown server id", logger.ServerID(serverID))
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	return a.broadcast([]*Record{rec}, moduleID, msg)
}

// NotifyByServer sends a notify to the process of serverID whose info
// matches.
func (a *Agent) NotifyByServer(serverID string, info protocol.ServerInfo, moduleID string, msg any) error {
	if a.closed() {
		return ErrClosed
	}
	rec, ok := a.registry.Find(serverID, info)
	if !ok {
		a.log.Error("fail to notifyByServer for unknown server id", logger.ServerID(serverID))
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	return a.broadcast([]*Record{rec}, moduleID, msg)
}

// NotifySlavesByID sends a notify to every slave of serverID.
func (a *Agent) NotifySlavesByID(serverID, moduleID string, msg any) error {
	if a.closed() {
		return ErrClosed
	}
	slaves := a.registry.Slaves(serverID)
	if len(slaves) == 0 {
		a.log.Error("fail to notifySlavesById for unknown server id", logger.ServerID(serverID))
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	return a.broadcast(slaves, moduleID, msg)
}

// NotifyByType sends a notify to every primary of serverType.
func (a *Agent) NotifyByType(serverType, moduleID string, msg any) error {
	if a.closed() {
		return ErrClosed
	}
	list := a.registry.ByType(serverType)
	if len(list) == 0 {
		a.log.Error("fail to notifyByType for unknown server type", logger.ServerType(serverType))
		return fmt.Errorf("%w: %s", ErrUnknownType, serverType)
	}
	return a.broadcast(list, moduleID, msg)
}

// NotifyAll sends a notify to every primary monitor.
func (a *Agent) NotifyAll(moduleID string, msg any) error {
	if a.closed() {
		return ErrClosed
	}
	return a.broadcast(a.registry.Primaries(), moduleID, msg)
}

// NotifyClient sends a notify to the admin client clientID.
func (a *Agent) NotifyClient(clientID, moduleID string, msg any) error {
	if a.closed() {
		return ErrClosed
	}
	rec, ok := a.registry.Client(clientID)
	if !ok {
		a.log.Error("fail to notifyClient for unknown client id", zap.String("client_id", clientID))
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	frame, err := protocol.ComposeRequest(0, moduleID, msg)
	if err != nil {
		return err
	}
	return rec.Conn.Send(protocol.TopicClient, frame)
}

// NotifyCommand broadcasts a command to every primary monitor.
func (a *Agent) NotifyCommand(command, moduleID string, msg any) error {
	if a.closed() {
		return ErrClosed
	}
	frame, err := protocol.ComposeCommand(0, command, moduleID, msg)
	if err != nil {
		return err
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	for _, rec := range a.registry.Primaries() {
		if err := rec.Conn.Send(protocol.TopicMonitor, frame); err != nil {
			a.log.Warn("send command failed", logger.ServerID(rec.ID), zap.Error(err))
		}
	}
	return nil
}

// broadcast sends one notify frame to every record. Send failures on
// individual peers are logged; the peer's disconnect handles the rest.
func (a *Agent) broadcast(records []*Record, moduleID string, msg any) error {
	frame, err := protocol.ComposeRequest(0, moduleID, msg)
	if err != nil {
		return err
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	for _, rec := range records {
		if err := rec.Conn.Send(protocol.TopicMonitor, frame); err != nil {
			a.log.Warn("notify monitor failed", logger.ServerID(rec.ID), zap.Error(err))
		}
	}
	return nil
}
