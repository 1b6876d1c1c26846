package master

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"cloud-admin/internal/logger"
	"cloud-admin/internal/mqtt"
	"cloud-admin/internal/protocol"
	"cloud-admin/internal/serial"
)

// socket is the master-side state of one peer connection. Register,
// reconnect and response frames are handled on the transport's read
// goroutine; requests, notifies and commands go to a serial worker so a
// handler waiting on a response never blocks the frame carrying it.
type socket struct {
	agent *Agent
	conn  *mqtt.Conn
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	work   *serial.Queue

	mu         sync.Mutex
	id         string
	typ        string
	info       protocol.ServerInfo
	username   string
	registered bool
	closed     bool
}

func newSocket(a *Agent, c *mqtt.Conn) *socket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &socket{
		agent:  a,
		conn:   c,
		log:    a.log.Named("MasterSocket").With(logger.ConnID(c.ID())),
		ctx:    ctx,
		cancel: cancel,
		work:   serial.New(),
	}
	go s.work.Run()
	return s
}

// HandleMessage routes one inbound frame by topic.
func (s *socket) HandleMessage(topic string, payload []byte) {
	s.agent.metrics.frames.WithLabelValues(topic).Inc()
	switch topic {
	case protocol.TopicRegister:
		s.onRegister(payload)
	case protocol.TopicMonitor:
		s.onMonitor(payload)
	case protocol.TopicClient:
		s.onClient(payload)
	case protocol.TopicReconnect:
		s.onReconnect(payload)
	default:
		s.log.Warn("frame on unknown topic", logger.Topic(topic))
	}
}

// HandleClose is the transport's close notification.
func (s *socket) HandleClose(err error) {
	if err != nil && !errors.Is(err, mqtt.ErrConnClosed) {
		s.log.Debug("connection closed", zap.Error(err))
	}
	s.onDisconnect()
}

func (s *socket) state() (id, typ string, info protocol.ServerInfo, registered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.typ, s.info, s.registered
}

func (s *socket) onRegister(payload []byte) {
	var req protocol.RegisterRequest
	if err := protocol.Decode(payload, &req); err != nil {
		s.log.Warn("bad register frame", zap.Error(err))
		return
	}
	if req.Type == "" {
		return
	}
	if _, _, _, registered := s.state(); registered {
		s.log.Warn("register on a registered connection ignored", zap.String("id", req.ID))
		return
	}

	switch req.Type {
	case protocol.TypeClient:
		s.mu.Lock()
		s.id, s.typ = req.ID, protocol.TypeClient
		s.mu.Unlock()
		if err := s.agent.doAuthUser(s.ctx, &req, s.conn); err != nil {
			s.log.Info("client register rejected", zap.Error(err))
			s.conn.Disconnect()
			return
		}
		s.mu.Lock()
		s.username = req.Username
		s.registered = true
		s.mu.Unlock()

	case protocol.TypeMonitor:
		if req.ID == "" {
			return
		}
		info := serverInfoOf(&req)
		s.mu.Lock()
		s.id, s.typ, s.info = req.ID, req.ServerType, info
		s.mu.Unlock()
		err := s.agent.doAuthServer(s.ctx, &req, s.conn, func() {
			s.mu.Lock()
			s.registered = true
			s.mu.Unlock()
			s.agent.repush(req.ID, s.conn)
		})
		if err != nil {
			s.log.Info("monitor register rejected", logger.ServerID(req.ID), zap.Error(err))
			s.conn.Disconnect()
		}

	default:
		_ = s.conn.Send(protocol.TopicRegister, protocol.FailResponse("unknown auth master type"))
		s.conn.Disconnect()
	}
}

func (s *socket) onMonitor(payload []byte) {
	id, typ, _, registered := s.state()
	if !registered {
		// frames before register kick the connection
		s.conn.Disconnect()
		return
	}
	if typ == protocol.TypeClient {
		s.log.Error("invalid message from monitor, but current connect type is client")
		return
	}

	msg, err := protocol.Parse(payload)
	if err != nil {
		s.log.Warn("bad monitor frame", logger.ServerID(id), zap.Error(err))
		return
	}
	if msg.IsResponse() {
		s.agent.resolve(id, msg)
		return
	}

	s.work.Push(func() {
		res, err := s.agent.console.Execute(s.ctx, msg.ModuleID, protocol.MethodMaster, msg.Body)
		s.reply(protocol.TopicMonitor, msg, res, err)
	})
}

func (s *socket) onClient(payload []byte) {
	_, typ, _, registered := s.state()
	if !registered {
		s.conn.Disconnect()
		return
	}
	if typ != protocol.TypeClient {
		s.log.Error("invalid message to client, but current connect type is " + typ)
		return
	}

	msg, err := protocol.Parse(payload)
	if err != nil {
		s.log.Warn("bad client frame", zap.Error(err))
		return
	}

	// the master never requests anything from a client, so no response path
	s.work.Push(func() {
		var (
			res any
			err error
		)
		if msg.Command != "" {
			res, err = s.agent.console.Command(s.ctx, msg.Command, msg.ModuleID, msg.Body)
		} else {
			res, err = s.agent.console.Execute(s.ctx, msg.ModuleID, protocol.MethodClient, msg.Body)
		}
		s.reply(protocol.TopicClient, msg, res, err)
	})
}

func (s *socket) reply(topic string, req *protocol.Message, res any, err error) {
	resp, cerr := protocol.ComposeResponse(req, err, res)
	if cerr != nil {
		s.log.Error("compose response failed", logger.ModuleID(req.ModuleID), zap.Error(cerr))
		return
	}
	if resp == nil {
		return
	}
	if serr := s.conn.Send(topic, resp); serr != nil {
		s.log.Debug("send response failed", logger.ReqID(req.ReqID), zap.Error(serr))
	}
}

func (s *socket) onReconnect(payload []byte) {
	var req protocol.RegisterRequest
	if err := protocol.Decode(payload, &req); err != nil {
		s.log.Warn("bad reconnect frame", zap.Error(err))
		return
	}
	if req.Type == "" || req.ID == "" {
		return
	}
	if _, _, _, registered := s.state(); registered {
		s.log.Warn("reconnect on a registered connection ignored", zap.String("id", req.ID))
		return
	}

	if _, exists := s.agent.registry.Primary(req.ID); exists {
		_ = s.conn.Send(protocol.TopicReconnectOK, protocol.FailResponse("id has been registered. id:"+req.ID))
		return
	}
	if err := s.agent.console.AuthServer(s.ctx, &req); err != nil {
		s.agent.metrics.authFailures.WithLabelValues(protocol.TypeMonitor).Inc()
		s.log.Warn("reconnect auth failed", logger.ServerID(req.ID), zap.Error(err))
		_ = s.conn.Send(protocol.TopicReconnectOK, protocol.FailResponse("server auth failed"))
		s.conn.Disconnect()
		return
	}

	info := serverInfoOf(&req)
	s.agent.admit(&Record{ID: req.ID, Type: req.ServerType, PID: req.PID, Info: info, Conn: s.conn}, func() {
		s.mu.Lock()
		s.id, s.typ, s.info = req.ID, req.ServerType, info
		s.registered = true
		s.mu.Unlock()
		_ = s.conn.Send(protocol.TopicReconnectOK, protocol.OKResponse())
		s.agent.repush(req.ID, s.conn)
	})
	if s.agent.events.OnReconnect != nil {
		s.agent.events.OnReconnect(info)
	}
}

func (s *socket) onDisconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	id, typ, info, registered, username := s.id, s.typ, s.info, s.registered, s.username
	s.registered = false
	s.mu.Unlock()

	s.agent.dropSocket(s)
	s.cancel()
	s.work.Stop()

	if !registered {
		return
	}
	s.log.Debug("disconnect", zap.String("id", id), zap.String("type", typ), zap.Any("info", info))
	s.agent.removeConnection(id, typ, info)
	if s.agent.events.OnDisconnect != nil {
		s.agent.events.OnDisconnect(id, typ, info)
	}
	if typ == protocol.TypeClient {
		s.log.Info("client user exit", zap.String("username", username))
	}
}

var _ mqtt.ConnHandler = (*socket)(nil)
