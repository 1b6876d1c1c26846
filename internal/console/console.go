// Package console is the facade tying admin modules to the transport. A
// Service owns exactly one agent, master or monitor, plus the module
// registry, the module value cache and the timers of scheduled modules.
package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"cloud-admin/internal/clock"
	"cloud-admin/internal/logger"
	"cloud-admin/internal/master"
	"cloud-admin/internal/monitor"
	"cloud-admin/internal/mqtt"
	"cloud-admin/internal/protocol"
	"cloud-admin/internal/schedule"
)

// Role says which agent a Service owns.
type Role int

const (
	RoleMaster Role = iota + 1
	RoleMonitor
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleMonitor:
		return "monitor"
	default:
		return "unknown"
	}
}

// ErrStarted is returned by Start on a service that already started.
var ErrStarted = errors.New("console: service already started")

// AuthUserFunc authenticates an admin client. A nil user rejects it.
type AuthUserFunc func(ctx context.Context, req *protocol.RegisterRequest, env string) (*protocol.User, error)

// AuthServerFunc authenticates a monitor on the master. A non-nil error
// rejects it.
type AuthServerFunc func(ctx context.Context, req *protocol.RegisterRequest, env string) error

// ServerTokenFunc produces the token a monitor attaches to its register
// and reconnect frames.
type ServerTokenFunc func(ctx context.Context, req *protocol.RegisterRequest, env string) (string, error)

// Events re-exports agent lifecycle events and carries the audit log.
// Nil hooks are skipped.
type Events struct {
	OnRegister   func(info protocol.ServerInfo)
	OnReconnect  func(info protocol.ServerInfo)
	OnDisconnect func(id, typ string, info protocol.ServerInfo)
	// OnClose and OnError fire on the monitor role only.
	OnClose    func()
	OnError    func(err error)
	OnAdminLog func(entry AuditLog)
}

// MasterOptions configures a master-role Service.
type MasterOptions struct {
	// Addr is the listen address, e.g. ":3005".
	Addr       string
	Env        string
	AuthUser   AuthUserFunc
	AuthServer AuthServerFunc
	BufferTTL  time.Duration
	Registerer prometheus.Registerer
	Clock      clock.Clock
	Logger     *zap.Logger
	Events     Events
}

// MonitorOptions configures a monitor-role Service.
type MonitorOptions struct {
	ID         string
	ServerType string
	// MasterAddr is the master's address, e.g. "127.0.0.1:3005".
	MasterAddr  string
	Info        protocol.ServerInfo
	Env         string
	ServerToken ServerTokenFunc
	Transport   mqtt.Options
	Clock       clock.Clock
	Logger      *zap.Logger
	Events      Events
}

// Service is the console service.
type Service struct {
	role   Role
	addr   string
	env    string
	log    *zap.Logger
	events Events
	sched  *schedule.Scheduler

	authUser    AuthUserFunc
	authServer  AuthServerFunc
	serverToken ServerTokenFunc

	agent   Agent
	master  *master.Agent
	monitor *monitor.Agent

	mu      sync.RWMutex
	modules map[string]*moduleRecord
	values  map[string]any
	started bool
}

// NewMaster creates a master-role service.
func NewMaster(opts MasterOptions) *Service {
	s := newService(RoleMaster, opts.Addr, opts.Env, opts.Clock, opts.Logger, opts.Events)
	s.authUser = opts.AuthUser
	if s.authUser == nil {
		s.authUser = rejectUsers
	}
	s.authServer = opts.AuthServer
	if s.authServer == nil {
		s.authServer = acceptServers
	}

	ev := opts.Events
	s.master = master.New(master.Options{
		Console:    s,
		BufferTTL:  opts.BufferTTL,
		Logger:     s.log.Named("MasterAgent"),
		Registerer: opts.Registerer,
		Events: master.Events{
			OnRegister:   ev.OnRegister,
			OnReconnect:  ev.OnReconnect,
			OnDisconnect: ev.OnDisconnect,
		},
	})
	s.agent = masterVariant{s.master}
	return s
}

// NewMonitor creates a monitor-role service.
func NewMonitor(opts MonitorOptions) *Service {
	s := newService(RoleMonitor, opts.MasterAddr, opts.Env, opts.Clock, opts.Logger, opts.Events)
	s.serverToken = opts.ServerToken
	if s.serverToken == nil {
		s.serverToken = emptyToken
	}

	transport := opts.Transport
	if transport.Clock == nil {
		transport.Clock = opts.Clock
	}
	s.monitor = monitor.New(s, monitor.Options{
		ID:         opts.ID,
		ServerType: opts.ServerType,
		Info:       opts.Info,
		Transport:  transport,
		Logger:     s.log,
		Events: monitor.Events{
			OnClose: opts.Events.OnClose,
			OnError: opts.Events.OnError,
		},
	})
	s.agent = monitorVariant{s.monitor}
	return s
}

func newService(role Role, addr, env string, c clock.Clock, l *zap.Logger, ev Events) *Service {
	return &Service{
		role:    role,
		addr:    addr,
		env:     env,
		log:     logger.OrNop(l).Named("ConsoleService"),
		events:  ev,
		sched:   schedule.New(c),
		modules: make(map[string]*moduleRecord),
		values:  make(map[string]any),
	}
}

// Role returns the service's role.
func (s *Service) Role() Role { return s.role }

// Agent returns the owned agent.
func (s *Service) Agent() Agent { return s.agent }

// Env returns the environment name handed to the auth callbacks.
func (s *Service) Env() string { return s.env }

// Start listens (master) or connects and registers (monitor), then
// enables every registered module.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	s.mu.Unlock()

	switch s.role {
	case RoleMaster:
		if err := s.master.Listen(s.addr); err != nil {
			return fmt.Errorf("console: master listen %s: %w", s.addr, err)
		}
	case RoleMonitor:
		s.log.Info("try to connect master", logger.ServerType(s.monitor.ServerType()), logger.Addr(s.addr))
		if err := s.monitor.Connect(ctx, s.addr); err != nil {
			return fmt.Errorf("console: connect master %s: %w", s.addr, err)
		}
	}

	for _, id := range s.moduleIDs() {
		s.Enable(id)
	}
	return nil
}

// Stop disables every module, cancelling its timer, and closes the agent.
func (s *Service) Stop() {
	for _, id := range s.moduleIDs() {
		s.Disable(id)
	}
	s.sched.Stop()
	s.agent.Close()
}

// Register adds m under moduleID, replacing any module registered under
// that id. An empty moduleID takes the module's own id.
func (s *Service) Register(moduleID string, m Module) error {
	if moduleID == "" {
		if im, ok := m.(Identified); ok {
			moduleID = im.ModuleID()
		}
	}
	if moduleID == "" {
		return ErrEmptyModuleID
	}

	rec := newRecord(s.role, moduleID, m)
	s.mu.Lock()
	old := s.modules[moduleID]
	s.modules[moduleID] = rec
	s.mu.Unlock()

	if old != nil && old.jobID != 0 {
		s.sched.Cancel(old.jobID)
	}
	return nil
}

// Enable turns a module on and arms its timer. It reports whether the
// module changed state.
func (s *Service) Enable(moduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.modules[moduleID]
	if !ok || rec.enabled {
		return false
	}
	rec.enabled = true
	if rec.schedule {
		rec.jobID = s.sched.Schedule(rec.delay, rec.interval, func() { s.runScheduled(rec) })
	}
	return true
}

// Disable turns a module off and cancels its timer. It reports whether
// the module changed state.
func (s *Service) Disable(moduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.modules[moduleID]
	if !ok || !rec.enabled {
		return false
	}
	rec.enabled = false
	if rec.jobID != 0 {
		s.sched.Cancel(rec.jobID)
		rec.jobID = 0
	}
	return true
}

// Enabled reports whether moduleID is registered and enabled.
func (s *Service) Enabled(moduleID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.modules[moduleID]
	return ok && rec.enabled
}

// Get returns the value cached for moduleID.
func (s *Service) Get(moduleID string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[moduleID]
}

// Set caches value for moduleID.
func (s *Service) Set(moduleID string, value any) {
	s.mu.Lock()
	s.values[moduleID] = value
	s.mu.Unlock()
}

// AuthUser runs the client auth callback.
func (s *Service) AuthUser(ctx context.Context, req *protocol.RegisterRequest) (*protocol.User, error) {
	return s.authUser(ctx, req, s.env)
}

// AuthServer runs the monitor auth callback.
func (s *Service) AuthServer(ctx context.Context, req *protocol.RegisterRequest) error {
	return s.authServer(ctx, req, s.env)
}

// ServerToken runs the monitor token callback.
func (s *Service) ServerToken(ctx context.Context, req *protocol.RegisterRequest) (string, error) {
	return s.serverToken(ctx, req, s.env)
}

func (s *Service) moduleIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.modules))
	for id := range s.modules {
		ids = append(ids, id)
	}
	return ids
}

// runScheduled is a timer tick: the role's handler runs with a nil
// message and its result is dropped.
func (s *Service) runScheduled(rec *moduleRecord) {
	s.mu.RLock()
	live := s.modules[rec.id] == rec && rec.enabled
	s.mu.RUnlock()
	if !live {
		return
	}

	method := protocol.MethodMaster
	if s.role == RoleMonitor {
		method = protocol.MethodMonitor
	}
	if _, err := s.invoke(context.Background(), rec, method, nil); err != nil {
		s.log.Warn("scheduled run failed", logger.ModuleID(rec.id), zap.Error(err))
	}
}

func rejectUsers(context.Context, *protocol.RegisterRequest, string) (*protocol.User, error) {
	return nil, errors.New("console: no user auth configured")
}

func acceptServers(context.Context, *protocol.RegisterRequest, string) error { return nil }

func emptyToken(context.Context, *protocol.RegisterRequest, string) (string, error) { return "", nil }

var (
	_ master.Console  = (*Service)(nil)
	_ monitor.Console = (*Service)(nil)
)
