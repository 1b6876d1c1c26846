package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"cloud-admin/internal/console"
	"cloud-admin/internal/master"
	"cloud-admin/internal/monitor"
)

// ServerInfoModuleID is the id of the server info module.
const ServerInfoModuleID = "serverInfo"

const (
	defaultInfoInterval = 5 * 60 // in seconds
	defaultInfoDelay    = 10     // in seconds
)

// ProcessInfo is what a monitor reports about its process.
type ProcessInfo struct {
	ServerID   string  `json:"serverId"`
	ServerType string  `json:"serverType"`
	PID        int     `json:"pid"`
	Uptime     float64 `json:"uptime"` // in seconds
	Goroutines int     `json:"goroutines"`
	HeapAlloc  uint64  `json:"heapAlloc"`
	Time       int64   `json:"time"` // unix milliseconds
}

// infoReport is the notify a monitor sends back to the master.
type infoReport struct {
	ServerID string      `json:"serverId"`
	Body     ProcessInfo `json:"body"`
}

// ServerInfo is a pull module: on every tick the master asks each monitor
// for its process info and caches the reports, by server id, in the
// console value of the module. Clients read the cache.
type ServerInfo struct {
	// Type is "pull" unless set; Interval and Delay are in seconds.
	Type     string
	Interval float64
	Delay    float64
	// Now defaults to time.Now.
	Now func() time.Time

	startOnce sync.Once
	started   time.Time
	mu        sync.Mutex
}

// NewServerInfo returns the module with its default timing.
func NewServerInfo() *ServerInfo {
	return &ServerInfo{Type: "pull", Interval: defaultInfoInterval, Delay: defaultInfoDelay}
}

// ModuleID implements console.Identified.
func (*ServerInfo) ModuleID() string { return ServerInfoModuleID }

// Schedule implements console.Scheduled.
func (m *ServerInfo) Schedule() console.ScheduleSpec {
	typ := m.Type
	if typ == "" {
		typ = "pull"
	}
	return console.ScheduleSpec{Type: typ, Interval: m.Interval, Delay: m.Delay}
}

func (m *ServerInfo) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// HandleMonitor reports this process and pushes the report to the master.
func (m *ServerInfo) HandleMonitor(_ context.Context, agent *monitor.Agent, _ json.RawMessage) (any, error) {
	m.startOnce.Do(func() { m.started = m.now() })

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	now := m.now()
	info := ProcessInfo{
		ServerID:   agent.ID(),
		ServerType: agent.ServerType(),
		PID:        os.Getpid(),
		Uptime:     now.Sub(m.started).Seconds(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		Time:       now.UnixMilli(),
	}
	if err := agent.Notify(ServerInfoModuleID, infoReport{ServerID: info.ServerID, Body: info}); err != nil {
		return nil, err
	}
	return info, nil
}

// HandleMaster polls every monitor on a tick (nil msg) and records the
// reports monitors send back.
func (m *ServerInfo) HandleMaster(_ context.Context, agent *master.Agent, msg json.RawMessage) (any, error) {
	if len(msg) == 0 {
		return nil, agent.NotifyAll(ServerInfoModuleID, nil)
	}

	var report infoReport
	if err := json.Unmarshal(msg, &report); err != nil {
		return nil, fmt.Errorf("modules: bad server info report: %w", err)
	}
	if report.ServerID == "" {
		return nil, errors.New("modules: server info report without serverId")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cached, _ := agent.Get(ServerInfoModuleID).(map[string]ProcessInfo)
	next := make(map[string]ProcessInfo, len(cached)+1)
	for id, info := range cached {
		next[id] = info
	}
	next[report.ServerID] = report.Body
	agent.Set(ServerInfoModuleID, next)
	return nil, nil
}

// HandleClient returns the cached reports.
func (m *ServerInfo) HandleClient(_ context.Context, agent *master.Agent, _ json.RawMessage) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cached, _ := agent.Get(ServerInfoModuleID).(map[string]ProcessInfo)
	if cached == nil {
		cached = map[string]ProcessInfo{}
	}
	return cached, nil
}

var (
	_ console.MonitorHandler = (*ServerInfo)(nil)
	_ console.MasterHandler  = (*ServerInfo)(nil)
	_ console.ClientHandler  = (*ServerInfo)(nil)
	_ console.Scheduled      = (*ServerInfo)(nil)
)
