package console

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"cloud-admin/internal/master"
	"cloud-admin/internal/monitor"
	"cloud-admin/internal/schedule"
)

// Module is an admin feature. It implements any of MonitorHandler,
// MasterHandler and ClientHandler, and optionally Identified and
// Scheduled.
type Module any

// MonitorHandler serves messages on the monitor side. msg is nil for
// scheduled pushes.
type MonitorHandler interface {
	HandleMonitor(ctx context.Context, agent *monitor.Agent, msg json.RawMessage) (any, error)
}

// MasterHandler serves monitor messages on the master side. msg is nil
// for scheduled pulls.
type MasterHandler interface {
	HandleMaster(ctx context.Context, agent *master.Agent, msg json.RawMessage) (any, error)
}

// ClientHandler serves admin client messages on the master side.
type ClientHandler interface {
	HandleClient(ctx context.Context, agent *master.Agent, msg json.RawMessage) (any, error)
}

// Identified modules carry their own module id.
type Identified interface {
	ModuleID() string
}

// ScheduleSpec is a module's timer declaration. Type "push" runs on the
// monitor, anything else (pull) on the master. Times are in seconds.
type ScheduleSpec struct {
	Type     string
	Interval float64
	Delay    float64
}

// Scheduled modules run their role's handler on a timer.
type Scheduled interface {
	Schedule() ScheduleSpec
}

// TypePush marks a module scheduled on the monitor side.
const TypePush = "push"

type moduleRecord struct {
	id       string
	module   Module
	enabled  bool
	schedule bool
	delay    time.Duration
	interval time.Duration
	jobID    schedule.JobID
}

// newRecord normalizes the module's scheduling metadata for role. Only a
// push module on a monitor or a pull module on a master is scheduled.
func newRecord(role Role, id string, m Module) *moduleRecord {
	rec := &moduleRecord{id: id, module: m}
	sm, ok := m.(Scheduled)
	if !ok {
		return rec
	}
	spec := sm.Schedule()
	if spec.Type == "" || spec.Interval == 0 {
		return rec
	}
	push := spec.Type == TypePush
	if (role == RoleMonitor && !push) || (role == RoleMaster && push) {
		return rec
	}

	delay := spec.Delay
	if delay < 0 {
		delay = 0
	}
	interval := math.Ceil(spec.Interval)
	if interval < 1 {
		interval = 1
	}
	rec.schedule = true
	rec.delay = time.Duration(delay * float64(time.Second))
	rec.interval = time.Duration(interval) * time.Second
	return rec
}
