package console

import (
	"cloud-admin/internal/master"
	"cloud-admin/internal/monitor"
)

// Agent is the role-independent view of the agent a Service owns. Role
// specific operations are reached through Master or Monitor.
type Agent interface {
	Role() Role
	Master() (*master.Agent, bool)
	Monitor() (*monitor.Agent, bool)
	// Notify sends a notify for moduleID: to every monitor from the
	// master, to the master from a monitor.
	Notify(moduleID string, msg any) error
	Get(moduleID string) any
	Set(moduleID string, value any)
	Close()
}

type masterVariant struct{ *master.Agent }

func (masterVariant) Role() Role                              { return RoleMaster }
func (v masterVariant) Master() (*master.Agent, bool)         { return v.Agent, true }
func (masterVariant) Monitor() (*monitor.Agent, bool)         { return nil, false }
func (v masterVariant) Notify(moduleID string, msg any) error { return v.NotifyAll(moduleID, msg) }

type monitorVariant struct{ *monitor.Agent }

func (monitorVariant) Role() Role                        { return RoleMonitor }
func (monitorVariant) Master() (*master.Agent, bool)     { return nil, false }
func (v monitorVariant) Monitor() (*monitor.Agent, bool) { return v.Agent, true }
