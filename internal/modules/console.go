// Package modules holds the built-in admin modules.
package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"cloud-admin/internal/console"
	"cloud-admin/internal/master"
	"cloud-admin/internal/monitor"
)

// Console signals.
const (
	SignalList = "list"
	SignalStop = "stop"
	SignalAdd  = "add"
	SignalKill = "kill"
)

// ErrNoSignalHandler is returned for stop, add and kill when the embedder
// installed no handler.
var ErrNoSignalHandler = errors.New("modules: no handler for console signal")

// SignalRequest is the body of a console module call.
type SignalRequest struct {
	Signal   string          `json:"signal"`
	ClientID string          `json:"clientId,omitempty"`
	Username string          `json:"username,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// ServerEntry is one line of the list signal's answer.
type ServerEntry struct {
	ID         string `json:"serverId"`
	ServerType string `json:"serverType"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	PID        int    `json:"pid,omitempty"`
	Slaves     int    `json:"slaves,omitempty"`
}

// SignalFunc runs a control signal for the embedding application.
type SignalFunc func(ctx context.Context, agent *master.Agent, req SignalRequest) (any, error)

// MonitorSignalFunc runs a control signal the master forwarded to a
// monitor.
type MonitorSignalFunc func(ctx context.Context, agent *monitor.Agent, req SignalRequest) (any, error)

// Console is the cluster control module. It answers the list signal
// itself and hands stop, add and kill to OnSignal on the master and to
// OnMonitorSignal on a monitor.
type Console struct {
	OnSignal        SignalFunc
	OnMonitorSignal MonitorSignalFunc
}

// ModuleID implements console.Identified.
func (*Console) ModuleID() string { return console.ConsoleModuleID }

// HandleClient implements console.ClientHandler.
func (c *Console) HandleClient(ctx context.Context, agent *master.Agent, msg json.RawMessage) (any, error) {
	req, err := parseSignal(msg)
	if err != nil {
		return nil, err
	}

	switch req.Signal {
	case SignalList:
		return listServers(agent), nil
	case SignalStop, SignalAdd, SignalKill:
		if c.OnSignal == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoSignalHandler, req.Signal)
		}
		return c.OnSignal(ctx, agent, req)
	default:
		return nil, fmt.Errorf("modules: unknown console signal %q", req.Signal)
	}
}

// HandleMonitor implements console.MonitorHandler.
func (c *Console) HandleMonitor(ctx context.Context, agent *monitor.Agent, msg json.RawMessage) (any, error) {
	req, err := parseSignal(msg)
	if err != nil {
		return nil, err
	}
	switch req.Signal {
	case SignalStop, SignalKill:
	default:
		return nil, fmt.Errorf("modules: unknown console signal %q", req.Signal)
	}
	if c.OnMonitorSignal == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSignalHandler, req.Signal)
	}
	return c.OnMonitorSignal(ctx, agent, req)
}

// SignalTarget is the body of a stop or kill aimed at one server.
type SignalTarget struct {
	ServerID string `json:"serverId"`
}

// ForwardSignal is a SignalFunc relaying stop and kill to the monitor
// named in the request body.
func ForwardSignal(_ context.Context, agent *master.Agent, req SignalRequest) (any, error) {
	if req.Signal == SignalAdd {
		return nil, fmt.Errorf("modules: signal %q is not supported", req.Signal)
	}
	var target SignalTarget
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &target); err != nil {
			return nil, fmt.Errorf("modules: bad signal target: %w", err)
		}
	}
	if target.ServerID == "" {
		return nil, errors.New("modules: signal target needs a serverId")
	}
	fwd := SignalRequest{Signal: req.Signal, Username: req.Username, Body: req.Body}
	if err := agent.NotifyByID(target.ServerID, console.ConsoleModuleID, fwd); err != nil {
		return nil, err
	}
	return target, nil
}

func parseSignal(msg json.RawMessage) (SignalRequest, error) {
	var req SignalRequest
	if len(msg) > 0 {
		if err := json.Unmarshal(msg, &req); err != nil {
			return req, fmt.Errorf("modules: bad console request: %w", err)
		}
	}
	return req, nil
}

func listServers(agent *master.Agent) []ServerEntry {
	records := agent.Servers()
	out := make([]ServerEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, entryOf(rec, len(agent.Slaves(rec.ID))))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func entryOf(rec *master.Record, slaves int) ServerEntry {
	return ServerEntry{
		ID:         rec.ID,
		ServerType: rec.Type,
		Host:       rec.Info.Host,
		Port:       rec.Info.Port,
		PID:        rec.PID,
		Slaves:     slaves,
	}
}

var (
	_ console.ClientHandler  = (*Console)(nil)
	_ console.MonitorHandler = (*Console)(nil)
	_ console.Identified     = (*Console)(nil)
	_ SignalFunc             = ForwardSignal
)
