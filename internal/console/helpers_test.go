package console_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cloud-admin/internal/auth"
	"cloud-admin/internal/client"
	"cloud-admin/internal/console"
	"cloud-admin/internal/master"
	"cloud-admin/internal/monitor"
	"cloud-admin/internal/protocol"
)

const waitFor = 2 * time.Second

var testUsers = auth.NewStaticUsers([]auth.User{
	{Username: "admin", Password: "secret", Level: 1},
	{Username: "viewer", Password: "secret", Level: 2},
	{Username: "nolevel", Password: "secret"},
})

// echo answers on every side with what it received.
type echo struct{}

func (echo) HandleMonitor(_ context.Context, a *monitor.Agent, msg json.RawMessage) (any, error) {
	return map[string]any{"server": a.ID(), "msg": msg}, nil
}

func (echo) HandleMaster(_ context.Context, _ *master.Agent, msg json.RawMessage) (any, error) {
	return map[string]any{"master": true, "msg": msg}, nil
}

func (echo) HandleClient(_ context.Context, _ *master.Agent, msg json.RawMessage) (any, error) {
	return map[string]any{"client": true, "msg": msg}, nil
}

// relay forwards a client call to the echo module of monitor s1.
type relay struct{}

func (relay) HandleClient(ctx context.Context, a *master.Agent, _ json.RawMessage) (any, error) {
	return a.Request(ctx, "s1", "echo", map[string]string{"via": "relay"})
}

type clientOnly struct{}

func (clientOnly) HandleClient(context.Context, *master.Agent, json.RawMessage) (any, error) {
	return "ok", nil
}

type panicky struct{}

func (panicky) HandleMaster(context.Context, *master.Agent, json.RawMessage) (any, error) {
	panic("boom")
}

func (panicky) HandleClient(context.Context, *master.Agent, json.RawMessage) (any, error) {
	panic("boom")
}

// ticking counts scheduled runs on both sides.
type ticking struct {
	id   string
	spec console.ScheduleSpec

	mu   sync.Mutex
	msgs []json.RawMessage
}

func (m *ticking) ModuleID() string               { return m.id }
func (m *ticking) Schedule() console.ScheduleSpec { return m.spec }

func (m *ticking) record(msg json.RawMessage) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
}

func (m *ticking) HandleMaster(_ context.Context, _ *master.Agent, msg json.RawMessage) (any, error) {
	m.record(msg)
	return nil, nil
}

func (m *ticking) HandleMonitor(_ context.Context, _ *monitor.Agent, msg json.RawMessage) (any, error) {
	m.record(msg)
	return nil, nil
}

func (m *ticking) runs() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.msgs...)
}

func startMaster(t *testing.T, opts console.MasterOptions, mods map[string]console.Module) (*console.Service, *master.Agent) {
	t.Helper()
	opts.Addr = "127.0.0.1:0"
	if opts.AuthUser == nil {
		opts.AuthUser = auth.AuthUser(testUsers)
	}
	svc := console.NewMaster(opts)
	for id, m := range mods {
		require.NoError(t, svc.Register(id, m))
	}
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	m, ok := svc.Agent().Master()
	require.True(t, ok)
	return svc, m
}

func newMonitor(addr string, ev console.Events) *console.Service {
	return console.NewMonitor(console.MonitorOptions{
		ID:         "s1",
		ServerType: "connector",
		MasterAddr: addr,
		Info:       protocol.ServerInfo{Host: "127.0.0.1", Port: 4050},
		Events:     ev,
	})
}

func startMonitor(t *testing.T, addr string, mods map[string]console.Module) *console.Service {
	t.Helper()
	svc := newMonitor(addr, console.Events{})
	for id, m := range mods {
		require.NoError(t, svc.Register(id, m))
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)
	return svc
}

func connectClient(t *testing.T, addr, username string) *client.Client {
	t.Helper()
	cl := client.New(client.Options{Username: username, Password: "secret"})
	t.Cleanup(cl.Close)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cl.Connect(ctx, "cli-"+username, addr))
	return cl
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}
