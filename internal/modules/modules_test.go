package modules_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloud-admin/internal/auth"
	"cloud-admin/internal/client"
	"cloud-admin/internal/clock"
	"cloud-admin/internal/console"
	"cloud-admin/internal/master"
	"cloud-admin/internal/modules"
	"cloud-admin/internal/monitor"
	"cloud-admin/internal/mqtt"
	"cloud-admin/internal/protocol"
)

const waitFor = 2 * time.Second

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func startMaster(t *testing.T, c clock.Clock, mods ...console.Module) *master.Agent {
	t.Helper()
	svc := console.NewMaster(console.MasterOptions{
		Addr:     "127.0.0.1:0",
		Clock:    c,
		AuthUser: auth.AuthUser(auth.NewStaticUsers([]auth.User{{Username: "admin", Password: "secret", Level: 1}})),
	})
	for _, m := range mods {
		require.NoError(t, svc.Register("", m))
	}
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	m, _ := svc.Agent().Master()
	return m
}

func startMonitor(t *testing.T, addr string, c clock.Clock, mods ...console.Module) {
	t.Helper()
	svc := console.NewMonitor(console.MonitorOptions{
		ID:         "s1",
		ServerType: "connector",
		MasterAddr: addr,
		Info:       protocol.ServerInfo{Host: "127.0.0.1", Port: 4050},
		Transport:  mqtt.Options{Clock: clock.Real()},
		Clock:      c,
	})
	for _, m := range mods {
		require.NoError(t, svc.Register("", m))
	}
	require.NoError(t, svc.Start(timeout(t)))
	t.Cleanup(svc.Stop)
}

func connectAdmin(t *testing.T, addr string) *client.Client {
	t.Helper()
	cl := client.New(client.Options{Username: "admin", Password: "secret"})
	t.Cleanup(cl.Close)
	require.NoError(t, cl.Connect(timeout(t), "cli-admin", addr))
	return cl
}

func TestConsoleListsServers(t *testing.T) {
	m := startMaster(t, nil, &modules.Console{})
	startMonitor(t, m.Addr(), nil)
	cl := connectAdmin(t, m.Addr())

	res, err := cl.Request(timeout(t), console.ConsoleModuleID, modules.SignalRequest{Signal: modules.SignalList})
	require.NoError(t, err)

	var entries []modules.ServerEntry
	require.NoError(t, json.Unmarshal(res, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0].ID)
	assert.Equal(t, "connector", entries[0].ServerType)
	assert.Equal(t, 4050, entries[0].Port)
	assert.NotZero(t, entries[0].PID)
}

func TestForwardSignalReachesMonitor(t *testing.T) {
	m := startMaster(t, nil, &modules.Console{OnSignal: modules.ForwardSignal})

	got := make(chan modules.SignalRequest, 1)
	startMonitor(t, m.Addr(), nil, &modules.Console{
		OnMonitorSignal: func(_ context.Context, a *monitor.Agent, req modules.SignalRequest) (any, error) {
			assert.Equal(t, "s1", a.ID())
			got <- req
			return nil, nil
		},
	})
	cl := connectAdmin(t, m.Addr())

	target, err := json.Marshal(modules.SignalTarget{ServerID: "s1"})
	require.NoError(t, err)
	res, err := cl.Request(timeout(t), console.ConsoleModuleID, modules.SignalRequest{Signal: modules.SignalStop, Body: target})
	require.NoError(t, err)
	assert.JSONEq(t, `{"serverId":"s1"}`, string(res))

	select {
	case req := <-got:
		assert.Equal(t, modules.SignalStop, req.Signal)
		assert.Equal(t, "admin", req.Username)
		assert.JSONEq(t, `{"serverId":"s1"}`, string(req.Body))
	case <-time.After(waitFor):
		t.Fatal("signal not forwarded")
	}
}

func TestForwardSignalErrors(t *testing.T) {
	a, _ := console.NewMaster(console.MasterOptions{}).Agent().Master()
	ctx := context.Background()

	_, err := modules.ForwardSignal(ctx, a, modules.SignalRequest{Signal: modules.SignalAdd})
	assert.ErrorContains(t, err, "not supported")

	_, err = modules.ForwardSignal(ctx, a, modules.SignalRequest{Signal: modules.SignalKill})
	assert.ErrorContains(t, err, "serverId")

	_, err = modules.ForwardSignal(ctx, a, modules.SignalRequest{Signal: modules.SignalKill, Body: json.RawMessage(`{"serverId":"ghost"}`)})
	assert.ErrorIs(t, err, master.ErrUnknownServer)
}

func TestConsoleWithoutHandlers(t *testing.T) {
	c := &modules.Console{}
	ctx := context.Background()

	_, err := c.HandleClient(ctx, nil, json.RawMessage(`{"signal":"stop"}`))
	assert.ErrorIs(t, err, modules.ErrNoSignalHandler)
	_, err = c.HandleMonitor(ctx, nil, json.RawMessage(`{"signal":"kill"}`))
	assert.ErrorIs(t, err, modules.ErrNoSignalHandler)

	_, err = c.HandleClient(ctx, nil, json.RawMessage(`{"signal":"dance"}`))
	assert.ErrorContains(t, err, "unknown console signal")
	_, err = c.HandleMonitor(ctx, nil, json.RawMessage(`{"signal":"list"}`))
	assert.ErrorContains(t, err, "unknown console signal")
	_, err = c.HandleClient(ctx, nil, json.RawMessage(`[`))
	assert.Error(t, err)

	assert.Equal(t, console.ConsoleModuleID, c.ModuleID())
}

func TestServerInfoPull(t *testing.T) {
	clk := clock.Fake(time.Now())
	info := modules.NewServerInfo()
	info.Delay = 0
	m := startMaster(t, clk, info)
	startMonitor(t, m.Addr(), nil, modules.NewServerInfo())
	cl := connectAdmin(t, m.Addr())

	res, err := cl.Request(timeout(t), modules.ServerInfoModuleID, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(res))

	clk.Advance(time.Nanosecond)

	var reports map[string]modules.ProcessInfo
	require.Eventually(t, func() bool {
		res, err := cl.Request(timeout(t), modules.ServerInfoModuleID, nil)
		if err != nil || json.Unmarshal(res, &reports) != nil {
			return false
		}
		return len(reports) == 1
	}, waitFor, 10*time.Millisecond)

	r := reports["s1"]
	assert.Equal(t, "s1", r.ServerID)
	assert.Equal(t, "connector", r.ServerType)
	assert.NotZero(t, r.PID)
	assert.NotZero(t, r.Goroutines)
}

func TestServerInfoPush(t *testing.T) {
	m := startMaster(t, nil, modules.NewServerInfo())

	clk := clock.Fake(time.Now())
	push := modules.NewServerInfo()
	push.Type = console.TypePush
	push.Interval = 1
	push.Delay = 0
	startMonitor(t, m.Addr(), clk, push)
	cl := connectAdmin(t, m.Addr())

	clk.Advance(time.Nanosecond)
	require.Eventually(t, func() bool {
		res, err := cl.Request(timeout(t), modules.ServerInfoModuleID, nil)
		return err == nil && string(res) != "{}"
	}, waitFor, 10*time.Millisecond)
}

func TestServerInfoRejectsBadReports(t *testing.T) {
	a, _ := console.NewMaster(console.MasterOptions{}).Agent().Master()
	info := modules.NewServerInfo()
	ctx := context.Background()

	_, err := info.HandleMaster(ctx, a, json.RawMessage(`{"serverId":""}`))
	assert.ErrorContains(t, err, "without serverId")
	_, err = info.HandleMaster(ctx, a, json.RawMessage(`[`))
	assert.Error(t, err)

	_, err = info.HandleMaster(ctx, a, json.RawMessage(`{"serverId":"s9","body":{"serverId":"s9","pid":7}}`))
	require.NoError(t, err)
	res, err := info.HandleClient(ctx, a, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, res.(map[string]modules.ProcessInfo)["s9"].PID)

	assert.Equal(t, console.ScheduleSpec{Type: "pull", Interval: 300, Delay: 10}, info.Schedule())
}
