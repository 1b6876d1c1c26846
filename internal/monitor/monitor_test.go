package monitor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloud-admin/internal/master"
	"cloud-admin/internal/monitor"
	"cloud-admin/internal/protocol"
)

const waitFor = 2 * time.Second

// masterConsole blocks master handlers until release is closed.
type masterConsole struct {
	entered chan string
	release chan struct{}
}

func (masterConsole) Env() string { return "" }

func (masterConsole) AuthUser(context.Context, *protocol.RegisterRequest) (*protocol.User, error) {
	return nil, nil
}

func (masterConsole) AuthServer(context.Context, *protocol.RegisterRequest) error { return nil }

func (c masterConsole) Execute(ctx context.Context, moduleID, _ string, _ json.RawMessage) (any, error) {
	c.entered <- moduleID
	select {
	case <-c.release:
	case <-ctx.Done():
	}
	return "done", nil
}

func (masterConsole) Command(context.Context, string, string, json.RawMessage) (any, error) {
	return nil, nil
}

func (masterConsole) Get(string) any  { return nil }
func (masterConsole) Set(string, any) {}

// monitorConsole records commands the master sends.
type monitorConsole struct {
	commands chan string
}

func (monitorConsole) Env() string { return "" }

func (monitorConsole) ServerToken(context.Context, *protocol.RegisterRequest) (string, error) {
	return "", nil
}

func (monitorConsole) Execute(context.Context, string, string, json.RawMessage) (any, error) {
	return nil, nil
}

func (c monitorConsole) Command(_ context.Context, command, moduleID string, _ json.RawMessage) (any, error) {
	c.commands <- command + ":" + moduleID
	return protocol.OK, nil
}

func (monitorConsole) Get(string) any  { return nil }
func (monitorConsole) Set(string, any) {}

func startMaster(t *testing.T, c masterConsole) *master.Agent {
	t.Helper()
	a := master.New(master.Options{Console: c})
	require.NoError(t, a.Listen("127.0.0.1:0"))
	t.Cleanup(a.Close)
	return a
}

func newAgent(c monitorConsole) *monitor.Agent {
	return monitor.New(c, monitor.Options{ID: "s1", ServerType: "connector"})
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func TestCallsBeforeRegister(t *testing.T) {
	a := newAgent(monitorConsole{})
	_, err := a.Request(context.Background(), "m", nil)
	assert.ErrorIs(t, err, monitor.ErrNotRegistered)
	assert.ErrorIs(t, a.Notify("m", nil), monitor.ErrNotRegistered)

	assert.Equal(t, "s1", a.ID())
	assert.Equal(t, "connector", a.ServerType())
	assert.Equal(t, "s1", a.Info().ID)
	assert.Equal(t, "connector", a.Info().ServerType)
}

func TestConnectRefused(t *testing.T) {
	a := newAgent(monitorConsole{})
	defer a.Close()
	assert.Error(t, a.Connect(timeout(t), "127.0.0.1:1"))
}

func TestConnectTwice(t *testing.T) {
	m := startMaster(t, masterConsole{})
	a := newAgent(monitorConsole{})
	defer a.Close()
	require.NoError(t, a.Connect(timeout(t), m.Addr()))
	assert.ErrorIs(t, a.Connect(timeout(t), m.Addr()), monitor.ErrStarted)
}

func TestCloseFailsCallsInFlight(t *testing.T) {
	mc := masterConsole{entered: make(chan string, 1), release: make(chan struct{})}
	defer close(mc.release)
	m := startMaster(t, mc)

	a := newAgent(monitorConsole{})
	require.NoError(t, a.Connect(timeout(t), m.Addr()))

	ctx := timeout(t)
	errc := make(chan error, 1)
	go func() {
		_, err := a.Request(ctx, "slow", nil)
		errc <- err
	}()
	assert.Equal(t, "slow", <-mc.entered)
	a.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, monitor.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("call was not failed")
	}
	_, err := a.Request(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, monitor.ErrNotRegistered)
}

func TestMasterCommandReachesConsole(t *testing.T) {
	m := startMaster(t, masterConsole{})
	mc := monitorConsole{commands: make(chan string, 1)}
	a := newAgent(mc)
	defer a.Close()
	require.NoError(t, a.Connect(timeout(t), m.Addr()))

	require.NoError(t, m.NotifyCommand("disable", "serverInfo", nil))
	select {
	case got := <-mc.commands:
		assert.Equal(t, "disable:serverInfo", got)
	case <-time.After(waitFor):
		t.Fatal("command not delivered")
	}
}

func TestNotifyReachesMaster(t *testing.T) {
	mc := masterConsole{entered: make(chan string, 1), release: make(chan struct{})}
	close(mc.release)
	m := startMaster(t, mc)
	a := newAgent(monitorConsole{})
	defer a.Close()
	require.NoError(t, a.Connect(timeout(t), m.Addr()))

	require.NoError(t, a.Notify("report", map[string]int{"n": 1}))
	select {
	case got := <-mc.entered:
		assert.Equal(t, "report", got)
	case <-time.After(waitFor):
		t.Fatal("notify not delivered")
	}
}
