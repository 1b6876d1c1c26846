package console_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloud-admin/internal/clock"
	"cloud-admin/internal/console"
	"cloud-admin/internal/protocol"
)

func enabledMaster(t *testing.T, mods map[string]console.Module) *console.Service {
	t.Helper()
	svc := console.NewMaster(console.MasterOptions{})
	for id, m := range mods {
		require.NoError(t, svc.Register(id, m))
		require.True(t, svc.Enable(id))
	}
	return svc
}

func TestExecuteACLOnMaster(t *testing.T) {
	svc := enabledMaster(t, map[string]console.Module{"echo": echo{}, console.ConsoleModuleID: echo{}})
	ctx := context.Background()

	tests := []struct {
		name     string
		moduleID string
		method   string
		msg      string
		deny     string
	}{
		{name: "master handler is open", moduleID: "echo", method: protocol.MethodMaster, msg: `{}`},
		{name: "client handler needs a client id", moduleID: "echo", method: protocol.MethodClient, msg: `{}`, deny: console.DenyUnknownClient},
		{name: "unregistered client", moduleID: "echo", method: protocol.MethodClient, msg: `{"clientId":"ghost"}`, deny: console.DenyClientInfo},
		{name: "console stop signal", moduleID: console.ConsoleModuleID, method: protocol.MethodClient, msg: `{"signal":"stop"}`},
		{name: "console kill signal", moduleID: console.ConsoleModuleID, method: protocol.MethodClient, msg: `{"signal":"kill"}`},
		{name: "console list signal", moduleID: console.ConsoleModuleID, method: protocol.MethodClient, msg: `{"signal":"list"}`, deny: console.DenyUnknownClient},
		{name: "body is not an object", moduleID: "echo", method: protocol.MethodClient, msg: `"x"`, deny: console.DenyUnknownClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Execute(ctx, tt.moduleID, tt.method, json.RawMessage(tt.msg))
			if tt.deny == "" {
				require.NoError(t, err)
				assert.NotNil(t, res)
				return
			}
			require.ErrorIs(t, err, console.ErrAccessDenied)
			assert.EqualError(t, err, tt.deny)
		})
	}
}

func TestCommandACLOnMaster(t *testing.T) {
	svc := enabledMaster(t, map[string]console.Module{"echo": echo{}})

	_, err := svc.Command(context.Background(), "list", "", nil)
	require.ErrorIs(t, err, console.ErrAccessDenied)
	assert.EqualError(t, err, console.DenyUnknownClient)

	_, err = svc.Command(context.Background(), "disable", "echo", json.RawMessage(`{"clientId":"ghost"}`))
	assert.EqualError(t, err, console.DenyClientInfo)
	assert.True(t, svc.Enabled("echo"))
}

func TestExecuteErrors(t *testing.T) {
	svc := enabledMaster(t, map[string]console.Module{"c": clientOnly{}})
	require.NoError(t, svc.Register("off", echo{}))
	ctx := context.Background()

	_, err := svc.Execute(ctx, "nope", protocol.MethodMaster, nil)
	require.ErrorIs(t, err, console.ErrUnknownModule)
	assert.EqualError(t, err, "unknown moduleId:nope")

	_, err = svc.Execute(ctx, "off", protocol.MethodMaster, nil)
	require.ErrorIs(t, err, console.ErrModuleDisabled)
	assert.EqualError(t, err, "module off is disable")

	_, err = svc.Execute(ctx, "c", protocol.MethodMaster, nil)
	require.ErrorIs(t, err, console.ErrMissingMethod)
	assert.EqualError(t, err, "module c dose not have a method called masterHandler")

	// monitor handlers never run on a master
	require.NoError(t, svc.Register("e", echo{}))
	svc.Enable("e")
	_, err = svc.Execute(ctx, "e", protocol.MethodMonitor, nil)
	assert.ErrorIs(t, err, console.ErrMissingMethod)

	_, err = svc.Command(ctx, "restart", "c", nil)
	require.ErrorIs(t, err, console.ErrUnknownCommand)
	assert.EqualError(t, err, "unknown command:restart")
}

func TestMonitorSkipsACL(t *testing.T) {
	svc := newMonitor("127.0.0.1:0", console.Events{})
	require.NoError(t, svc.Register("echo", echo{}))
	require.True(t, svc.Enable("echo"))
	ctx := context.Background()

	res, err := svc.Execute(ctx, "echo", protocol.MethodMonitor, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"server":"s1","msg":{"x":1}}`, string(out))

	res, err = svc.Command(ctx, "disable", "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.OK, res)
	assert.False(t, svc.Enabled("echo"))

	res, err = svc.Command(ctx, "enable", "ghost", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.FAIL, res)

	_, err = svc.Command(ctx, "enable", "", nil)
	require.ErrorIs(t, err, console.ErrEmptyModuleID)
	assert.EqualError(t, err, "empty moduleId")
}

func TestHandlerPanicFailsOnlyItsCall(t *testing.T) {
	svc := enabledMaster(t, map[string]console.Module{"p": panicky{}, "echo": echo{}})
	ctx := context.Background()

	_, err := svc.Execute(ctx, "p", protocol.MethodMaster, nil)
	require.ErrorIs(t, err, console.ErrHandlerPanicked)
	assert.Contains(t, err.Error(), "boom")

	_, err = svc.Execute(ctx, "echo", protocol.MethodMaster, nil)
	assert.NoError(t, err)
	assert.True(t, svc.Enabled("p"))
}

func TestEnableDisableReportChanges(t *testing.T) {
	svc := console.NewMaster(console.MasterOptions{})
	require.NoError(t, svc.Register("echo", echo{}))

	assert.False(t, svc.Enabled("echo"))
	assert.True(t, svc.Enable("echo"))
	assert.False(t, svc.Enable("echo"))
	assert.True(t, svc.Enabled("echo"))
	assert.True(t, svc.Disable("echo"))
	assert.False(t, svc.Disable("echo"))
	assert.False(t, svc.Enable("ghost"))
	assert.False(t, svc.Disable("ghost"))
}

func TestEnableTwiceArmsOneTimer(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	svc := console.NewMaster(console.MasterOptions{Clock: clk})
	mod := &ticking{id: "pull", spec: console.ScheduleSpec{Type: "pull", Interval: 2}}
	require.NoError(t, svc.Register("", mod))

	require.True(t, svc.Enable("pull"))
	require.False(t, svc.Enable("pull"))
	clk.Advance(time.Nanosecond)
	require.Len(t, mod.runs(), 1)
	for i := 2; i <= 4; i++ {
		clk.Advance(2 * time.Second)
		assert.Len(t, mod.runs(), i)
	}

	// a disable and enable cycle leaves a single timer as well
	require.True(t, svc.Disable("pull"))
	require.True(t, svc.Enable("pull"))
	require.False(t, svc.Enable("pull"))
	clk.Advance(time.Nanosecond)
	require.Len(t, mod.runs(), 5)
	clk.Advance(2 * time.Second)
	assert.Len(t, mod.runs(), 6)
}

func TestRegisterModuleID(t *testing.T) {
	svc := console.NewMaster(console.MasterOptions{})

	require.NoError(t, svc.Register("", &ticking{id: "tick"}))
	assert.True(t, svc.Enable("tick"))

	assert.ErrorIs(t, svc.Register("", echo{}), console.ErrEmptyModuleID)
	assert.ErrorIs(t, svc.Register("", &ticking{}), console.ErrEmptyModuleID)
}

func TestValueCache(t *testing.T) {
	svc := console.NewMaster(console.MasterOptions{})
	assert.Nil(t, svc.Get("m"))
	svc.Set("m", 42)
	assert.Equal(t, 42, svc.Get("m"))

	m, _ := svc.Agent().Master()
	assert.Equal(t, 42, m.Get("m"))
	m.Set("m", "x")
	assert.Equal(t, "x", svc.Agent().Get("m"))
}

func TestRoles(t *testing.T) {
	ms := console.NewMaster(console.MasterOptions{})
	assert.Equal(t, console.RoleMaster, ms.Role())
	assert.Equal(t, console.RoleMaster, ms.Agent().Role())
	_, ok := ms.Agent().Monitor()
	assert.False(t, ok)

	mon := newMonitor("127.0.0.1:0", console.Events{})
	assert.Equal(t, "monitor", mon.Role().String())
	_, ok = mon.Agent().Master()
	assert.False(t, ok)
	a, ok := mon.Agent().Monitor()
	require.True(t, ok)
	assert.Equal(t, "s1", a.ID())
}

func TestPullModuleRunsOnMasterClock(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	svc := console.NewMaster(console.MasterOptions{Clock: clk})
	mod := &ticking{id: "pull", spec: console.ScheduleSpec{Type: "pull", Interval: 5}}
	require.NoError(t, svc.Register("", mod))
	require.True(t, svc.Enable("pull"))

	clk.Advance(time.Nanosecond)
	require.Len(t, mod.runs(), 1)
	assert.Nil(t, mod.runs()[0])

	clk.Advance(4 * time.Second)
	assert.Len(t, mod.runs(), 1)
	clk.Advance(time.Second)
	assert.Len(t, mod.runs(), 2)

	require.True(t, svc.Disable("pull"))
	clk.Advance(time.Minute)
	assert.Len(t, mod.runs(), 2)
}

func TestScheduleNormalization(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	svc := console.NewMaster(console.MasterOptions{Clock: clk})

	fractional := &ticking{id: "frac", spec: console.ScheduleSpec{Type: "pull", Interval: 2.2, Delay: -3}}
	push := &ticking{id: "push", spec: console.ScheduleSpec{Type: console.TypePush, Interval: 1}}
	never := &ticking{id: "never", spec: console.ScheduleSpec{Type: "pull"}}
	for _, m := range []*ticking{fractional, push, never} {
		require.NoError(t, svc.Register("", m))
		require.True(t, svc.Enable(m.id))
	}

	clk.Advance(time.Nanosecond)
	assert.Len(t, fractional.runs(), 1)
	clk.Advance(2 * time.Second)
	assert.Len(t, fractional.runs(), 1)
	clk.Advance(time.Second)
	assert.Len(t, fractional.runs(), 2)

	clk.Advance(time.Minute)
	assert.Empty(t, push.runs())
	assert.Empty(t, never.runs())
}

func TestIntervalIsAtLeastASecond(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	svc := console.NewMaster(console.MasterOptions{Clock: clk})
	mod := &ticking{id: "short", spec: console.ScheduleSpec{Type: "pull", Interval: 0.1}}
	require.NoError(t, svc.Register("", mod))
	svc.Enable("short")

	clk.Advance(time.Nanosecond)
	assert.Len(t, mod.runs(), 1)
	clk.Advance(500 * time.Millisecond)
	assert.Len(t, mod.runs(), 1)
	clk.Advance(500 * time.Millisecond)
	assert.Len(t, mod.runs(), 2)
}

func TestPushModuleRunsOnMonitorClock(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	svc := console.NewMonitor(console.MonitorOptions{ID: "s1", ServerType: "connector", Clock: clk})
	push := &ticking{id: "push", spec: console.ScheduleSpec{Type: console.TypePush, Interval: 3, Delay: 1}}
	pull := &ticking{id: "pull", spec: console.ScheduleSpec{Type: "pull", Interval: 3}}
	require.NoError(t, svc.Register("", push))
	require.NoError(t, svc.Register("", pull))
	svc.Enable("push")
	svc.Enable("pull")

	clk.Advance(time.Second)
	assert.Len(t, push.runs(), 1)
	clk.Advance(3 * time.Second)
	assert.Len(t, push.runs(), 2)
	assert.Empty(t, pull.runs())
}

func TestReregisterCancelsOldTimer(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	svc := console.NewMaster(console.MasterOptions{Clock: clk})
	old := &ticking{id: "m", spec: console.ScheduleSpec{Type: "pull", Interval: 1}}
	require.NoError(t, svc.Register("", old))
	svc.Enable("m")

	next := &ticking{id: "m", spec: console.ScheduleSpec{Type: "pull", Interval: 1}}
	require.NoError(t, svc.Register("", next))
	assert.False(t, svc.Enabled("m"))

	clk.Advance(5 * time.Second)
	assert.Empty(t, old.runs())
	assert.Empty(t, next.runs())

	svc.Enable("m")
	clk.Advance(time.Nanosecond)
	assert.Len(t, next.runs(), 1)
	assert.Empty(t, old.runs())
}

func TestStopCancelsTimers(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	svc := console.NewMaster(console.MasterOptions{Clock: clk})
	mod := &ticking{id: "m", spec: console.ScheduleSpec{Type: "pull", Interval: 1}}
	require.NoError(t, svc.Register("", mod))
	svc.Enable("m")

	svc.Stop()
	assert.False(t, svc.Enabled("m"))
	clk.Advance(time.Minute)
	assert.Empty(t, mod.runs())
}
