package client_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloud-admin/internal/auth"
	"cloud-admin/internal/client"
	"cloud-admin/internal/console"
	"cloud-admin/internal/master"
)

const waitFor = 2 * time.Second

// sink records client calls and blocks while hold is set.
type sink struct {
	got  chan json.RawMessage
	hold chan struct{}
}

func (s *sink) HandleClient(ctx context.Context, _ *master.Agent, msg json.RawMessage) (any, error) {
	s.got <- msg
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
		}
	}
	return map[string]bool{"ok": true}, nil
}

func startMaster(t *testing.T, mods map[string]console.Module) string {
	t.Helper()
	svc := console.NewMaster(console.MasterOptions{
		Addr: "127.0.0.1:0",
		AuthUser: auth.AuthUser(auth.NewStaticUsers([]auth.User{
			{Username: "admin", Password: "secret", Level: 1},
		})),
	})
	for id, m := range mods {
		require.NoError(t, svc.Register(id, m))
	}
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	m, _ := svc.Agent().Master()
	return m.Addr()
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func TestRequestCarriesClientFields(t *testing.T) {
	s := &sink{got: make(chan json.RawMessage, 1)}
	addr := startMaster(t, map[string]console.Module{"sink": s})

	cl := client.New(client.Options{Username: "admin", Password: "secret"})
	defer cl.Close()
	require.NoError(t, cl.Connect(timeout(t), "c1", addr))
	assert.Equal(t, "c1", cl.ID())

	res, err := cl.Request(timeout(t), "sink", map[string]int{"n": 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
	assert.JSONEq(t, `{"n":7,"clientId":"c1","username":"admin"}`, string(<-s.got))
}

func TestMD5Login(t *testing.T) {
	addr := startMaster(t, nil)

	cl := client.New(client.Options{Username: "admin", Password: "secret", MD5: true})
	defer cl.Close()
	require.NoError(t, cl.Connect(timeout(t), "c1", addr))

	res, err := cl.Command(timeout(t), "list", "", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"modules":[]}`, string(res))
}

func TestDuplicateClientIDIsRejected(t *testing.T) {
	addr := startMaster(t, nil)

	first := client.New(client.Options{Username: "admin", Password: "secret"})
	defer first.Close()
	require.NoError(t, first.Connect(timeout(t), "c1", addr))

	second := client.New(client.Options{Username: "admin", Password: "secret"})
	defer second.Close()
	err := second.Connect(timeout(t), "c1", addr)
	require.ErrorIs(t, err, client.ErrRegisterFailed)
	assert.Contains(t, err.Error(), "id has been registered")
}

func TestCallsBeforeConnect(t *testing.T) {
	cl := client.New(client.Options{Username: "admin"})

	_, err := cl.Request(context.Background(), "m", nil)
	assert.ErrorIs(t, err, client.ErrNotRegistered)
	_, err = cl.Command(context.Background(), "list", "", nil)
	assert.ErrorIs(t, err, client.ErrNotRegistered)
	assert.ErrorIs(t, cl.Notify("m", nil), client.ErrNotRegistered)

	_, err = cl.Request(context.Background(), "m", []int{1})
	assert.ErrorIs(t, err, client.ErrBadBody)
}

func TestConnectTwice(t *testing.T) {
	addr := startMaster(t, nil)
	cl := client.New(client.Options{Username: "admin", Password: "secret"})
	defer cl.Close()
	require.NoError(t, cl.Connect(timeout(t), "c1", addr))
	assert.ErrorIs(t, cl.Connect(timeout(t), "c1", addr), client.ErrStarted)
}

func TestNotifyReachesClientHandler(t *testing.T) {
	s := &sink{got: make(chan json.RawMessage, 1)}
	addr := startMaster(t, map[string]console.Module{"sink": s})

	cl := client.New(client.Options{Username: "admin", Password: "secret"})
	defer cl.Close()
	require.NoError(t, cl.Connect(timeout(t), "c1", addr))
	require.NoError(t, cl.Notify("sink", map[string]string{"k": "v"}))

	select {
	case msg := <-s.got:
		assert.JSONEq(t, `{"k":"v","clientId":"c1","username":"admin"}`, string(msg))
	case <-time.After(waitFor):
		t.Fatal("notify not delivered")
	}
}

func TestCloseFailsCallsInFlight(t *testing.T) {
	s := &sink{got: make(chan json.RawMessage, 1), hold: make(chan struct{})}
	defer close(s.hold)
	addr := startMaster(t, map[string]console.Module{"sink": s})

	closed := make(chan struct{}, 1)
	cl := client.New(client.Options{Username: "admin", Password: "secret", OnClose: func() { closed <- struct{}{} }})
	require.NoError(t, cl.Connect(timeout(t), "c1", addr))

	ctx := timeout(t)
	errc := make(chan error, 1)
	go func() {
		_, err := cl.Request(ctx, "sink", nil)
		errc <- err
	}()
	<-s.got
	cl.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, client.ErrDisconnected)
	case <-time.After(waitFor):
		t.Fatal("call was not failed")
	}
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("OnClose did not fire")
	}
}

func TestConnectRefused(t *testing.T) {
	cl := client.New(client.Options{Username: "admin"})
	defer cl.Close()
	assert.Error(t, cl.Connect(timeout(t), "c1", "127.0.0.1:1"))
}
