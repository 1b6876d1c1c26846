package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })

	c.Advance(500 * time.Millisecond)
	assert.Empty(t, fired)

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, epoch.Add(2500*time.Millisecond), c.Now())
	assert.Equal(t, 0, c.Pending())
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeAfterAndTicker(t *testing.T) {
	c := Fake(epoch)
	after := c.After(time.Second)
	tick := c.NewTicker(time.Second)
	defer tick.Stop()

	c.Advance(time.Second)
	select {
	case <-after:
	default:
		t.Fatal("after did not fire")
	}
	select {
	case <-tick.C:
	default:
		t.Fatal("ticker did not fire")
	}

	tick.Stop()
	c.Advance(time.Second)
	select {
	case <-tick.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.WaitForTimers(1)
		close(done)
	}()
	c.AfterFunc(time.Second, func() {})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForTimers did not return")
	}
}

func TestFakeDeadlines(t *testing.T) {
	c := Fake(epoch)
	assert.Empty(t, c.Deadlines())

	tk := c.NewTicker(3 * time.Second)
	c.After(time.Second)
	tm := c.AfterFunc(2*time.Second, func() {})
	assert.Equal(t, []time.Time{
		epoch.Add(time.Second), epoch.Add(2 * time.Second), epoch.Add(3 * time.Second),
	}, c.Deadlines())

	tm.Stop()
	c.Advance(time.Second)
	// the After fired, the ticker is still due at 3s
	assert.Equal(t, []time.Time{epoch.Add(3 * time.Second)}, c.Deadlines())

	tk.Stop()
	assert.Empty(t, c.Deadlines())
}
