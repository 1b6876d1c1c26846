package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloud-admin/internal/clock"
)

func TestScheduleRecurring(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	s := New(c)
	defer s.Stop()

	var runs atomic.Int32
	id := s.Schedule(time.Second, 5*time.Second, func() { runs.Add(1) })
	require.NotZero(t, id)

	c.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())

	c.Advance(time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	c.Advance(5 * time.Second)
	c.Advance(5 * time.Second)
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, 1, s.Len())
}

func TestScheduleZeroDelayRunsOnFirstAdvance(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	s := New(c)
	defer s.Stop()

	var runs atomic.Int32
	s.Schedule(0, time.Second, func() { runs.Add(1) })
	assert.Equal(t, int32(0), runs.Load())

	c.Advance(time.Nanosecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduleOneShot(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	s := New(c)
	defer s.Stop()

	var runs atomic.Int32
	s.Schedule(time.Second, 0, func() { runs.Add(1) })
	c.Advance(time.Second)
	c.Advance(time.Hour)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 0, s.Len())
}

func TestCancelStopsJob(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	s := New(c)
	defer s.Stop()

	var runs atomic.Int32
	id := s.Schedule(time.Second, time.Second, func() { runs.Add(1) })
	c.Advance(time.Second)
	require.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id))

	c.Advance(10 * time.Second)
	assert.Equal(t, int32(1), runs.Load())
}

func TestCancelFromInsideJob(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	s := New(c)
	defer s.Stop()

	var (
		runs atomic.Int32
		id   JobID
	)
	id = s.Schedule(time.Second, time.Second, func() {
		runs.Add(1)
		s.Cancel(id)
	})
	c.Advance(time.Second)
	c.Advance(time.Second)
	assert.Equal(t, int32(1), runs.Load())
}

func TestStopRefusesNewJobs(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	s := New(c)
	var runs atomic.Int32
	s.Schedule(time.Second, time.Second, func() { runs.Add(1) })
	s.Stop()

	assert.Zero(t, s.Schedule(time.Second, time.Second, func() { runs.Add(1) }))
	c.Advance(time.Minute)
	assert.Equal(t, int32(0), runs.Load())
	assert.Equal(t, 0, s.Len())
}
