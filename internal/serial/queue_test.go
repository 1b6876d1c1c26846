package serial

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsJobsInOrder(t *testing.T) {
	q := New()
	go q.Run()
	defer q.Stop()

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		q.Push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueueJobMayPushWithoutDeadlock(t *testing.T) {
	q := New()
	go q.Run()
	defer q.Stop()

	done := make(chan struct{})
	q.Push(func() {
		q.Push(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested job did not run")
	}
}

func TestQueueStopDropsPendingJobs(t *testing.T) {
	q := New()
	release := make(chan struct{})
	started := make(chan struct{})
	ran := make(chan struct{}, 1)

	q.Push(func() {
		close(started)
		<-release
	})
	q.Push(func() { ran <- struct{}{} })
	go q.Run()

	<-started
	assert.Equal(t, 1, q.Len())
	q.Stop()
	close(release)

	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after stop")
	}
	assert.Empty(t, ran)

	q.Push(func() { ran <- struct{}{} })
	assert.Equal(t, 0, q.Len())
}
