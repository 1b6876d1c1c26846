package master

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferForServerIsOrdered(t *testing.T) {
	b := newRequestBuffer(time.Minute, nil)
	b.put("s1", 3, "m", "c")
	b.put("s2", 2, "m", "x")
	b.put("s1", 1, "m", "a")
	b.put("s1", 2, "m", "b")

	got := b.forServer("s1")
	require.Len(t, got, 3)
	for i, req := range got {
		assert.Equal(t, uint64(i+1), req.ReqID)
	}
	assert.Equal(t, 4, b.len())

	b.remove("s1", 2)
	assert.Len(t, b.forServer("s1"), 2)

	b.flush()
	assert.Equal(t, 0, b.len())
}

func TestBufferExpiryCallsHook(t *testing.T) {
	var (
		mu      sync.Mutex
		expired []uint64
	)
	b := newRequestBuffer(20*time.Millisecond, func(serverID string, reqID uint64) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "s1", serverID)
		expired = append(expired, reqID)
	})
	b.put("s1", 7, "m", nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{7}, expired)
	assert.Empty(t, b.forServer("s1"))
}
