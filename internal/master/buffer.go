package master

import (
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultBufferTTL bounds how long an unanswered request is kept for
// replay to a peer that went away.
const DefaultBufferTTL = 10 * time.Minute

type bufferedRequest struct {
	ServerID string
	ReqID    uint64
	ModuleID string
	Msg      any
}

// requestBuffer keeps every outbound request until its response arrives,
// so it can be replayed when the target registers again. Entries expire
// after ttl; onExpire is called for each entry that leaves the buffer,
// expired or removed, and must ignore calls it has already resolved.
type requestBuffer struct {
	cache *gocache.Cache
}

func newRequestBuffer(ttl time.Duration, onExpire func(serverID string, reqID uint64)) *requestBuffer {
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	cleanup := ttl / 2
	if cleanup < 10*time.Millisecond {
		cleanup = 10 * time.Millisecond
	}
	c := gocache.New(ttl, cleanup)
	c.OnEvicted(func(_ string, v interface{}) {
		if b, ok := v.(bufferedRequest); ok && onExpire != nil {
			onExpire(b.ServerID, b.ReqID)
		}
	})
	return &requestBuffer{cache: c}
}

func bufferKey(serverID string, reqID uint64) string {
	return fmt.Sprintf("%s\x00%d", serverID, reqID)
}

func (b *requestBuffer) put(serverID string, reqID uint64, moduleID string, msg any) {
	b.cache.SetDefault(bufferKey(serverID, reqID), bufferedRequest{
		ServerID: serverID,
		ReqID:    reqID,
		ModuleID: moduleID,
		Msg:      msg,
	})
}

func (b *requestBuffer) remove(serverID string, reqID uint64) {
	b.cache.Delete(bufferKey(serverID, reqID))
}

// forServer returns the live entries of serverID in reqId order.
func (b *requestBuffer) forServer(serverID string) []bufferedRequest {
	var out []bufferedRequest
	for _, item := range b.cache.Items() {
		if req, ok := item.Object.(bufferedRequest); ok && req.ServerID == serverID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReqID < out[j].ReqID })
	return out
}

func (b *requestBuffer) len() int {
	return b.cache.ItemCount()
}

func (b *requestBuffer) flush() {
	b.cache.Flush()
}
