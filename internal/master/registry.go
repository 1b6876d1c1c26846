package master

import (
	"sync"

	"cloud-admin/internal/protocol"
)

// Sender is the opaque connection handle a record keeps for its peer.
type Sender interface {
	Send(topic string, msg any) error
	Disconnect()
}

// Record is a registered peer: a monitored server process or an admin
// client.
type Record struct {
	ID   string
	Type string
	PID  int
	Info protocol.ServerInfo
	// User is set for client records only.
	User *protocol.User
	Conn Sender
}

// Registry holds the master's peers. Monitors live in idMap (first
// process per id) or slaveMap (further processes under the same id);
// typeMap indexes the primaries by server type. Clients are kept apart
// and never show up in the server maps.
type Registry struct {
	mu       sync.RWMutex
	idMap    map[string]*Record
	typeMap  map[string][]*Record
	slaveMap map[string][]*Record
	clients  map[string]*Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		idMap:    make(map[string]*Record),
		typeMap:  make(map[string][]*Record),
		slaveMap: make(map[string][]*Record),
		clients:  make(map[string]*Record),
	}
}

// Add inserts a monitor record: as primary when its id is free, as a
// slave otherwise. It reports whether the record became primary.
func (r *Registry) Add(rec *Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.idMap[rec.ID]; exists {
		r.slaveMap[rec.ID] = append(r.slaveMap[rec.ID], rec)
		return false
	}
	r.idMap[rec.ID] = rec
	r.typeMap[rec.Type] = append(r.typeMap[rec.Type], rec)
	return true
}

// AddClient inserts a client record unless the id is taken.
func (r *Registry) AddClient(rec *Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[rec.ID]; exists {
		return false
	}
	r.clients[rec.ID] = rec
	return true
}

// Remove drops the record registered under id whose info matches. The
// primary is matched first, then the slaves; a reconnect may have put a
// new connection in place, so matching is by info rather than identity.
// It reports whether a record was removed.
func (r *Registry) Remove(id, typ string, info protocol.ServerInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if typ == protocol.TypeClient {
		if _, ok := r.clients[id]; !ok {
			return false
		}
		delete(r.clients, id)
		return true
	}

	primary, ok := r.idMap[id]
	if !ok {
		return false
	}
	if protocol.SameServer(primary.Info, info) {
		delete(r.idMap, id)
		list := r.typeMap[primary.Type]
		for i, rec := range list {
			if rec.ID == id {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(r.typeMap, primary.Type)
		} else {
			r.typeMap[primary.Type] = list
		}
		return true
	}

	slaves := r.slaveMap[id]
	for i, rec := range slaves {
		if protocol.SameServer(rec.Info, info) {
			slaves = append(slaves[:i], slaves[i+1:]...)
			if len(slaves) == 0 {
				delete(r.slaveMap, id)
			} else {
				r.slaveMap[id] = slaves
			}
			return true
		}
	}
	return false
}

// Primary returns the primary record of id.
func (r *Registry) Primary(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.idMap[id]
	return rec, ok
}

// Find returns the record of id whose info matches: the primary when
// it matches, else the first matching slave.
func (r *Registry) Find(id string, info protocol.ServerInfo) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	primary, ok := r.idMap[id]
	if !ok {
		return nil, false
	}
	if protocol.SameServer(primary.Info, info) {
		return primary, true
	}
	for _, rec := range r.slaveMap[id] {
		if protocol.SameServer(rec.Info, info) {
			return rec, true
		}
	}
	return nil, false
}

// Client returns the client record of id.
func (r *Registry) Client(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[id]
	return rec, ok
}

// Primaries returns a snapshot of every primary record.
func (r *Registry) Primaries() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.idMap))
	for _, rec := range r.idMap {
		out = append(out, rec)
	}
	return out
}

// ByType returns a snapshot of the primaries of a server type.
func (r *Registry) ByType(typ string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Record(nil), r.typeMap[typ]...)
}

// Slaves returns a snapshot of the slave records of id.
func (r *Registry) Slaves(id string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Record(nil), r.slaveMap[id]...)
}

// Counts returns the number of primaries, slaves and clients.
func (r *Registry) Counts() (primaries, slaves, clients int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, list := range r.slaveMap {
		slaves += len(list)
	}
	return len(r.idMap), slaves, len(r.clients)
}
