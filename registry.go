package pusudb

import (
	"sync"

	"go.uber.org/zap"
)

type registryEntry struct {
	transport Transport
	refs      int
}

// Registry maps connection tokens to live transports together with the
// number of topics each connection is subscribed to. A connection is evicted
// when its last subscription goes away or when it is destroyed.
type Registry struct {
	mutex   sync.Mutex
	entries map[Token]*registryEntry
	log     *zap.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		entries: make(map[Token]*registryEntry),
		log:     log,
	}
}

// acquire adds one subscription to conn, registering it when absent.
func (r *Registry) acquire(conn Transport) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	token := conn.Token()
	entry, ok := r.entries[token]
	if !ok {
		entry = &registryEntry{transport: conn}
		r.entries[token] = entry
		r.log.Debug("connection registered", zap.String("token", string(token)))
	}
	entry.refs++
}

// release drops one subscription and evicts the connection at zero.
func (r *Registry) release(token Token) (evicted bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, ok := r.entries[token]
	if !ok {
		return false
	}
	entry.refs--
	if entry.refs > 0 {
		return false
	}
	delete(r.entries, token)
	r.log.Debug("connection evicted", zap.String("token", string(token)))

	return true
}

// evict removes the connection regardless of its subscription count.
func (r *Registry) evict(token Token) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.entries[token]; !ok {
		return false
	}
	delete(r.entries, token)

	return true
}

// Get returns the transport registered under token.
func (r *Registry) Get(token Token) (Transport, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, ok := r.entries[token]
	if !ok {
		return nil, false
	}
	return entry.transport, true
}

// Refs returns the number of subscriptions held by token.
func (r *Registry) Refs(token Token) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if entry, ok := r.entries[token]; ok {
		return entry.refs
	}
	return 0
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.entries)
}
