package framegate

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnPhase is the dispatcher state of one connection
type ConnPhase int32

const (
	// PhaseUnauthenticated is the initial state
	PhaseUnauthenticated ConnPhase = iota
	// PhaseAuthenticated allows data to be forwarded
	PhaseAuthenticated
	// PhaseClosed is terminal; late dispatch results are discarded
	PhaseClosed
)

func (p ConnPhase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// ConnState is the per-connection record. The connection's own
// goroutine is the only writer; other goroutines (monitoring, shutdown)
// only read it, so fields are atomics.
type ConnState struct {
	id            string
	remoteAddr    string
	establishedAt time.Time

	phase           atomic.Int32
	lastHeartbeatAt atomic.Int64
	authFailures    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnState creates a state for a freshly accepted connection
func NewConnState(parent context.Context, id, remoteAddr string, now time.Time) *ConnState {
	ctx, cancel := context.WithCancel(parent)
	s := &ConnState{
		id:            id,
		remoteAddr:    remoteAddr,
		establishedAt: now,
		ctx:           ctx,
		cancel:        cancel,
	}
	s.lastHeartbeatAt.Store(now.UnixNano())
	return s
}

// ID returns the connection identifier
func (s *ConnState) ID() string { return s.id }

// RemoteAddr returns the peer address recorded at accept
func (s *ConnState) RemoteAddr() string { return s.remoteAddr }

// EstablishedAt returns the accept time
func (s *ConnState) EstablishedAt() time.Time { return s.establishedAt }

// Phase returns the dispatcher state
func (s *ConnState) Phase() ConnPhase { return ConnPhase(s.phase.Load()) }

// Authenticated reports whether AUTH has succeeded on this connection
func (s *ConnState) Authenticated() bool { return s.Phase() == PhaseAuthenticated }

// LastHeartbeatAt returns the time the last inbound frame arrived
func (s *ConnState) LastHeartbeatAt() time.Time {
	return time.Unix(0, s.lastHeartbeatAt.Load())
}

// Touch records inbound activity
func (s *ConnState) Touch(now time.Time) {
	s.lastHeartbeatAt.Store(now.UnixNano())
}

// Context is cancelled when the runtime asks the connection to close
func (s *ConnState) Context() context.Context { return s.ctx }

// Cancel asks the connection's goroutine to wind down
func (s *ConnState) Cancel() { s.cancel() }

// markAuthenticated moves Unauthenticated to Authenticated. It returns
// false if the connection is already closed.
func (s *ConnState) markAuthenticated() bool {
	if s.phase.CompareAndSwap(int32(PhaseUnauthenticated), int32(PhaseAuthenticated)) {
		return true
	}
	return s.Phase() == PhaseAuthenticated
}

// markClosed moves the state to PhaseClosed and reports whether this
// call did the transition
func (s *ConnState) markClosed() bool {
	for {
		cur := s.phase.Load()
		if ConnPhase(cur) == PhaseClosed {
			return false
		}
		if s.phase.CompareAndSwap(cur, int32(PhaseClosed)) {
			return true
		}
	}
}

// Registry is a concurrent index of live connections. Keys are sharded
// across independently locked maps so that accept and close storms on
// different connections rarely contend.
type Registry struct {
	shards []*registryShard
	mask   uint32
	count  atomic.Int64
}

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]*ConnState
}

// NewRegistry constructs a registry with shardCount shards, rounded up
// to a power of two
func NewRegistry(shardCount int) *Registry {
	if shardCount <= 0 {
		shardCount = 64
	}
	n := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*registryShard, n)
	for i := range shards {
		shards[i] = &registryShard{conns: make(map[string]*ConnState)}
	}
	return &Registry{shards: shards, mask: n - 1}
}

// NewID returns a fresh connection identifier
func (r *Registry) NewID() string {
	return uuid.NewString()
}

func (r *Registry) shard(id string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()&r.mask]
}

// Register inserts state. Registering an id that is already present
// fails and leaves the existing entry untouched.
func (r *Registry) Register(state *ConnState) error {
	sh := r.shard(state.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.conns[state.id]; ok {
		return ErrAlreadyRegistered
	}
	sh.conns[state.id] = state
	r.count.Add(1)
	return nil
}

// Unregister removes id and reports whether an entry was removed.
// Unknown ids are a no-op so duplicate close events are harmless.
func (r *Registry) Unregister(id string) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.conns[id]; !ok {
		return false
	}
	delete(sh.conns, id)
	r.count.Add(-1)
	return true
}

// Get looks up a live connection
func (r *Registry) Get(id string) (*ConnState, error) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if s, ok := sh.conns[id]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

// Count returns the number of registered connections. It is a
// monitoring signal and may lag in-flight Register/Unregister calls.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Range calls fn for every registered connection. fn must not call
// Register or Unregister.
func (r *Registry) Range(fn func(*ConnState) bool) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.conns {
			if !fn(s) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// CancelAll asks every registered connection to close
func (r *Registry) CancelAll() {
	r.Range(func(s *ConnState) bool {
		s.Cancel()
		return true
	})
}

// Clear drops every entry. Used on teardown after all connection
// goroutines have exited.
func (r *Registry) Clear() {
	for _, sh := range r.shards {
		sh.mu.Lock()
		r.count.Add(-int64(len(sh.conns)))
		sh.conns = make(map[string]*ConnState)
		sh.mu.Unlock()
	}
}

func nextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
