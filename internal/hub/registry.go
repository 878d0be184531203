package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "matchpulse/pkg/logx"
)

// Registry tracks live connections keyed by (subscriber, connection).
//
// Locking is two-level so unrelated subscribers never contend: the outer
// RWMutex only guards key insert/remove, each subscriber entry has its own
// mutex for its connection set.
type Registry struct {
	log logx.Logger
	cfg Config

	mu   sync.RWMutex
	subs map[string]*subEntry
}

type subEntry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewRegistry(cfg Config, log logx.Logger) *Registry {
	return &Registry{
		log:  log,
		cfg:  cfg.withDefaults(),
		subs: map[string]*subEntry{},
	}
}

// Add registers a fresh connection for the subscriber and arms its keepalive
// ticker. The returned Conn carries the generated connection ID the caller
// needs for an explicit Remove.
func (r *Registry) Add(subscriber string, sink Sink) *Conn {
	c := &Conn{
		ID:         uuid.NewString(),
		Subscriber: subscriber,
		sink:       sink,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	e := r.subs[subscriber]
	if e == nil {
		e = &subEntry{conns: map[string]*Conn{}}
		r.subs[subscriber] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.conns[c.ID] = c
	n := len(e.conns)
	e.mu.Unlock()

	go r.heartbeat(c)

	r.log.Debug("connection added",
		logx.String("subscriber", subscriber),
		logx.String("conn", c.ID),
		logx.Int("subscriber_conns", n))
	return c
}

// Remove drops the connection and stops its keepalive. Idempotent: removing
// a connection that is already gone is a no-op, because explicit removal
// races with transport-initiated cleanup by design. A subscriber whose last
// connection leaves disappears from the key set entirely.
func (r *Registry) Remove(subscriber, connID string) {
	r.mu.RLock()
	e := r.subs[subscriber]
	r.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	c, ok := e.conns[connID]
	if ok {
		delete(e.conns, connID)
	}
	empty := len(e.conns) == 0
	e.mu.Unlock()

	if c != nil {
		c.stop()
	}

	if empty {
		// Re-check under the outer write lock: an Add may have raced in.
		r.mu.Lock()
		if cur := r.subs[subscriber]; cur == e {
			cur.mu.Lock()
			if len(cur.conns) == 0 {
				delete(r.subs, subscriber)
			}
			cur.mu.Unlock()
		}
		r.mu.Unlock()
	}

	if ok {
		r.log.Debug("connection removed",
			logx.String("subscriber", subscriber),
			logx.String("conn", connID))
	}
}

// Connections returns a snapshot of the subscriber's live connections.
func (r *Registry) Connections(subscriber string) []*Conn {
	r.mu.RLock()
	e := r.subs[subscriber]
	r.mu.RUnlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// Subscribers returns the subscriber key set, sorted.
func (r *Registry) Subscribers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Len reports the total number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.subs {
		e.mu.Lock()
		n += len(e.conns)
		e.mu.Unlock()
	}
	return n
}

// heartbeat writes keepalive frames on a fixed interval until the connection
// leaves the registry. Each connection's timer is independent: a stuck or
// broken peer only ever sinks its own goroutine.
func (r *Registry) heartbeat(c *Conn) {
	ticker := time.NewTicker(r.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if err := c.beat(now); err != nil {
				r.log.Debug("keepalive write failed; dropping connection",
					logx.String("subscriber", c.Subscriber),
					logx.String("conn", c.ID),
					logx.Err(err))
				// Remove tolerates the connection already being gone.
				r.Remove(c.Subscriber, c.ID)
				return
			}
		}
	}
}
