package hub

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Config controls connection upkeep.
type Config struct {
	// KeepaliveInterval is how often each connection receives a keepalive
	// frame so intermediaries don't cut an idle stream (default 25s).
	KeepaliveInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 25 * time.Second
	}
	return c
}

// Sink is one frame write to the underlying transport. Implementations do
// not need to be concurrency-safe; the Conn serializes writes.
type Sink interface {
	WriteFrame(p []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(p []byte) error

func (f SinkFunc) WriteFrame(p []byte) error { return f(p) }

// Conn is one live transport channel to a subscriber's client. Owned by the
// Registry from Add until Remove.
type Conn struct {
	ID         string
	Subscriber string

	sink Sink

	// wmu serializes frame writes so events and keepalives never interleave
	// and a connection sees publishes in call order.
	wmu      sync.Mutex
	lastBeat time.Time

	done     chan struct{}
	stopOnce sync.Once
}

func (c *Conn) write(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.sink.WriteFrame(p)
}

func (c *Conn) beat(now time.Time) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.sink.WriteFrame(keepaliveFrame(now)); err != nil {
		return err
	}
	c.lastBeat = now
	return nil
}

// LastHeartbeat returns when the connection last acknowledged a keepalive write.
func (c *Conn) LastHeartbeat() time.Time {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.lastBeat
}

// stop releases the heartbeat goroutine; idempotent.
func (c *Conn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Done is closed when the connection leaves the registry.
func (c *Conn) Done() <-chan struct{} { return c.done }

// eventFrame renders one SSE data frame around an already-serialized payload.
func eventFrame(payload []byte) []byte {
	b := make([]byte, 0, len(payload)+8)
	b = append(b, "data: "...)
	b = append(b, payload...)
	b = append(b, '\n', '\n')
	return b
}

// keepaliveFrame is an SSE comment frame, invisible to EventSource clients.
func keepaliveFrame(now time.Time) []byte {
	return []byte(fmt.Sprintf(":keepalive %s\n\n", strconv.FormatInt(now.UnixMilli(), 10)))
}
