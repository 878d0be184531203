package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	logx "matchpulse/pkg/logx"
)

type captureSink struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (c *captureSink) WriteFrame(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, append([]byte(nil), p...))
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureSink) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func newTestHub() (*Hub, *Registry) {
	reg := NewRegistry(Config{KeepaliveInterval: time.Hour}, logx.Nop())
	return New(reg, logx.Nop()), reg
}

func TestPublishDeliversToAllConnections(t *testing.T) {
	t.Parallel()
	h, reg := newTestHub()

	a, b := &captureSink{}, &captureSink{}
	reg.Add("alice", a)
	reg.Add("alice", b)

	ev, err := NewEvent("prediction.updated", map[string]int{"matches": 3})
	if err != nil {
		t.Fatalf("NewEvent error: %v", err)
	}
	if n := h.Publish("alice", ev); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("frame counts = %d/%d, want 1/1", a.count(), b.count())
	}
}

func TestPublishNoListeners(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub()
	ev, _ := NewEvent("noop", nil)
	if n := h.Publish("nobody", ev); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
}

func TestPublishCullsFailingConnection(t *testing.T) {
	t.Parallel()
	h, reg := newTestHub()

	ok1, bad, ok2 := &captureSink{}, &captureSink{fail: true}, &captureSink{}
	reg.Add("alice", ok1)
	reg.Add("alice", bad)
	reg.Add("alice", ok2)

	ev, _ := NewEvent("x", nil)
	if n := h.Publish("alice", ev); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if got := len(reg.Connections("alice")); got != 2 {
		t.Fatalf("connections after cull = %d, want 2", got)
	}

	// Healthy connections keep receiving.
	if n := h.Publish("alice", ev); n != 2 {
		t.Fatalf("second publish delivered = %d, want 2", n)
	}
}

func TestPublishAll(t *testing.T) {
	t.Parallel()
	h, reg := newTestHub()

	a, b, c := &captureSink{}, &captureSink{}, &captureSink{}
	reg.Add("alice", a)
	reg.Add("bob", b)
	reg.Add("bob", c)

	ev, _ := NewEvent("broadcast", nil)
	if n := h.PublishAll(ev); n != 3 {
		t.Fatalf("delivered = %d, want 3", n)
	}
}

func TestEventFrameFormat(t *testing.T) {
	t.Parallel()
	h, reg := newTestHub()
	sink := &captureSink{}
	reg.Add("alice", sink)

	ev, err := NewEvent("subscription.expired", map[string]string{"subscriptionId": "s1"})
	if err != nil {
		t.Fatalf("NewEvent error: %v", err)
	}
	h.Publish("alice", ev)

	frame := sink.last()
	if !bytes.HasPrefix(frame, []byte("data: ")) {
		t.Fatalf("frame missing data prefix: %q", frame)
	}
	if !bytes.HasSuffix(frame, []byte("\n\n")) {
		t.Fatalf("frame missing blank-line terminator: %q", frame)
	}

	var decoded Event
	payload := bytes.TrimSuffix(bytes.TrimPrefix(frame, []byte("data: ")), []byte("\n\n"))
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("frame payload not JSON: %v", err)
	}
	if decoded.Type != "subscription.expired" {
		t.Fatalf("type = %q", decoded.Type)
	}
}

func TestKeepaliveFrameFormat(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1700000000123)
	frame := string(keepaliveFrame(now))
	if !strings.HasPrefix(frame, ":keepalive 1700000000123") {
		t.Fatalf("unexpected keepalive frame: %q", frame)
	}
	if !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("keepalive frame missing terminator: %q", frame)
	}
}

func TestKeepaliveTicksUntilRemoved(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Config{KeepaliveInterval: 20 * time.Millisecond}, logx.Nop())
	sink := &captureSink{}
	conn := reg.Add("alice", sink)

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("keepalives never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.HasPrefix(string(sink.last()), ":keepalive ") {
		t.Fatalf("unexpected frame: %q", sink.last())
	}

	reg.Remove("alice", conn.ID)
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("conn not released after remove")
	}

	// No new frames once the connection left the registry.
	n := sink.count()
	time.Sleep(80 * time.Millisecond)
	if sink.count() != n {
		t.Fatal("keepalives continued after removal")
	}
}

func TestRemoveIdempotentAndKeyCleanup(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Config{KeepaliveInterval: time.Hour}, logx.Nop())

	c1 := reg.Add("alice", &captureSink{})
	c2 := reg.Add("alice", &captureSink{})
	if got := reg.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	reg.Remove("alice", c1.ID)
	reg.Remove("alice", c1.ID) // second remove is a no-op
	reg.Remove("alice", "not-a-conn")
	reg.Remove("nobody", c1.ID)

	if got := len(reg.Connections("alice")); got != 1 {
		t.Fatalf("connections = %d, want 1", got)
	}

	reg.Remove("alice", c2.ID)
	if subs := reg.Subscribers(); len(subs) != 0 {
		t.Fatalf("subscriber key not cleaned up: %v", subs)
	}
}

func TestSerializedEventOrder(t *testing.T) {
	t.Parallel()
	h, reg := newTestHub()
	sink := &captureSink{}
	reg.Add("alice", sink)

	for i := 0; i < 5; i++ {
		ev, _ := NewEvent("seq", map[string]int{"i": i})
		h.Publish("alice", ev)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 5 {
		t.Fatalf("frames = %d, want 5", len(sink.frames))
	}
	for i, frame := range sink.frames {
		var ev Event
		payload := bytes.TrimSuffix(bytes.TrimPrefix(frame, []byte("data: ")), []byte("\n\n"))
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		var data map[string]int
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("frame %d data: %v", i, err)
		}
		if data["i"] != i {
			t.Fatalf("frame %d carries i=%d", i, data["i"])
		}
	}
}
