package hub

import (
	"encoding/json"
	"time"

	logx "matchpulse/pkg/logx"
)

// Event is an opaque payload with a type tag; the hub only serializes it,
// the content belongs to the producer.
type Event struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event, serializing data immediately so a marshal
// problem surfaces at the producer, not mid-fan-out.
func NewEvent(typ string, data any) (Event, error) {
	ev := Event{Type: typ, At: time.Now().UTC()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = b
	}
	return ev, nil
}

// Hub publishes events to registry connections, scoped to one subscriber or
// to everyone.
type Hub struct {
	reg *Registry
	log logx.Logger
}

func New(reg *Registry, log logx.Logger) *Hub {
	return &Hub{reg: reg, log: log}
}

// Registry exposes the backing registry (the SSE endpoint adds and removes
// connections through it).
func (h *Hub) Registry() *Registry { return h.reg }

// Publish delivers the event to every live connection of one subscriber and
// returns how many local writes succeeded. Zero listeners is an expected
// steady state, not an error. A failing connection is logged, culled, and
// never blocks the subscriber's other connections or the caller.
func (h *Hub) Publish(subscriber string, ev Event) int {
	frame, err := h.encode(ev)
	if err != nil {
		return 0
	}
	return h.fanout(subscriber, ev.Type, frame)
}

// PublishAll delivers the event to every subscriber in the registry.
func (h *Hub) PublishAll(ev Event) int {
	frame, err := h.encode(ev)
	if err != nil {
		return 0
	}
	delivered := 0
	for _, sub := range h.reg.Subscribers() {
		delivered += h.fanout(sub, ev.Type, frame)
	}
	return delivered
}

// encode serializes the event exactly once per publish call.
func (h *Hub) encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		// Producer bug; surface it in logs but never to publish callers.
		h.log.Error("event marshal failed", logx.String("type", ev.Type), logx.Err(err))
		return nil, err
	}
	return eventFrame(payload), nil
}

func (h *Hub) fanout(subscriber, typ string, frame []byte) int {
	conns := h.reg.Connections(subscriber)
	if len(conns) == 0 {
		return 0
	}
	delivered := 0
	for _, c := range conns {
		if err := c.write(frame); err != nil {
			h.log.Debug("event delivery failed; dropping connection",
				logx.String("subscriber", subscriber),
				logx.String("conn", c.ID),
				logx.String("type", typ),
				logx.Err(err))
			h.reg.Remove(subscriber, c.ID)
			continue
		}
		delivered++
	}
	return delivered
}
