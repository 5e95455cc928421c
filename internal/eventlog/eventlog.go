// Package eventlog is the append-only activity stream behind message history
// and fleet activity feeds. Events are partitioned by topic
// ringforge.{fleet_id}.{stream}; appends are asynchronous side effects and
// must never fail a routed message.
package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/ringforge/hub/internal/core"
)

// Stream names the per-fleet partitions.
type Stream string

const (
	StreamActivity  Stream = "activity"
	StreamBroadcast Stream = "broadcast"
	StreamDM        Stream = "dm"
)

// Topic renders the partition key, e.g. "ringforge.F1.dm".
func Topic(fleetID string, stream Stream) string {
	return "ringforge." + fleetID + "." + string(stream)
}

// Event is one log entry.
type Event struct {
	EventID     string                 `json:"event_id"`
	From        string                 `json:"from"`
	To          string                 `json:"to,omitempty"`
	Kind        string                 `json:"kind"`
	Description string                 `json:"description,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   string                 `json:"timestamp"`
}

// Log is the activity stream. Append stamps event_id and timestamp when the
// caller leaves them empty.
type Log interface {
	Append(ctx context.Context, fleetID string, stream Stream, ev Event) error
	// Recent returns the newest events first, up to limit.
	Recent(ctx context.Context, fleetID string, stream Stream, limit int) ([]Event, error)
	// DMHistory returns DM events between a and b in either direction,
	// newest first, up to limit.
	DMHistory(ctx context.Context, fleetID, a, b string, limit int) ([]Event, error)
}

// memoryCap bounds each in-memory topic; history is a recent window, the
// durable record lives in the broker when one is configured.
const memoryCap = 1000

// Memory is the single-node log: a capped slice per topic.
type Memory struct {
	mu     sync.RWMutex
	topics map[string][]Event
}

// NewMemory creates an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string][]Event)}
}

func stamp(ev *Event) {
	if ev.EventID == "" {
		ev.EventID = core.NewEventID()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = core.Timestamp(time.Now())
	}
}

// Append adds the event to its topic, evicting the oldest past the cap.
func (m *Memory) Append(_ context.Context, fleetID string, stream Stream, ev Event) error {
	stamp(&ev)
	topic := Topic(fleetID, stream)
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.topics[topic], ev)
	if len(list) > memoryCap {
		list = list[len(list)-memoryCap:]
	}
	m.topics[topic] = list
	return nil
}

// Recent returns up to limit events, newest first.
func (m *Memory) Recent(_ context.Context, fleetID string, stream Stream, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.topics[Topic(fleetID, stream)]
	out := make([]Event, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

// DMHistory filters the dm stream to the (a,b) pair in either direction.
func (m *Memory) DMHistory(_ context.Context, fleetID, a, b string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.topics[Topic(fleetID, StreamDM)]
	out := make([]Event, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		ev := list[i]
		if (ev.From == a && ev.To == b) || (ev.From == b && ev.To == a) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
