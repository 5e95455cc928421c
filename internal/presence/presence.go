// Package presence tracks which agents are currently connected, per fleet.
// Sticky connections mean an agent's presence lives on exactly one node for
// the duration of a session; with a shared store attached the membership is
// mirrored cluster-wide so any node can answer Online for agents connected
// elsewhere.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ringforge/hub/internal/kv"
)

// State is an agent's declared availability.
type State string

const (
	StateOnline State = "online"
	StateBusy   State = "busy"
	StateAway   State = "away"
)

// sharedCutoff matches the gateway's missed-heartbeat rule: a mirrored entry
// older than this belongs to a dead session (or a dead node) and counts as
// offline.
const sharedCutoff = 60 * time.Second

// sharedOpTimeout bounds the store round trip on the Online fast path.
const sharedOpTimeout = 2 * time.Second

// ParseState normalizes a wire state string, defaulting to online.
func ParseState(s string) State {
	switch State(s) {
	case StateBusy, StateAway:
		return State(s)
	default:
		return StateOnline
	}
}

// Record is one agent's presence entry.
type Record struct {
	AgentID  string    `json:"agent_id"`
	FleetID  string    `json:"fleet_id"`
	State    State     `json:"state"`
	Task     string    `json:"task,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

func sharedKey(fleetID, agentID string) string {
	return "online:" + fleetID + ":" + agentID
}

// Tracker is the fleet → roster index. Local entries are authoritative for
// this node; the optional shared store answers for the rest of the cluster.
type Tracker struct {
	mu     sync.RWMutex
	fleets map[string]map[string]*Record
	shared kv.Store
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSharedStore mirrors join/leave/touch into the cluster KV store. Writes
// are best effort: a failed mirror degrades remote nodes to the offline
// queue, never the session itself.
func WithSharedStore(store kv.Store) Option {
	return func(t *Tracker) { t.shared = store }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{fleets: make(map[string]map[string]*Record)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Join registers an agent as present, replacing any prior record.
func (t *Tracker) Join(fleetID, agentID string, state State) {
	rec := &Record{
		AgentID:  agentID,
		FleetID:  fleetID,
		State:    state,
		LastSeen: time.Now(),
	}
	t.mu.Lock()
	roster, ok := t.fleets[fleetID]
	if !ok {
		roster = make(map[string]*Record)
		t.fleets[fleetID] = roster
	}
	roster[agentID] = rec
	t.mu.Unlock()
	t.mirror(*rec)
}

// Leave removes an agent from the roster.
func (t *Tracker) Leave(fleetID, agentID string) {
	t.mu.Lock()
	roster := t.fleets[fleetID]
	delete(roster, agentID)
	if len(roster) == 0 {
		delete(t.fleets, fleetID)
	}
	t.mu.Unlock()

	if t.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sharedOpTimeout)
		defer cancel()
		_ = t.shared.Delete(ctx, sharedKey(fleetID, agentID))
	}
}

// Update changes an agent's state and current task, no-op if absent.
func (t *Tracker) Update(fleetID, agentID string, state State, task string) {
	t.mu.Lock()
	rec, ok := t.fleets[fleetID][agentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.State = state
	rec.Task = task
	rec.LastSeen = time.Now()
	snapshot := *rec
	t.mu.Unlock()
	t.mirror(snapshot)
}

// Touch refreshes last_seen, e.g. on heartbeat. The refresh keeps the
// mirrored entry inside the shared cutoff.
func (t *Tracker) Touch(fleetID, agentID string) {
	t.mu.Lock()
	rec, ok := t.fleets[fleetID][agentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.LastSeen = time.Now()
	snapshot := *rec
	t.mu.Unlock()
	t.mirror(snapshot)
}

// mirror writes the record through to the shared store, best effort.
func (t *Tracker) mirror(rec Record) {
	if t.shared == nil {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sharedOpTimeout)
	defer cancel()
	_ = t.shared.Put(ctx, sharedKey(rec.FleetID, rec.AgentID), raw)
}

// Online reports whether the agent is present anywhere in the cluster: on
// this node, or mirrored by another node within the heartbeat cutoff.
func (t *Tracker) Online(fleetID, agentID string) bool {
	t.mu.RLock()
	_, ok := t.fleets[fleetID][agentID]
	t.mu.RUnlock()
	if ok || t.shared == nil {
		return ok
	}

	ctx, cancel := context.WithTimeout(context.Background(), sharedOpTimeout)
	defer cancel()
	raw, err := t.shared.Get(ctx, sharedKey(fleetID, agentID))
	if err != nil {
		return false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false
	}
	return time.Since(rec.LastSeen) < sharedCutoff
}

// Roster returns a snapshot of the fleet's presence records on this node.
func (t *Tracker) Roster(fleetID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roster := t.fleets[fleetID]
	out := make([]Record, 0, len(roster))
	for _, rec := range roster {
		out = append(out, *rec)
	}
	return out
}

// Count returns the number of present agents in a fleet on this node.
func (t *Tracker) Count(fleetID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fleets[fleetID])
}

// Stale returns agents whose last_seen is older than cutoff; the gateway
// disconnects these after missed heartbeats.
func (t *Tracker) Stale(cutoff time.Duration) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	deadline := time.Now().Add(-cutoff)
	var out []Record
	for _, roster := range t.fleets {
		for _, rec := range roster {
			if rec.LastSeen.Before(deadline) {
				out = append(out, *rec)
			}
		}
	}
	return out
}
