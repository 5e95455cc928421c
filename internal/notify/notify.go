// Package notify keeps the per-agent notification log: a capped, newest-first
// list at ntf:{fleet_id}:{agent_id} in the KV store, with a live copy pushed
// on the agent's topic.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/pubsub"
)

// Cap bounds each agent's stored list; older entries fall off the end.
const Cap = 100

// Notification types raised by the hub.
const (
	TypeDMReceived          = "dm_received"
	TypeAnnouncement        = "announcement"
	TypeEscalationNew       = "escalation_new"
	TypeEscalationForwarded = "escalation_forwarded"
	TypeEscalationHandled   = "escalation_handled"
	TypeEscalationRejected  = "escalation_rejected"
)

// Notification is one stored entry.
type Notification struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Payload   core.Payload `json:"payload,omitempty"`
	Read      bool         `json:"read"`
	CreatedAt string       `json:"created_at"`
}

func storeKey(fleetID, agentID string) string {
	return "ntf:" + fleetID + ":" + agentID
}

// Service writes, lists, and marks notifications.
type Service struct {
	store kv.Store
	bus   *pubsub.Bus
}

// NewService builds a notification service.
func NewService(store kv.Store, bus *pubsub.Bus) *Service {
	return &Service{store: store, bus: bus}
}

// Notify prepends a notification to the agent's log and publishes it on the
// agent's topic. No duplicate suppression.
func (s *Service) Notify(ctx context.Context, fleetID, agentID, typ string, payload core.Payload) (Notification, error) {
	n := Notification{
		ID:        core.NewNotificationID(),
		Type:      typ,
		Payload:   payload,
		CreatedAt: core.Timestamp(time.Now()),
	}
	err := s.store.Update(ctx, storeKey(fleetID, agentID), func(cur []byte) ([]byte, error) {
		list, err := decode(cur)
		if err != nil {
			return nil, err
		}
		list = append([]Notification{n}, list...)
		if len(list) > Cap {
			list = list[:Cap]
		}
		return json.Marshal(list)
	})
	if err != nil {
		return Notification{}, err
	}
	s.bus.Publish(ctx, pubsub.AgentTopic(fleetID, agentID), "notification", n)
	return n, nil
}

// List returns the agent's notifications, newest first.
func (s *Service) List(ctx context.Context, fleetID, agentID string) ([]Notification, error) {
	raw, err := s.store.Get(ctx, storeKey(fleetID, agentID))
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// UnreadCount returns how many entries are unread.
func (s *Service) UnreadCount(ctx context.Context, fleetID, agentID string) (int, error) {
	list, err := s.List(ctx, fleetID, agentID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range list {
		if !n.Read {
			count++
		}
	}
	return count, nil
}

// MarkRead flags one notification read. Unknown ids are a no-op.
func (s *Service) MarkRead(ctx context.Context, fleetID, agentID, notificationID string) error {
	return s.markWhere(ctx, fleetID, agentID, func(n *Notification) bool {
		return n.ID == notificationID
	})
}

// MarkAllRead flags every notification read.
func (s *Service) MarkAllRead(ctx context.Context, fleetID, agentID string) error {
	return s.markWhere(ctx, fleetID, agentID, func(*Notification) bool { return true })
}

func (s *Service) markWhere(ctx context.Context, fleetID, agentID string, match func(*Notification) bool) error {
	return s.store.Update(ctx, storeKey(fleetID, agentID), func(cur []byte) ([]byte, error) {
		if cur == nil {
			// Nothing stored, nothing to mark.
			return nil, nil
		}
		list, err := decode(cur)
		if err != nil {
			return nil, err
		}
		for i := range list {
			if match(&list[i]) {
				list[i].Read = true
			}
		}
		return json.Marshal(list)
	})
}

func decode(raw []byte) ([]Notification, error) {
	if raw == nil {
		return nil, nil
	}
	var list []Notification
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}
