// Package announce fans out leadership announcements by scope: the whole
// fleet, one squad, or every holder of a role slug. Only tier 0–1 agents may
// announce.
package announce

import (
	"context"
	"strings"
	"time"

	"github.com/ringforge/hub/internal/access"
	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/directory"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/notify"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/transform"
)

// Announcement is the stored record and the published payload.
type Announcement struct {
	AnnouncementID string        `json:"announcement_id"`
	FleetID        string        `json:"fleet_id"`
	From           string        `json:"from"`
	Scope          string        `json:"scope"`
	Body           string        `json:"body"`
	Priority       core.Priority `json:"priority"`
	Metadata       core.Payload  `json:"metadata,omitempty"`
	RecipientCount int           `json:"recipient_count"`
	CreatedAt      string        `json:"created_at"`
}

// Service publishes announcements.
type Service struct {
	store    kv.Store
	bus      *pubsub.Bus
	dir      directory.Directory
	tracker  *presence.Tracker
	notifier *notify.Service
}

// NewService wires an announcement service.
func NewService(store kv.Store, bus *pubsub.Bus, dir directory.Directory, tracker *presence.Tracker, notifier *notify.Service) *Service {
	return &Service{store: store, bus: bus, dir: dir, tracker: tracker, notifier: notifier}
}

// Announce validates the sender's tier, resolves the scope, publishes, and
// notifies every resolved recipient with a preview.
func (s *Service) Announce(ctx context.Context, fleetID string, from *directory.Agent, scope, body string, priority core.Priority, metadata core.Payload) (Announcement, error) {
	if access.DetectTier(from) > access.TierStrategic {
		return Announcement{}, core.Denied("Announcements require Tier 1+ role", nil)
	}

	ann := Announcement{
		AnnouncementID: core.NewAnnouncementID(),
		FleetID:        fleetID,
		From:           from.AgentID,
		Scope:          scope,
		Body:           body,
		Priority:       priority,
		Metadata:       metadata,
		CreatedAt:      core.Timestamp(time.Now()),
	}

	recipients, err := s.deliver(ctx, &ann)
	if err != nil {
		return Announcement{}, err
	}

	key := "ann:" + fleetID + ":" + ann.CreatedAt + ":" + ann.AnnouncementID
	if err := s.store.Put(ctx, key, core.MustJSON(ann)); err != nil {
		return Announcement{}, core.StoreFailed(err)
	}

	preview := transform.Preview(body)
	for _, agentID := range recipients {
		if agentID == from.AgentID {
			continue
		}
		_, _ = s.notifier.Notify(ctx, fleetID, agentID, notify.TypeAnnouncement, core.Payload{
			"announcement_id": ann.AnnouncementID,
			"from":            ann.From,
			"scope":           ann.Scope,
			"preview":         preview,
		})
	}
	return ann, nil
}

// deliver publishes per scope, sets RecipientCount, and returns the resolved
// recipient ids for notification fan-out.
func (s *Service) deliver(ctx context.Context, ann *Announcement) ([]string, error) {
	switch {
	case ann.Scope == "fleet":
		roster := s.tracker.Roster(ann.FleetID)
		ann.RecipientCount = len(roster)
		s.bus.Publish(ctx, pubsub.FleetTopic(ann.FleetID), "announcement", ann)
		ids := make([]string, 0, len(roster))
		for _, rec := range roster {
			ids = append(ids, rec.AgentID)
		}
		return ids, nil

	case strings.HasPrefix(ann.Scope, "squad:"):
		squadID := strings.TrimPrefix(ann.Scope, "squad:")
		members, err := s.dir.ListSquadAgents(ctx, ann.FleetID, squadID)
		if err != nil {
			return nil, err
		}
		ann.RecipientCount = len(members)
		s.bus.Publish(ctx, pubsub.SquadTopic(squadID), "announcement", ann)
		// Marked copy on the fleet topic so fleet-level consumers see it.
		marked := *ann
		marked.Metadata = cloneWith(ann.Metadata, "squad_scoped", squadID)
		s.bus.Publish(ctx, pubsub.FleetTopic(ann.FleetID), "announcement", marked)
		ids := make([]string, 0, len(members))
		for _, a := range members {
			ids = append(ids, a.AgentID)
		}
		return ids, nil

	case strings.HasPrefix(ann.Scope, "role:"):
		slug := strings.TrimPrefix(ann.Scope, "role:")
		holders, err := s.dir.ListAgentsByRole(ctx, ann.FleetID, slug)
		if err != nil {
			return nil, err
		}
		ann.RecipientCount = len(holders)
		ids := make([]string, 0, len(holders))
		for _, a := range holders {
			s.bus.Publish(ctx, pubsub.AgentTopic(ann.FleetID, a.AgentID), "announcement", ann)
			ids = append(ids, a.AgentID)
		}
		return ids, nil

	default:
		return nil, core.Denied("unknown announcement scope", map[string]interface{}{"scope": ann.Scope})
	}
}

func cloneWith(p core.Payload, key string, value interface{}) core.Payload {
	out := make(core.Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[key] = value
	return out
}
