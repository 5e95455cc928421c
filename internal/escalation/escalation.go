// Package escalation routes structured requests upward: to the sender's
// squad leader when one exists, otherwise to every tier-1 agent in the
// fleet. Escalations carry an explicit state machine owned by the current
// handler.
package escalation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ringforge/hub/internal/access"
	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/directory"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/notify"
	"github.com/ringforge/hub/internal/pubsub"
)

// Statuses.
const (
	StatusPending   = "pending"
	StatusHandled   = "handled"
	StatusForwarded = "forwarded"
	StatusRejected  = "rejected"
)

// Escalation is the stored row.
type Escalation struct {
	EscalationID string        `json:"escalation_id"`
	FleetID      string        `json:"fleet_id"`
	From         string        `json:"from"`
	FromRole     string        `json:"from_role,omitempty"`
	TargetRole   string        `json:"target_role,omitempty"`
	Subject      string        `json:"subject,omitempty"`
	Body         string        `json:"body,omitempty"`
	ContextRefs  []string      `json:"context_refs,omitempty"`
	Priority     core.Priority `json:"priority"`
	Status       string        `json:"status"`
	HandlerIDs   []string      `json:"handler_ids"`
	HandledBy    string        `json:"handled_by,omitempty"`
	ForwardedTo  string        `json:"forwarded_to,omitempty"`
	Response     core.Payload  `json:"response,omitempty"`
	RejectReason string        `json:"reject_reason,omitempty"`
	CreatedAt    string        `json:"created_at"`
	UpdatedAt    string        `json:"updated_at"`
}

// Attrs is the content of a new escalation.
type Attrs struct {
	Subject     string
	Body        string
	ContextRefs []string
}

// AutoForwardRule mirrors escalations to fleet leadership when priority or
// the sender's role matches. Stored as JSON at esc_rules:{fleet_id}.
type AutoForwardRule struct {
	AutoForward bool   `json:"auto_forward"`
	Priority    string `json:"priority,omitempty"`
	FromRole    string `json:"from_role,omitempty"`
}

func rowKey(fleetID, id string) string { return "esc:" + fleetID + ":" + id }
func indexKey(fleetID string) string   { return "esc_idx:" + fleetID }
func rulesKey(fleetID string) string   { return "esc_rules:" + fleetID }

// Service creates and transitions escalations.
type Service struct {
	store    kv.Store
	bus      *pubsub.Bus
	dir      directory.Directory
	notifier *notify.Service
}

// NewService wires an escalation service.
func NewService(store kv.Store, bus *pubsub.Bus, dir directory.Directory, notifier *notify.Service) *Service {
	return &Service{store: store, bus: bus, dir: dir, notifier: notifier}
}

// Create stores a pending escalation, indexes it, and notifies handlers.
func (s *Service) Create(ctx context.Context, fleetID string, from *directory.Agent, targetRole string, priority core.Priority, attrs Attrs) (Escalation, error) {
	handlers, err := s.resolveHandlers(ctx, fleetID, from)
	if err != nil {
		return Escalation{}, err
	}

	now := core.Timestamp(time.Now())
	esc := Escalation{
		EscalationID: core.NewEscalationID(),
		FleetID:      fleetID,
		From:         from.AgentID,
		FromRole:     from.RoleSlug,
		TargetRole:   targetRole,
		Subject:      attrs.Subject,
		Body:         attrs.Body,
		ContextRefs:  attrs.ContextRefs,
		Priority:     priority,
		Status:       StatusPending,
		HandlerIDs:   handlers,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.persist(ctx, esc); err != nil {
		return Escalation{}, err
	}

	for _, handler := range handlers {
		s.pushToAgent(ctx, fleetID, handler, "escalation_new", notify.TypeEscalationNew, esc)
	}
	s.autoForward(ctx, esc)
	return esc, nil
}

// resolveHandlers picks the sender's squad leader, falling back to every
// tier-1 agent in the fleet.
func (s *Service) resolveHandlers(ctx context.Context, fleetID string, from *directory.Agent) ([]string, error) {
	if from.SquadID != "" {
		agents, err := s.dir.ListSquadAgents(ctx, fleetID, from.SquadID)
		if err != nil {
			return nil, err
		}
		for _, a := range agents {
			if a.RoleSlug == "squad-leader" {
				return []string{a.AgentID}, nil
			}
		}
	}
	agents, err := s.dir.ListAgents(ctx, fleetID)
	if err != nil {
		return nil, err
	}
	var handlers []string
	for _, a := range agents {
		if access.DetectTier(a) == access.TierStrategic {
			handlers = append(handlers, a.AgentID)
		}
	}
	return handlers, nil
}

// autoForward mirrors matching escalations to all tier-1 agents. Rule lookup
// and notification failures are swallowed; this is a side effect.
func (s *Service) autoForward(ctx context.Context, esc Escalation) {
	raw, err := s.store.Get(ctx, rulesKey(esc.FleetID))
	if err != nil {
		return
	}
	var rules []AutoForwardRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return
	}
	matched := false
	for _, r := range rules {
		if !r.AutoForward {
			continue
		}
		if (r.Priority != "" && core.Priority(r.Priority) == esc.Priority) ||
			(r.FromRole != "" && r.FromRole == esc.FromRole) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	agents, err := s.dir.ListAgents(ctx, esc.FleetID)
	if err != nil {
		return
	}
	for _, a := range agents {
		if access.DetectTier(a) == access.TierStrategic {
			s.pushToAgent(ctx, esc.FleetID, a.AgentID, "escalation_auto_forwarded", notify.TypeEscalationForwarded, esc)
		}
	}
}

// Get resolves an escalation row.
func (s *Service) Get(ctx context.Context, fleetID, id string) (Escalation, error) {
	raw, err := s.store.Get(ctx, rowKey(fleetID, id))
	if err != nil {
		return Escalation{}, err
	}
	var esc Escalation
	if err := json.Unmarshal(raw, &esc); err != nil {
		return Escalation{}, err
	}
	return esc, nil
}

// Index returns the fleet's escalation ids in creation order.
func (s *Service) Index(ctx context.Context, fleetID string) ([]string, error) {
	raw, err := s.store.Get(ctx, indexKey(fleetID))
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Handle transitions pending → handled, recording the handler's response
// for the originator. Only a current handler may call it.
func (s *Service) Handle(ctx context.Context, fleetID, id, by string, response core.Payload) (Escalation, error) {
	return s.transition(ctx, fleetID, id, by, func(esc *Escalation) {
		esc.Status = StatusHandled
		esc.HandledBy = by
		esc.Response = response
	}, "escalation_handled", notify.TypeEscalationHandled)
}

// Reject transitions pending → rejected with a reason.
func (s *Service) Reject(ctx context.Context, fleetID, id, by, reason string) (Escalation, error) {
	return s.transition(ctx, fleetID, id, by, func(esc *Escalation) {
		esc.Status = StatusRejected
		esc.HandledBy = by
		esc.RejectReason = reason
	}, "escalation_rejected", notify.TypeEscalationRejected)
}

// Forward marks the original forwarded and opens a new pending escalation
// handled by the forwardee.
func (s *Service) Forward(ctx context.Context, fleetID, id, by, toAgentID string) (Escalation, error) {
	orig, err := s.transition(ctx, fleetID, id, by, func(esc *Escalation) {
		esc.Status = StatusForwarded
		esc.HandledBy = by
		esc.ForwardedTo = toAgentID
	}, "", "")
	if err != nil {
		return Escalation{}, err
	}

	now := core.Timestamp(time.Now())
	next := Escalation{
		EscalationID: core.NewEscalationID(),
		FleetID:      fleetID,
		From:         orig.From,
		FromRole:     orig.FromRole,
		TargetRole:   orig.TargetRole,
		Subject:      orig.Subject,
		Body:         orig.Body,
		ContextRefs:  orig.ContextRefs,
		Priority:     orig.Priority,
		Status:       StatusPending,
		HandlerIDs:   []string{toAgentID},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.persist(ctx, next); err != nil {
		return Escalation{}, err
	}
	s.pushToAgent(ctx, fleetID, toAgentID, "escalation_forwarded", notify.TypeEscalationForwarded, next)
	return next, nil
}

func (s *Service) transition(ctx context.Context, fleetID, id, by string, apply func(*Escalation), event, notifyType string) (Escalation, error) {
	var updated Escalation
	err := s.store.Update(ctx, rowKey(fleetID, id), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, kv.ErrNotFound
		}
		var esc Escalation
		if err := json.Unmarshal(cur, &esc); err != nil {
			return nil, err
		}
		if esc.Status != StatusPending {
			return nil, core.InvalidStatus(esc.Status)
		}
		if !contains(esc.HandlerIDs, by) {
			return nil, core.NotAuthorized("only the current handler may act on an escalation")
		}
		apply(&esc)
		esc.UpdatedAt = core.Timestamp(time.Now())
		updated = esc
		return json.Marshal(esc)
	})
	if err != nil {
		return Escalation{}, err
	}
	if event != "" {
		// Handling and rejection notify the originator.
		s.pushToAgent(ctx, fleetID, updated.From, event, notifyType, updated)
	}
	return updated, nil
}

// persist writes the row and appends the id to the fleet index, deduplicated.
func (s *Service) persist(ctx context.Context, esc Escalation) error {
	if err := s.store.Put(ctx, rowKey(esc.FleetID, esc.EscalationID), core.MustJSON(esc)); err != nil {
		return core.StoreFailed(err)
	}
	err := s.store.Update(ctx, indexKey(esc.FleetID), func(cur []byte) ([]byte, error) {
		var ids []string
		if cur != nil {
			if err := json.Unmarshal(cur, &ids); err != nil {
				return nil, err
			}
		}
		if !contains(ids, esc.EscalationID) {
			ids = append(ids, esc.EscalationID)
		}
		return json.Marshal(ids)
	})
	if err != nil {
		return core.StoreFailed(err)
	}
	return nil
}

// pushToAgent publishes on the agent topic and raises a stored notification.
func (s *Service) pushToAgent(ctx context.Context, fleetID, agentID, event, notifyType string, esc Escalation) {
	s.bus.Publish(ctx, pubsub.AgentTopic(fleetID, agentID), event, esc)
	if notifyType != "" {
		_, _ = s.notifier.Notify(ctx, fleetID, agentID, notifyType, core.Payload{
			"escalation_id": esc.EscalationID,
			"from":          esc.From,
			"subject":       esc.Subject,
			"priority":      string(esc.Priority),
			"status":        esc.Status,
		})
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
