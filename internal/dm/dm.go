// Package dm delivers direct messages: straight to the recipient's topic
// when they are online anywhere in the cluster, otherwise into the offline
// queue drained on the next join. History and notifications are asynchronous
// side effects.
package dm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/notify"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/transform"
)

// Delivery statuses returned to the sender.
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
)

// Result is the reply body for a send.
type Result struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// queueKey embeds a monotonic millisecond timestamp so lexical order on the
// prefix scan is send order, which random message ids alone cannot give.
func queueKey(fleetID, agentID, messageID string, at time.Time) string {
	return fmt.Sprintf("dmq:%s:%s:%013d:%s", fleetID, agentID, at.UnixMilli(), messageID)
}

func queuePrefix(fleetID, agentID string) string {
	return "dmq:" + fleetID + ":" + agentID + ":"
}

// Service routes direct messages.
type Service struct {
	store    kv.Store
	bus      *pubsub.Bus
	tracker  *presence.Tracker
	log      eventlog.Log
	notifier *notify.Service
	logger   *slog.Logger
}

// NewService wires a DM service.
func NewService(store kv.Store, bus *pubsub.Bus, tracker *presence.Tracker, log eventlog.Log, notifier *notify.Service, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		bus:      bus,
		tracker:  tracker,
		log:      log,
		notifier: notifier,
		logger:   logger,
	}
}

// Send builds the envelope and delivers or queues it. Self-sends no-op with
// a delivered status; the gateway rejects them earlier, the core tolerates.
func (s *Service) Send(ctx context.Context, fleetID string, from core.Sender, to string, message core.Payload, correlationID string) (Result, error) {
	env := core.Envelope{
		MessageID:     core.NewMessageID(),
		FleetID:       fleetID,
		From:          from,
		To:            to,
		Message:       message,
		CorrelationID: correlationID,
		Timestamp:     core.Timestamp(time.Now()),
	}
	if from.AgentID == to {
		return Result{MessageID: env.MessageID, Status: StatusDelivered}, nil
	}

	status := StatusQueued
	if s.tracker.Online(fleetID, to) {
		s.bus.Publish(ctx, pubsub.AgentTopic(fleetID, to), "direct_message", env)
		status = StatusDelivered
	} else {
		key := queueKey(fleetID, to, env.MessageID, time.Now())
		if err := s.store.Put(ctx, key, core.MustJSON(env)); err != nil {
			return Result{}, core.StoreFailed(err)
		}
	}

	s.sideEffects(fleetID, env)
	return Result{MessageID: env.MessageID, Status: status}, nil
}

// sideEffects appends history and raises the recipient notification. Both
// are logged and swallowed on failure; they never fail the send.
func (s *Service) sideEffects(fleetID string, env core.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go func() {
		defer cancel()
		if err := s.log.Append(ctx, fleetID, eventlog.StreamDM, eventlog.Event{
			From:        env.From.AgentID,
			To:          env.To,
			Kind:        "dm",
			Description: describe(env.Message),
			Data:        map[string]interface{}{"message_id": env.MessageID},
			Timestamp:   env.Timestamp,
		}); err != nil {
			s.logger.Warn("dm: history append failed", "fleet_id", fleetID, "error", err)
		}
		if _, err := s.notifier.Notify(ctx, fleetID, env.To, notify.TypeDMReceived, core.Payload{
			"from":       env.From.AgentID,
			"message_id": env.MessageID,
			"preview":    transform.Preview(describe(env.Message)),
		}); err != nil {
			s.logger.Warn("dm: notification failed", "fleet_id", fleetID, "error", err)
		}
	}()
}

func describe(message core.Payload) string {
	if d, ok := message["description"].(string); ok {
		return d
	}
	return ""
}

// DeliverQueued drains the agent's offline queue in key order, publishing
// each envelope on the agent's topic and deleting the key. Called on join.
func (s *Service) DeliverQueued(ctx context.Context, fleetID, agentID string) ([]core.Envelope, error) {
	entries, err := s.store.List(ctx, queuePrefix(fleetID, agentID))
	if err != nil {
		return nil, core.StoreFailed(err)
	}
	delivered := make([]core.Envelope, 0, len(entries))
	for _, entry := range entries {
		var env core.Envelope
		if err := json.Unmarshal(entry.Value, &env); err != nil {
			s.logger.Warn("dm: corrupt queue entry dropped", "key", entry.Key, "error", err)
			_ = s.store.Delete(ctx, entry.Key)
			continue
		}
		s.bus.Publish(ctx, pubsub.AgentTopic(fleetID, agentID), "direct_message", env)
		if err := s.store.Delete(ctx, entry.Key); err != nil {
			return delivered, core.StoreFailed(err)
		}
		delivered = append(delivered, env)
	}
	return delivered, nil
}

// History returns DM events between two agents, newest first.
func (s *Service) History(ctx context.Context, fleetID, a, b string, limit int) ([]eventlog.Event, error) {
	return s.log.DMHistory(ctx, fleetID, a, b, limit)
}
