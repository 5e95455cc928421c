// Package thread implements persistent ordered conversations. The thread row
// lives at thr:{fleet_id}:{thread_id}; messages at
// thr_msg:{thread_id}:{timestamp}:{message_id} so a lexical prefix scan is
// insertion order. Counter and participant updates are serialized per key
// through the store's Update.
package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/pubsub"
)

// Thread statuses.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusArchived = "archived"
)

// Thread scopes: what kind of conversation the thread anchors.
const (
	ScopeDM         = "dm"
	ScopeSquad      = "squad"
	ScopeTask       = "task"
	ScopeEscalation = "escalation"
)

// ValidScope reports whether s names a known thread scope.
func ValidScope(s string) bool {
	switch s {
	case ScopeDM, ScopeSquad, ScopeTask, ScopeEscalation:
		return true
	}
	return false
}

// Thread is the conversation row.
type Thread struct {
	ThreadID       string   `json:"thread_id"`
	FleetID        string   `json:"fleet_id"`
	TenantID       string   `json:"tenant_id"`
	Scope          string   `json:"scope"`
	Subject        string   `json:"subject,omitempty"`
	TaskID         string   `json:"task_id,omitempty"`
	ParticipantIDs []string `json:"participant_ids"`
	Status         string   `json:"status"`
	MessageCount   int      `json:"message_count"`
	CreatedBy      string   `json:"created_by"`
	CreatedAt      string   `json:"created_at"`
	LastMessageAt  string   `json:"last_message_at,omitempty"`
	ClosedAt       string   `json:"closed_at,omitempty"`
	ClosedBy       string   `json:"closed_by,omitempty"`
	CloseReason    string   `json:"close_reason,omitempty"`
}

// CreateAttrs carries the optional fields of a new thread.
type CreateAttrs struct {
	TenantID       string
	Scope          string
	Subject        string
	TaskID         string
	ParticipantIDs []string
}

// Message is one thread entry.
type Message struct {
	MessageID string       `json:"message_id"`
	ThreadID  string       `json:"thread_id"`
	AgentID   string       `json:"agent_id"`
	Body      string       `json:"body"`
	Refs      []string     `json:"refs,omitempty"`
	Metadata  core.Payload `json:"metadata,omitempty"`
	Timestamp string       `json:"timestamp"`
}

func rowKey(fleetID, threadID string) string {
	return "thr:" + fleetID + ":" + threadID
}

func msgKey(threadID string, at time.Time, messageID string) string {
	return fmt.Sprintf("thr_msg:%s:%013d:%s", threadID, at.UnixMilli(), messageID)
}

func msgPrefix(threadID string) string { return "thr_msg:" + threadID + ":" }

// ErrNotFound is returned for unknown thread ids.
var ErrNotFound = kv.ErrNotFound

// Service manages threads.
type Service struct {
	store kv.Store
	bus   *pubsub.Bus
}

// NewService builds a thread service.
func NewService(store kv.Store, bus *pubsub.Bus) *Service {
	return &Service{store: store, bus: bus}
}

// Create inserts a thread. The creator is always a participant. An empty
// scope defaults to task when a task id is bound, dm otherwise.
func (s *Service) Create(ctx context.Context, fleetID, createdBy string, attrs CreateAttrs) (Thread, error) {
	scope := attrs.Scope
	if scope == "" {
		if attrs.TaskID != "" {
			scope = ScopeTask
		} else {
			scope = ScopeDM
		}
	}
	if !ValidScope(scope) {
		return Thread{}, fmt.Errorf("unknown thread scope %q", scope)
	}
	th := Thread{
		ThreadID:       core.NewThreadID(),
		FleetID:        fleetID,
		TenantID:       attrs.TenantID,
		Scope:          scope,
		Subject:        attrs.Subject,
		TaskID:         attrs.TaskID,
		ParticipantIDs: withParticipant(attrs.ParticipantIDs, createdBy),
		Status:         StatusOpen,
		CreatedBy:      createdBy,
		CreatedAt:      core.Timestamp(time.Now()),
	}
	if err := s.store.Put(ctx, rowKey(fleetID, th.ThreadID), core.MustJSON(th)); err != nil {
		return Thread{}, core.StoreFailed(err)
	}
	return th, nil
}

// Get resolves a thread row.
func (s *Service) Get(ctx context.Context, fleetID, threadID string) (Thread, error) {
	raw, err := s.store.Get(ctx, rowKey(fleetID, threadID))
	if err != nil {
		return Thread{}, err
	}
	var th Thread
	if err := json.Unmarshal(raw, &th); err != nil {
		return Thread{}, err
	}
	return th, nil
}

// AddMessage appends to an open thread: writes the message row, bumps the
// counter and last_message_at atomically, auto-adds the sender as a
// participant, and publishes on the thread topic.
func (s *Service) AddMessage(ctx context.Context, fleetID, threadID, agentID, body string, refs []string, metadata core.Payload) (Message, error) {
	now := time.Now()
	msg := Message{
		MessageID: core.NewMessageID(),
		ThreadID:  threadID,
		AgentID:   agentID,
		Body:      body,
		Refs:      refs,
		Metadata:  metadata,
		Timestamp: core.Timestamp(now),
	}

	var closed bool
	err := s.store.Update(ctx, rowKey(fleetID, threadID), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, ErrNotFound
		}
		var th Thread
		if err := json.Unmarshal(cur, &th); err != nil {
			return nil, err
		}
		if th.Status != StatusOpen {
			closed = true
			return cur, nil
		}
		th.MessageCount++
		th.LastMessageAt = msg.Timestamp
		th.ParticipantIDs = withParticipant(th.ParticipantIDs, agentID)
		return json.Marshal(th)
	})
	if err != nil {
		return Message{}, err
	}
	if closed {
		return Message{}, core.InvalidStatus(StatusClosed)
	}

	if err := s.store.Put(ctx, msgKey(threadID, now, msg.MessageID), core.MustJSON(msg)); err != nil {
		return Message{}, core.StoreFailed(err)
	}
	s.bus.Publish(ctx, pubsub.ThreadTopic(threadID), "thread_message", msg)
	return msg, nil
}

// Messages returns thread messages in insertion order. before (a timestamp in
// envelope format) filters to strictly older messages; limit takes the last N.
func (s *Service) Messages(ctx context.Context, threadID string, limit int, before string) ([]Message, error) {
	entries, err := s.store.List(ctx, msgPrefix(threadID))
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		var m Message
		if err := json.Unmarshal(entry.Value, &m); err != nil {
			continue
		}
		if before != "" && m.Timestamp >= before {
			continue
		}
		msgs = append(msgs, m)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Close marks a thread closed and publishes thread_closed. Closing a closed
// thread is a no-op.
func (s *Service) Close(ctx context.Context, fleetID, threadID, by, reason string) error {
	var changed bool
	err := s.store.Update(ctx, rowKey(fleetID, threadID), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, ErrNotFound
		}
		var th Thread
		if err := json.Unmarshal(cur, &th); err != nil {
			return nil, err
		}
		if th.Status == StatusClosed {
			return cur, nil
		}
		th.Status = StatusClosed
		th.ClosedAt = core.Timestamp(time.Now())
		th.ClosedBy = by
		th.CloseReason = reason
		changed = true
		return json.Marshal(th)
	})
	if err != nil {
		return err
	}
	if changed {
		s.bus.Publish(ctx, pubsub.ThreadTopic(threadID), "thread_closed", map[string]string{
			"thread_id": threadID,
			"closed_by": by,
			"reason":    reason,
		})
	}
	return nil
}

// CloseTaskThreads closes every open thread bound to the task. Called by the
// dispatch collaborator when a task reaches done.
func (s *Service) CloseTaskThreads(ctx context.Context, fleetID, taskID string) (int, error) {
	entries, err := s.store.List(ctx, "thr:"+fleetID+":")
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, entry := range entries {
		var th Thread
		if err := json.Unmarshal(entry.Value, &th); err != nil {
			continue
		}
		if th.TaskID != taskID || th.Status != StatusOpen {
			continue
		}
		if err := s.Close(ctx, fleetID, th.ThreadID, "system", "task completed"); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func withParticipant(ids []string, agentID string) []string {
	for _, id := range ids {
		if id == agentID {
			return ids
		}
	}
	return append(ids, agentID)
}
