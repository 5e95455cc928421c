// Package task is the distributed dispatch store: units of work with an
// explicit state machine, priority-ordered pending queues per fleet, and
// per-agent assignment sets. Two backends exist — an in-process map for
// single-node deployments and Redis for clusters.
package task

import (
	"context"
	"time"

	"github.com/ringforge/hub/internal/core"
)

// Statuses. assigned and running are "active"; completed, failed, and
// timeout are terminal.
const (
	StatusPending   = "pending"
	StatusAssigned  = "assigned"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

const (
	// MaxTTL caps a task's execution window.
	MaxTTL = 300_000 * time.Millisecond
	// DefaultTTL applies when the caller specifies none.
	DefaultTTL = 60_000 * time.Millisecond
	// recordBuffer keeps a task record readable after its TTL elapses.
	recordBuffer = 600 * time.Second
	// terminalRetention shrinks retention once a task is done.
	terminalRetention = 300 * time.Second
)

// Task is one dispatch unit.
type Task struct {
	TaskID               string        `json:"task_id"`
	FleetID              string        `json:"fleet_id"`
	RequesterID          string        `json:"requester_id,omitempty"`
	Type                 string        `json:"type,omitempty"`
	Prompt               string        `json:"prompt,omitempty"`
	CapabilitiesRequired []string      `json:"capabilities_required,omitempty"`
	Payload              core.Payload  `json:"payload,omitempty"`
	Priority             core.Priority `json:"priority"`
	Status               string        `json:"status"`
	AgentID              string        `json:"agent_id,omitempty"`
	Result               core.Payload  `json:"result,omitempty"`
	FailReason           string        `json:"fail_reason,omitempty"`
	TTLMillis            int64         `json:"ttl_ms"`
	CorrelationID        string        `json:"correlation_id,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	AssignedAt           time.Time     `json:"assigned_at,omitempty"`
	StartedAt            time.Time     `json:"started_at,omitempty"`
	CompletedAt          time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the status is final.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusTimeout
}

// Active reports whether the task occupies the active set.
func Active(status string) bool {
	return status == StatusAssigned || status == StatusRunning
}

// PriorityRank orders pending queues: high first, low last. Critical ranks
// with high.
func PriorityRank(p core.Priority) int {
	switch p {
	case core.PriorityCritical, core.PriorityHigh:
		return 0
	case core.PriorityLow:
		return 2
	default:
		return 1
	}
}

// ClampTTL normalizes a requested TTL into (0, MaxTTL].
func ClampTTL(ms int64) int64 {
	if ms <= 0 {
		return DefaultTTL.Milliseconds()
	}
	if ms > MaxTTL.Milliseconds() {
		return MaxTTL.Milliseconds()
	}
	return ms
}

// Store is the dispatch backend. Transitions are atomic with respect to the
// pending/active/agent index updates; concurrent Assign of one task admits
// exactly one winner, the loser sees invalid_status.
type Store interface {
	// Create stores a new pending task, assigning TaskID when empty, and
	// bumps the daily counter.
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Assign moves pending → assigned for agentID.
	Assign(ctx context.Context, id, agentID string) (*Task, error)
	// Start moves assigned → running.
	Start(ctx context.Context, id string) (*Task, error)
	// Complete moves running → completed with a result.
	Complete(ctx context.Context, id string, result core.Payload) (*Task, error)
	// Fail moves any non-terminal status → failed.
	Fail(ctx context.Context, id, reason string) (*Task, error)
	// Timeout moves any non-terminal status → timeout. Idempotent: a
	// terminal task is returned unchanged with no error.
	Timeout(ctx context.Context, id string) (*Task, error)
	// PendingForFleet returns pending tasks by priority rank, then age.
	PendingForFleet(ctx context.Context, fleetID string) ([]*Task, error)
	// ActiveTasks returns ids in assigned or running.
	ActiveTasks(ctx context.Context) ([]string, error)
	// AgentTasks returns ids currently assigned to the agent.
	AgentTasks(ctx context.Context, agentID string) ([]string, error)
	// CleanupExpired times out tasks past TTL and evicts stale terminal
	// records; returns the number timed out.
	CleanupExpired(ctx context.Context) (int, error)
	// TasksToday returns the count of tasks created today (UTC).
	TasksToday(ctx context.Context) (int, error)
}

// transition validates a status move. Timeout on a terminal task is the one
// legal no-op, signalled by ok=false with a nil error.
func transition(current, next string) error {
	allowed := map[string][]string{
		StatusAssigned:  {StatusPending},
		StatusRunning:   {StatusAssigned},
		StatusCompleted: {StatusRunning},
		StatusFailed:    {StatusPending, StatusAssigned, StatusRunning},
		StatusTimeout:   {StatusPending, StatusAssigned, StatusRunning},
	}
	for _, from := range allowed[next] {
		if current == from {
			return nil
		}
	}
	return core.InvalidStatus(current)
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }
