package task

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ringforge/hub/internal/core"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task: not found")

// Memory is the single-node Store.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*Task
	daily map[string]int
	now   func() time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]*Task),
		daily: make(map[string]int),
		now:   time.Now,
	}
}

func (m *Memory) Create(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.TaskID == "" {
		t.TaskID = core.NewTaskID()
	}
	if t.Priority == "" {
		t.Priority = core.PriorityNormal
	}
	t.TTLMillis = ClampTTL(t.TTLMillis)
	t.Status = StatusPending
	t.CreatedAt = m.now()
	cp := *t
	m.tasks[t.TaskID] = &cp
	m.daily[dayKey(t.CreatedAt)]++
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) Assign(_ context.Context, id, agentID string) (*Task, error) {
	return m.mutate(id, StatusAssigned, func(t *Task) {
		t.AgentID = agentID
		t.AssignedAt = m.now()
	})
}

func (m *Memory) Start(_ context.Context, id string) (*Task, error) {
	return m.mutate(id, StatusRunning, func(t *Task) {
		t.StartedAt = m.now()
	})
}

func (m *Memory) Complete(_ context.Context, id string, result core.Payload) (*Task, error) {
	return m.mutate(id, StatusCompleted, func(t *Task) {
		t.Result = result
		t.CompletedAt = m.now()
	})
}

func (m *Memory) Fail(_ context.Context, id, reason string) (*Task, error) {
	return m.mutate(id, StatusFailed, func(t *Task) {
		t.FailReason = reason
		t.CompletedAt = m.now()
	})
}

func (m *Memory) Timeout(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeoutLocked(id)
}

func (m *Memory) timeoutLocked(id string) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if Terminal(t.Status) {
		cp := *t
		return &cp, nil
	}
	t.Status = StatusTimeout
	t.CompletedAt = m.now()
	cp := *t
	return &cp, nil
}

func (m *Memory) mutate(id, next string, apply func(*Task)) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := transition(t.Status, next); err != nil {
		return nil, err
	}
	t.Status = next
	apply(t)
	cp := *t
	return &cp, nil
}

func (m *Memory) PendingForFleet(_ context.Context, fleetID string) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.FleetID == fleetID && t.Status == StatusPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := PriorityRank(out[i].Priority), PriorityRank(out[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ActiveTasks(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, t := range m.tasks {
		if Active(t.Status) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) AgentTasks(_ context.Context, agentID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, t := range m.tasks {
		if t.AgentID == agentID && Active(t.Status) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) CleanupExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	timedOut := 0
	for id, t := range m.tasks {
		ttl := time.Duration(t.TTLMillis) * time.Millisecond
		if !Terminal(t.Status) && now.Sub(t.CreatedAt) > ttl {
			if _, err := m.timeoutLocked(id); err == nil {
				timedOut++
			}
			continue
		}
		if Terminal(t.Status) && now.Sub(t.CompletedAt) > terminalRetention {
			delete(m.tasks, id)
		}
	}
	return timedOut, nil
}

func (m *Memory) TasksToday(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.daily[dayKey(m.now())], nil
}
