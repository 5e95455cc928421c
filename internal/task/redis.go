package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ringforge/hub/internal/core"
)

const (
	taskKeyPrefix    = "rf:task:"
	pendingKeyPrefix = "rf:tasks:pending:"
	activeKey        = "rf:tasks:active"
	agentKeyPrefix   = "rf:tasks:agent:"
	dailyKeyPrefix   = "rf:tasks:daily:"

	dailyTTL     = 48 * time.Hour
	maxTxRetries = 16
)

// Redis is the clustered Store. Records are JSON values with a TTL; the
// pending queue is a sorted set scored by priority rank, active and per-agent
// memberships are sets, and the daily counter is a 48h-expiring string.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func taskKey(id string) string         { return taskKeyPrefix + id }
func pendingKey(fleetID string) string { return pendingKeyPrefix + fleetID }
func agentKey(agentID string) string   { return agentKeyPrefix + agentID }

func recordTTL(t *Task) time.Duration {
	if Terminal(t.Status) {
		return terminalRetention
	}
	return time.Duration(t.TTLMillis)*time.Millisecond + recordBuffer
}

func (r *Redis) Create(ctx context.Context, t *Task) error {
	if t.TaskID == "" {
		t.TaskID = core.NewTaskID()
	}
	if t.Priority == "" {
		t.Priority = core.PriorityNormal
	}
	t.TTLMillis = ClampTTL(t.TTLMillis)
	t.Status = StatusPending
	t.CreatedAt = r.now()

	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	day := dailyKeyPrefix + dayKey(t.CreatedAt)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKey(t.TaskID), raw, recordTTL(t))
		pipe.ZAdd(ctx, pendingKey(t.FleetID), redis.Z{
			Score:  float64(PriorityRank(t.Priority)),
			Member: t.TaskID,
		})
		pipe.Incr(ctx, day)
		pipe.Expire(ctx, day, dailyTTL)
		return nil
	})
	return err
}

func (r *Redis) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := r.rdb.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Redis) Assign(ctx context.Context, id, agentID string) (*Task, error) {
	return r.mutate(ctx, id, StatusAssigned, func(t *Task) {
		t.AgentID = agentID
		t.AssignedAt = r.now()
	})
}

func (r *Redis) Start(ctx context.Context, id string) (*Task, error) {
	return r.mutate(ctx, id, StatusRunning, func(t *Task) {
		t.StartedAt = r.now()
	})
}

func (r *Redis) Complete(ctx context.Context, id string, result core.Payload) (*Task, error) {
	return r.mutate(ctx, id, StatusCompleted, func(t *Task) {
		t.Result = result
		t.CompletedAt = r.now()
	})
}

func (r *Redis) Fail(ctx context.Context, id, reason string) (*Task, error) {
	return r.mutate(ctx, id, StatusFailed, func(t *Task) {
		t.FailReason = reason
		t.CompletedAt = r.now()
	})
}

func (r *Redis) Timeout(ctx context.Context, id string) (*Task, error) {
	t, err := r.mutate(ctx, id, StatusTimeout, func(t *Task) {
		t.CompletedAt = r.now()
	})
	var out *core.Outcome
	if errors.As(err, &out) && out.Kind == core.KindInvalidStatus {
		// Idempotent on terminal tasks.
		return r.Get(ctx, id)
	}
	return t, err
}

// mutate runs the transition under WATCH so the status check and the index
// updates commit atomically; a concurrent winner forces a retry, and the
// loser then observes the new status and gets invalid_status.
func (r *Redis) mutate(ctx context.Context, id, next string, apply func(*Task)) (*Task, error) {
	key := taskKey(id)
	var updated *Task

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if err := transition(t.Status, next); err != nil {
			return err
		}
		prev := t.Status
		t.Status = next
		apply(&t)
		nextRaw, err := json.Marshal(&t)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nextRaw, recordTTL(&t))
			if prev == StatusPending {
				pipe.ZRem(ctx, pendingKey(t.FleetID), t.TaskID)
			}
			switch {
			case next == StatusAssigned:
				pipe.SAdd(ctx, activeKey, t.TaskID)
				pipe.SAdd(ctx, agentKey(t.AgentID), t.TaskID)
			case Terminal(next):
				pipe.SRem(ctx, activeKey, t.TaskID)
				if t.AgentID != "" {
					pipe.SRem(ctx, agentKey(t.AgentID), t.TaskID)
				}
			}
			return nil
		})
		if err == nil {
			updated = &t
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("task: transition contention on %q", id)
}

func (r *Redis) PendingForFleet(ctx context.Context, fleetID string) ([]*Task, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, pendingKey(fleetID), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Record expired under the queue entry; drop the orphan.
			r.rdb.ZRem(ctx, pendingKey(fleetID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *Redis) ActiveTasks(ctx context.Context) ([]string, error) {
	return r.rdb.SMembers(ctx, activeKey).Result()
}

func (r *Redis) AgentTasks(ctx context.Context, agentID string) ([]string, error) {
	return r.rdb.SMembers(ctx, agentKey(agentID)).Result()
}

// CleanupExpired times out active tasks whose record outlived its TTL. The
// record keys carry their own Redis TTL, so eviction of terminal rows is the
// server's job; this pass only drives the timeout transition.
func (r *Redis) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := r.ActiveTasks(ctx)
	if err != nil {
		return 0, err
	}
	iter := r.rdb.Scan(ctx, 0, pendingKeyPrefix+"*", 64).Iterator()
	for iter.Next(ctx) {
		pending, err := r.rdb.ZRange(ctx, iter.Val(), 0, -1).Result()
		if err != nil {
			return 0, err
		}
		ids = append(ids, pending...)
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}

	timedOut := 0
	now := r.now()
	for _, id := range ids {
		t, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.rdb.SRem(ctx, activeKey, id)
			continue
		}
		if err != nil {
			return timedOut, err
		}
		ttl := time.Duration(t.TTLMillis) * time.Millisecond
		if !Terminal(t.Status) && now.Sub(t.CreatedAt) > ttl {
			if _, err := r.Timeout(ctx, id); err == nil {
				timedOut++
			}
		}
	}
	return timedOut, nil
}

func (r *Redis) TasksToday(ctx context.Context) (int, error) {
	n, err := r.rdb.Get(ctx, dailyKeyPrefix+dayKey(r.now())).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
