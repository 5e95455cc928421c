// Package ratelimit enforces per-agent, per-action sliding windows with
// tier-indexed caps. Counters are process-local; sticky connections keep an
// agent on one node for the life of a session, so no shared counter store is
// needed.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ringforge/hub/internal/core"
)

// Action is the rate-limited verb.
type Action string

const (
	ActionDM        Action = "dm"
	ActionBroadcast Action = "broadcast"
)

const (
	janitorInterval = 5 * time.Minute
	longestWindow   = time.Hour
)

// Limit is a cap over a window. Max < 0 means unlimited; Max == 0 means the
// action is forbidden at this tier.
type Limit struct {
	Max    int
	Window time.Duration
}

// Unlimited reports whether the limit never rejects.
func (l Limit) Unlimited() bool { return l.Max < 0 }

// TierLimit returns the default cap for a tier and action.
func TierLimit(tier int, action Action) Limit {
	if action == ActionBroadcast {
		switch tier {
		case 0, 1:
			return Limit{Max: -1}
		case 2:
			return Limit{Max: 10, Window: time.Hour}
		case 3:
			return Limit{Max: 3, Window: time.Hour}
		default:
			return Limit{Max: 0, Window: time.Hour}
		}
	}
	switch tier {
	case 0, 1:
		return Limit{Max: -1}
	case 2:
		return Limit{Max: 60, Window: time.Minute}
	case 3:
		return Limit{Max: 20, Window: time.Minute}
	default:
		return Limit{Max: 5, Window: time.Minute}
	}
}

type key struct {
	agentID string
	action  Action
}

// Limiter holds the per-key timestamp lists. Reads prune in place, so a
// key's list never grows beyond its cap plus the burst since last check.
type Limiter struct {
	mu      sync.Mutex
	entries map[key][]time.Time
	now     func() time.Time
}

// New creates a limiter using the wall clock.
func New() *Limiter {
	return &Limiter{
		entries: make(map[key][]time.Time),
		now:     time.Now,
	}
}

// Check returns nil when another event fits under the limit, or a limited
// outcome with the retry hint. It records nothing — call Record only after
// the message actually delivers.
func (l *Limiter) Check(agentID string, action Action, limit Limit) error {
	if limit.Unlimited() {
		return nil
	}
	if limit.Max == 0 {
		return core.Limited(limit.Window.Milliseconds())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{agentID, action}
	now := l.now()
	inWindow := prune(l.entries[k], now.Add(-limit.Window))
	l.entries[k] = inWindow

	if len(inWindow) < limit.Max {
		return nil
	}

	oldest := inWindow[0]
	retryAfter := oldest.Add(limit.Window).Sub(now).Milliseconds()
	if retryAfter < 1 {
		retryAfter = 1
	}
	return core.Limited(retryAfter)
}

// Record stamps a successful event for the agent and action.
func (l *Limiter) Record(agentID string, action Action) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{agentID, action}
	l.entries[k] = append(l.entries[k], l.now())
}

// prune drops timestamps at or before cutoff. Lists are chronological, so a
// single scan from the front suffices.
func prune(list []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(list) && !list[idx].After(cutoff) {
		idx++
	}
	return list[idx:]
}

// StartJanitor evicts entries older than the longest window every five
// minutes, until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-longestWindow)
	for k, list := range l.entries {
		kept := prune(list, cutoff)
		if len(kept) == 0 {
			delete(l.entries, k)
		} else {
			l.entries[k] = kept
		}
	}
}
