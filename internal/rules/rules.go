// Package rules evaluates fleet-configurable business rules against the
// routing context. Rules live as a JSON list at biz_rules:{fleet_id} in the
// KV store; fleets without a stored list get the built-in defaults.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/ratelimit"
)

// Rule types.
const (
	TypeAccess    = "access"
	TypeRateLimit = "rate_limit"
	TypeTransform = "transform"
)

// Access rule actions.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// Rule is one entry of a fleet's ordered rule list. Condition maps context
// keys to expected values; a list value matches any of its elements.
type Rule struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Condition map[string]interface{} `json:"condition"`
	Action    string                 `json:"action,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Limit     int                    `json:"limit,omitempty"`
	Per       string                 `json:"per,omitempty"`
}

// RateLimit converts a rate_limit rule into a limiter cap. The second return
// is false for non-rate rules or unknown windows.
func (r *Rule) RateLimit() (ratelimit.Limit, bool) {
	if r.Type != TypeRateLimit {
		return ratelimit.Limit{}, false
	}
	switch r.Per {
	case "minute":
		return ratelimit.Limit{Max: r.Limit, Window: time.Minute}, true
	case "hour":
		return ratelimit.Limit{Max: r.Limit, Window: time.Hour}, true
	default:
		return ratelimit.Limit{}, false
	}
}

// Matches reports whether every condition key equals the context value.
func (r *Rule) Matches(ctx map[string]interface{}) bool {
	for key, want := range r.Condition {
		got, ok := ctx[key]
		if !ok || !matchValue(want, got) {
			return false
		}
	}
	return true
}

// matchValue compares loosely: lists are any-of, and numbers compare by value
// so rules surviving a JSON round trip (float64) still match int context.
func matchValue(want, got interface{}) bool {
	if list, ok := want.([]interface{}); ok {
		for _, alt := range list {
			if matchValue(alt, got) {
				return true
			}
		}
		return false
	}
	if wf, ok := toFloat(want); ok {
		gf, ok := toFloat(got)
		return ok && wf == gf
	}
	return fmt.Sprintf("%v", want) == fmt.Sprintf("%v", got)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Decision is the outcome of one evaluation pass.
type Decision struct {
	// Allowed / Denied reflect the first matching access rule; both false
	// means no access rule matched and the tier hierarchy decides.
	Allowed bool
	Denied  *Rule

	// Transforms accumulates every matching transform rule.
	Transforms []Rule

	// RateOverride replaces the tier-default cap when set.
	RateOverride *ratelimit.Limit
}

// Evaluate scans the list in declared order. The first matching access rule
// wins; transform matches accumulate; the first matching rate rule overrides.
func Evaluate(list []Rule, ctx map[string]interface{}) Decision {
	var d Decision
	accessDecided := false
	for i := range list {
		r := &list[i]
		if !r.Matches(ctx) {
			continue
		}
		switch r.Type {
		case TypeAccess:
			if accessDecided {
				continue
			}
			accessDecided = true
			if r.Action == ActionAllow {
				d.Allowed = true
			} else {
				d.Denied = r
			}
		case TypeTransform:
			d.Transforms = append(d.Transforms, *r)
		case TypeRateLimit:
			if d.RateOverride == nil {
				if lim, ok := r.RateLimit(); ok {
					d.RateOverride = &lim
				}
			}
		}
	}
	return d
}

// Defaults is the built-in rule list used when a fleet has none stored.
func Defaults() []Rule {
	return []Rule{
		{
			ID:        "default-critical-bypass",
			Type:      TypeAccess,
			Condition: map[string]interface{}{"priority": "critical"},
			Action:    ActionAllow,
			Message:   "Critical priority bypasses the hierarchy",
		},
		{
			ID:   "default-cross-squad-deny",
			Type: TypeAccess,
			Condition: map[string]interface{}{
				"action":      "dm",
				"cross_squad": true,
				"sender_tier": []interface{}{3, 4},
			},
			Action:  ActionDeny,
			Message: "Cross-squad messaging requires Tier 1+ role",
		},
		{
			ID:   "default-restricted-leadership-deny",
			Type: TypeAccess,
			Condition: map[string]interface{}{
				"action":      "dm",
				"sender_tier": 4,
				"target_tier": []interface{}{0, 1},
			},
			Action:  ActionDeny,
			Message: "Restricted agents cannot message leadership directly",
		},
		{
			ID:   "default-tier4-dm-rate",
			Type: TypeRateLimit,
			Condition: map[string]interface{}{
				"action":      "dm",
				"sender_tier": 4,
			},
			Limit: 5,
			Per:   "minute",
		},
	}
}

func storeKey(fleetID string) string { return "biz_rules:" + fleetID }

// Engine persists and evaluates per-fleet rule lists.
type Engine struct {
	store kv.Store
}

// NewEngine builds a rule engine over the given KV store.
func NewEngine(store kv.Store) *Engine {
	return &Engine{store: store}
}

// List returns the fleet's stored rules, or the defaults when none exist.
func (e *Engine) List(ctx context.Context, fleetID string) ([]Rule, error) {
	raw, err := e.store.Get(ctx, storeKey(fleetID))
	if err == kv.ErrNotFound {
		return Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	var list []Rule
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode rules for %s: %w", fleetID, err)
	}
	return list, nil
}

// Add appends a rule and persists the full list. A missing id is assigned.
// The first write materializes the defaults so operators edit what is live.
func (e *Engine) Add(ctx context.Context, fleetID string, rule Rule) (Rule, error) {
	if rule.ID == "" {
		rule.ID = "rule_" + uuid.NewString()
	}
	err := e.store.Update(ctx, storeKey(fleetID), func(cur []byte) ([]byte, error) {
		list, err := decodeOrDefaults(cur)
		if err != nil {
			return nil, err
		}
		list = append(list, rule)
		return json.Marshal(list)
	})
	if err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// Remove drops a rule by id and persists the remainder.
func (e *Engine) Remove(ctx context.Context, fleetID, ruleID string) error {
	return e.store.Update(ctx, storeKey(fleetID), func(cur []byte) ([]byte, error) {
		list, err := decodeOrDefaults(cur)
		if err != nil {
			return nil, err
		}
		kept := list[:0]
		for _, r := range list {
			if r.ID != ruleID {
				kept = append(kept, r)
			}
		}
		return json.Marshal(kept)
	})
}

func decodeOrDefaults(cur []byte) ([]Rule, error) {
	if cur == nil {
		return Defaults(), nil
	}
	var list []Rule
	if err := json.Unmarshal(cur, &list); err != nil {
		return nil, err
	}
	return list, nil
}
