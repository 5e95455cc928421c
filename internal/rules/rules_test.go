package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/ratelimit"
)

func dmContext(senderTier int, crossSquad bool, priority string) map[string]interface{} {
	return map[string]interface{}{
		"action":      "dm",
		"sender_tier": senderTier,
		"target_tier": 3,
		"cross_squad": crossSquad,
		"priority":    priority,
	}
}

func TestDefaults_CriticalBypassWinsByOrder(t *testing.T) {
	// Critical priority matches the allow rule before the cross-squad deny.
	d := Evaluate(Defaults(), dmContext(3, true, "critical"))
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Denied)
}

func TestDefaults_CrossSquadDeny(t *testing.T) {
	d := Evaluate(Defaults(), dmContext(3, true, "normal"))
	require.NotNil(t, d.Denied)
	assert.Equal(t, "default-cross-squad-deny", d.Denied.ID)
	assert.Equal(t, "Cross-squad messaging requires Tier 1+ role", d.Denied.Message)

	// Tier 2 is not in the any-of list.
	d = Evaluate(Defaults(), dmContext(2, true, "normal"))
	assert.Nil(t, d.Denied)
	assert.False(t, d.Allowed)
}

func TestDefaults_RestrictedLeadershipDeny(t *testing.T) {
	ctx := dmContext(4, false, "normal")
	ctx["target_tier"] = 1
	d := Evaluate(Defaults(), ctx)
	require.NotNil(t, d.Denied)
	assert.Equal(t, "default-restricted-leadership-deny", d.Denied.ID)
}

func TestDefaults_Tier4RateOverride(t *testing.T) {
	d := Evaluate(Defaults(), dmContext(4, false, "normal"))
	require.NotNil(t, d.RateOverride)
	assert.Equal(t, ratelimit.Limit{Max: 5, Window: time.Minute}, *d.RateOverride)
}

func TestEvaluate_FirstAccessMatchWins(t *testing.T) {
	list := []Rule{
		{ID: "r1", Type: TypeAccess, Condition: map[string]interface{}{"action": "dm"}, Action: ActionAllow},
		{ID: "r2", Type: TypeAccess, Condition: map[string]interface{}{"action": "dm"}, Action: ActionDeny},
	}
	d := Evaluate(list, map[string]interface{}{"action": "dm"})
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Denied)
}

func TestEvaluate_TransformsAccumulate(t *testing.T) {
	list := []Rule{
		{ID: "t1", Type: TypeTransform, Condition: map[string]interface{}{"sender_has_active_task": true}, Action: "attach_task_context"},
		{ID: "t2", Type: TypeTransform, Condition: map[string]interface{}{"action": "dm"}, Action: "add_preview"},
	}
	d := Evaluate(list, map[string]interface{}{"action": "dm", "sender_has_active_task": true})
	require.Len(t, d.Transforms, 2)
	assert.Equal(t, "attach_task_context", d.Transforms[0].Action)
	assert.Equal(t, "add_preview", d.Transforms[1].Action)
}

func TestMatches_JSONRoundTripNumbers(t *testing.T) {
	// A rule loaded from the KV store carries float64 condition values.
	raw := `{"id":"x","type":"access","condition":{"sender_tier":[3,4]},"action":"deny"}`
	var r Rule
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	assert.True(t, r.Matches(map[string]interface{}{"sender_tier": 4}))
	assert.False(t, r.Matches(map[string]interface{}{"sender_tier": 2}))
}

func TestEngine_ListFallsBackToDefaults(t *testing.T) {
	e := NewEngine(kv.NewMemory())
	list, err := e.List(context.Background(), "F1")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), list)
}

func TestEngine_AddRemovePersist(t *testing.T) {
	store := kv.NewMemory()
	e := NewEngine(store)
	ctx := context.Background()

	added, err := e.Add(ctx, "F1", Rule{
		Type:      TypeAccess,
		Condition: map[string]interface{}{"priority": "low"},
		Action:    ActionDeny,
		Message:   "Low priority is muted",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)

	list, err := e.List(ctx, "F1")
	require.NoError(t, err)
	// First write materializes the defaults, then appends.
	require.Len(t, list, len(Defaults())+1)
	assert.Equal(t, added.ID, list[len(list)-1].ID)

	require.NoError(t, e.Remove(ctx, "F1", "default-cross-squad-deny"))
	list, err = e.List(ctx, "F1")
	require.NoError(t, err)
	assert.Len(t, list, len(Defaults()))
	for _, r := range list {
		assert.NotEqual(t, "default-cross-squad-deny", r.ID)
	}

	// Removal persists: cross-squad tier-3 is no longer denied by rules.
	d := Evaluate(list, dmContext(3, true, "normal"))
	assert.Nil(t, d.Denied)
}
