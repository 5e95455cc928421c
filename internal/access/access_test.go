package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/directory"
)

func TestDetectTier(t *testing.T) {
	tests := []struct {
		name  string
		agent *directory.Agent
		want  int
	}{
		{"fleet admin", &directory.Agent{RoleSlug: "backend-dev", Metadata: map[string]interface{}{"fleet_admin": true}}, TierAdmin},
		{"tech lead", &directory.Agent{RoleSlug: "tech-lead"}, TierStrategic},
		{"product manager", &directory.Agent{RoleSlug: "product-manager"}, TierStrategic},
		{"consultant", &directory.Agent{RoleSlug: "consultant"}, TierStrategic},
		{"squad leader", &directory.Agent{RoleSlug: "squad-leader"}, TierTactical},
		{"devops", &directory.Agent{RoleSlug: "devops"}, TierTactical},
		{"backend dev", &directory.Agent{RoleSlug: "backend-dev"}, TierOperational},
		{"qa engineer", &directory.Agent{RoleSlug: "qa-engineer"}, TierOperational},
		{"unknown slug", &directory.Agent{RoleSlug: "intern"}, TierOperational},
		{"unroled", &directory.Agent{}, TierRestricted},
		{"restricted context tier", &directory.Agent{RoleSlug: "backend-dev", ContextTier: "tier3"}, TierRestricted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectTier(tt.agent))
		})
	}
}

func fixture(t *testing.T) (*Control, directory.Directory) {
	t.Helper()
	dir := directory.NewMemory()
	ctx := context.Background()
	agents := []*directory.Agent{
		{AgentID: "ag_a", FleetID: "F1", SquadID: "S1", RoleSlug: "backend-dev"},
		{AgentID: "ag_b", FleetID: "F1", SquadID: "S2", RoleSlug: "frontend-dev"},
		{AgentID: "ag_leader_s1", FleetID: "F1", SquadID: "S1", RoleSlug: "squad-leader"},
		{AgentID: "ag_leader_s2", FleetID: "F1", SquadID: "S2", RoleSlug: "squad-leader"},
		{AgentID: "ag_tl", FleetID: "F1", RoleSlug: "tech-lead"},
		{AgentID: "ag_r", FleetID: "F1", SquadID: "S1"}, // unroled, tier 4
		{AgentID: "ag_solo", FleetID: "F1", RoleSlug: "qa-engineer"},
	}
	for _, a := range agents {
		require.NoError(t, dir.UpsertAgent(ctx, a))
	}
	return NewControl(dir), dir
}

func get(t *testing.T, dir directory.Directory, id string) *directory.Agent {
	t.Helper()
	a, err := dir.GetAgent(context.Background(), "F1", id)
	require.NoError(t, err)
	return a
}

func asOutcome(t *testing.T, err error) *core.Outcome {
	t.Helper()
	var out *core.Outcome
	require.True(t, errors.As(err, &out), "expected a typed outcome, got %v", err)
	return out
}

func TestCanDM_SameSquadAlwaysAllowed(t *testing.T) {
	ctl, dir := fixture(t)
	ctx := context.Background()
	// Even a restricted agent can DM inside its own squad.
	assert.NoError(t, ctl.CanDM(ctx, get(t, dir, "ag_r"), get(t, dir, "ag_a")))
	assert.NoError(t, ctl.CanDM(ctx, get(t, dir, "ag_a"), get(t, dir, "ag_leader_s1")))
}

func TestCanDM_CrossSquadTier3Denied(t *testing.T) {
	ctl, dir := fixture(t)
	err := ctl.CanDM(context.Background(), get(t, dir, "ag_a"), get(t, dir, "ag_b"))
	out := asOutcome(t, err)
	assert.Equal(t, core.KindDenied, out.Kind)
	assert.Equal(t, "Cross-squad messaging requires Tier 1+ role", out.Reason)
	assert.Equal(t, "ag_leader_s1", out.Detail["your_squad_leader"])
	assert.Equal(t, "message:escalate", out.Detail["alternative"])
}

func TestCanDM_Tier1ReachesAnyone(t *testing.T) {
	ctl, dir := fixture(t)
	ctx := context.Background()
	assert.NoError(t, ctl.CanDM(ctx, get(t, dir, "ag_tl"), get(t, dir, "ag_a")))
	assert.NoError(t, ctl.CanDM(ctx, get(t, dir, "ag_tl"), get(t, dir, "ag_r")))
}

func TestCanDM_Tier2CrossSquadLeadershipOnly(t *testing.T) {
	ctl, dir := fixture(t)
	ctx := context.Background()
	leader := get(t, dir, "ag_leader_s1")
	// Leader of S1 may DM the leader of S2 but not an S2 dev.
	assert.NoError(t, ctl.CanDM(ctx, leader, get(t, dir, "ag_leader_s2")))
	assert.Error(t, ctl.CanDM(ctx, leader, get(t, dir, "ag_b")))
}

func TestCanDM_SquadlessSenderLeadershipOnly(t *testing.T) {
	ctl, dir := fixture(t)
	ctx := context.Background()
	solo := get(t, dir, "ag_solo")
	assert.NoError(t, ctl.CanDM(ctx, solo, get(t, dir, "ag_leader_s1")))
	err := ctl.CanDM(ctx, solo, get(t, dir, "ag_a"))
	out := asOutcome(t, err)
	assert.Equal(t, "Agents without a squad may only message Tier 0-2 roles", out.Reason)
	// No squad → no squad-leader suggestion, but escalation is still offered.
	assert.NotContains(t, out.Detail, "your_squad_leader")
	assert.Equal(t, "message:escalate", out.Detail["alternative"])
}

func TestCanDM_RestrictedSenderGetsFormatHint(t *testing.T) {
	ctl, dir := fixture(t)
	err := ctl.CanDM(context.Background(), get(t, dir, "ag_r"), get(t, dir, "ag_b"))
	out := asOutcome(t, err)
	assert.Equal(t, "structured", out.Detail["required_format"])
}

func TestCanBroadcast(t *testing.T) {
	ctl, dir := fixture(t)
	ctx := context.Background()

	assert.NoError(t, ctl.CanBroadcast(ctx, get(t, dir, "ag_tl"), "fleet", ""))
	assert.NoError(t, ctl.CanBroadcast(ctx, get(t, dir, "ag_a"), "squad", "S1"))
	assert.NoError(t, ctl.CanBroadcast(ctx, get(t, dir, "ag_a"), "squad", ""))

	// Tier 3 fleet-wide: denied.
	assert.Error(t, ctl.CanBroadcast(ctx, get(t, dir, "ag_a"), "fleet", ""))
	// Tier 3 to another squad: denied.
	assert.Error(t, ctl.CanBroadcast(ctx, get(t, dir, "ag_a"), "squad", "S2"))
	// Tier 4: forbidden everywhere, even own squad.
	err := ctl.CanBroadcast(ctx, get(t, dir, "ag_r"), "squad", "S1")
	out := asOutcome(t, err)
	assert.Equal(t, "Broadcasting is not available at your tier", out.Reason)
}

func TestCanEscalate(t *testing.T) {
	ctl, dir := fixture(t)
	ctx := context.Background()

	dev := get(t, dir, "ag_a")            // tier 3
	leader := get(t, dir, "ag_leader_s1") // tier 2

	// Upward and lateral are fine.
	assert.NoError(t, ctl.CanEscalate(ctx, dev, TierStrategic))
	assert.NoError(t, ctl.CanEscalate(ctx, dev, TierOperational))
	// Downward is denied for non-admins.
	assert.Error(t, ctl.CanEscalate(ctx, leader, TierOperational+1))

	// Tier 0 escalates anywhere.
	admin := &directory.Agent{AgentID: "ag_adm", FleetID: "F1",
		Metadata: map[string]interface{}{"fleet_admin": true}}
	assert.NoError(t, ctl.CanEscalate(ctx, admin, TierRestricted))
}
