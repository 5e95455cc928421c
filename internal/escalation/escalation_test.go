package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/directory"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/notify"
	"github.com/ringforge/hub/internal/pubsub"
)

type fixture struct {
	svc   *Service
	store kv.Store
	bus   *pubsub.Bus
	dir   directory.Directory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kv.NewMemory()
	bus := pubsub.New()
	dir := directory.NewMemory()
	ctx := context.Background()
	agents := []*directory.Agent{
		{AgentID: "ag_a", FleetID: "F1", SquadID: "S1", RoleSlug: "backend-dev"},
		{AgentID: "ag_l", FleetID: "F1", SquadID: "S1", RoleSlug: "squad-leader"},
		{AgentID: "ag_tl", FleetID: "F1", RoleSlug: "tech-lead"},
		{AgentID: "ag_pm", FleetID: "F1", RoleSlug: "product-manager"},
		{AgentID: "ag_solo", FleetID: "F1", RoleSlug: "qa-engineer"},
	}
	for _, a := range agents {
		require.NoError(t, dir.UpsertAgent(ctx, a))
	}
	svc := NewService(store, bus, dir, notify.NewService(store, bus))
	return &fixture{svc: svc, store: store, bus: bus, dir: dir}
}

func (f *fixture) agent(t *testing.T, id string) *directory.Agent {
	t.Helper()
	a, err := f.dir.GetAgent(context.Background(), "F1", id)
	require.NoError(t, err)
	return a
}

func TestCreate_SquadLeaderIsSoleHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(pubsub.AgentTopic("F1", "ag_l"))
	defer sub.Close()

	esc, err := f.svc.Create(ctx, "F1", f.agent(t, "ag_a"), "tech-lead",
		core.PriorityHigh, Attrs{
			Subject:     "prod down",
			Body:        "api pods crash looping since the last deploy",
			ContextRefs: []string{"thr_1", "task_9"},
		})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, esc.Status)
	assert.Equal(t, []string{"ag_l"}, esc.HandlerIDs)
	assert.Equal(t, "prod down", esc.Subject)
	assert.Equal(t, "api pods crash looping since the last deploy", esc.Body)
	assert.Equal(t, []string{"thr_1", "task_9"}, esc.ContextRefs)

	msg := <-sub.C
	assert.Equal(t, "escalation_new", msg.Event)

	ids, err := f.svc.Index(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, []string{esc.EscalationID}, ids)
}

func TestCreate_NoSquadLeaderFallsBackToTier1(t *testing.T) {
	f := newFixture(t)
	esc, err := f.svc.Create(context.Background(), "F1", f.agent(t, "ag_solo"), "",
		core.PriorityNormal, Attrs{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ag_tl", "ag_pm"}, esc.HandlerIDs)
}

func TestHandle_OnlyCurrentHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.svc.Create(ctx, "F1", f.agent(t, "ag_a"), "", core.PriorityNormal, Attrs{})
	require.NoError(t, err)

	_, err = f.svc.Handle(ctx, "F1", esc.EscalationID, "ag_tl", nil)
	var out *core.Outcome
	require.True(t, errors.As(err, &out))
	assert.Equal(t, core.KindNotAuthorized, out.Kind)

	originator := f.bus.Subscribe(pubsub.AgentTopic("F1", "ag_a"))
	defer originator.Close()

	handled, err := f.svc.Handle(ctx, "F1", esc.EscalationID, "ag_l",
		core.Payload{"resolution": "restarted the deploy"})
	require.NoError(t, err)
	assert.Equal(t, StatusHandled, handled.Status)
	assert.Equal(t, "ag_l", handled.HandledBy)
	assert.Equal(t, "restarted the deploy", handled.Response["resolution"])

	msg := <-originator.C
	assert.Equal(t, "escalation_handled", msg.Event)

	// The response survives the round trip to the store.
	stored, err := f.svc.Get(ctx, "F1", esc.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, "restarted the deploy", stored.Response["resolution"])

	// Terminal states refuse further transitions.
	_, err = f.svc.Handle(ctx, "F1", esc.EscalationID, "ag_l", nil)
	require.True(t, errors.As(err, &out))
	assert.Equal(t, core.KindInvalidStatus, out.Kind)
}

func TestReject_NotifiesOriginator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.svc.Create(ctx, "F1", f.agent(t, "ag_a"), "", core.PriorityNormal, Attrs{})
	require.NoError(t, err)

	rejected, err := f.svc.Reject(ctx, "F1", esc.EscalationID, "ag_l", "not actionable")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "not actionable", rejected.RejectReason)
}

func TestForward_CreatesNewPendingEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.svc.Create(ctx, "F1", f.agent(t, "ag_a"), "tech-lead", core.PriorityHigh,
		Attrs{Subject: "prod down", Body: "details", ContextRefs: []string{"thr_1"}})
	require.NoError(t, err)

	forwardee := f.bus.Subscribe(pubsub.AgentTopic("F1", "ag_tl"))
	defer forwardee.Close()

	next, err := f.svc.Forward(ctx, "F1", esc.EscalationID, "ag_l", "ag_tl")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, next.Status)
	assert.Equal(t, []string{"ag_tl"}, next.HandlerIDs)
	assert.Equal(t, "ag_a", next.From)
	assert.Equal(t, "prod down", next.Subject)
	assert.Equal(t, "details", next.Body)
	assert.Equal(t, []string{"thr_1"}, next.ContextRefs)

	orig, err := f.svc.Get(ctx, "F1", esc.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, StatusForwarded, orig.Status)
	assert.Equal(t, "ag_tl", orig.ForwardedTo)

	msg := <-forwardee.C
	assert.Equal(t, "escalation_forwarded", msg.Event)

	ids, err := f.svc.Index(ctx, "F1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{esc.EscalationID, next.EscalationID}, ids)
}

func TestAutoForward_MirrorsToTier1(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rules := []AutoForwardRule{{AutoForward: true, Priority: "critical"}}
	raw, err := json.Marshal(rules)
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, "esc_rules:F1", raw))

	tl := f.bus.Subscribe(pubsub.AgentTopic("F1", "ag_tl"))
	defer tl.Close()

	// Non-matching priority: handler notification only.
	_, err = f.svc.Create(ctx, "F1", f.agent(t, "ag_a"), "", core.PriorityNormal, Attrs{})
	require.NoError(t, err)
	select {
	case msg := <-tl.C:
		t.Fatalf("unexpected event %q for tier-1 agent", msg.Event)
	default:
	}

	_, err = f.svc.Create(ctx, "F1", f.agent(t, "ag_a"), "", core.PriorityCritical, Attrs{})
	require.NoError(t, err)
	msg := <-tl.C
	assert.Equal(t, "escalation_auto_forwarded", msg.Event)
}
