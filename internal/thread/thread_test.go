package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/pubsub"
)

func newService() (*Service, *pubsub.Bus) {
	bus := pubsub.New()
	return NewService(kv.NewMemory(), bus), bus
}

func TestCreate_CreatorAlwaysParticipant(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	th, err := svc.Create(ctx, "F1", "ag_a", CreateAttrs{TenantID: "T1", Subject: "deploy review", ParticipantIDs: []string{"ag_b"}})
	require.NoError(t, err)
	assert.Contains(t, th.ParticipantIDs, "ag_a")
	assert.Contains(t, th.ParticipantIDs, "ag_b")
	assert.Equal(t, StatusOpen, th.Status)
	assert.Equal(t, "T1", th.TenantID)
	assert.Equal(t, "deploy review", th.Subject)
	assert.Equal(t, ScopeDM, th.Scope)

	// Creator already listed: not duplicated.
	th2, err := svc.Create(ctx, "F1", "ag_a", CreateAttrs{ParticipantIDs: []string{"ag_a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ag_a"}, th2.ParticipantIDs)
}

func TestCreate_ScopeDefaultsAndValidation(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	// A task binding defaults the scope to task.
	th, err := svc.Create(ctx, "F1", "ag_a", CreateAttrs{TaskID: "task_x"})
	require.NoError(t, err)
	assert.Equal(t, ScopeTask, th.Scope)

	th, err = svc.Create(ctx, "F1", "ag_a", CreateAttrs{Scope: ScopeEscalation})
	require.NoError(t, err)
	assert.Equal(t, ScopeEscalation, th.Scope)

	_, err = svc.Create(ctx, "F1", "ag_a", CreateAttrs{Scope: "watercooler"})
	assert.Error(t, err)
}

func TestAddMessage_CountOrderAndParticipants(t *testing.T) {
	svc, bus := newService()
	ctx := context.Background()

	th, err := svc.Create(ctx, "F1", "ag_a", CreateAttrs{})
	require.NoError(t, err)

	sub := bus.Subscribe(pubsub.ThreadTopic(th.ThreadID))
	defer sub.Close()

	const n = 5
	var sent []string
	for i := 0; i < n; i++ {
		m, err := svc.AddMessage(ctx, "F1", th.ThreadID, "ag_b", fmt.Sprintf("msg %d", i), nil, nil)
		require.NoError(t, err)
		sent = append(sent, m.MessageID)
		time.Sleep(2 * time.Millisecond)
	}

	got, err := svc.Get(ctx, "F1", th.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, n, got.MessageCount)
	assert.NotEmpty(t, got.LastMessageAt)
	assert.Contains(t, got.ParticipantIDs, "ag_b")

	msgs, err := svc.Messages(ctx, th.ThreadID, 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		assert.Equal(t, sent[i], m.MessageID)
	}

	// Every append was published.
	published := <-sub.C
	assert.Equal(t, "thread_message", published.Event)
	var pm Message
	require.NoError(t, json.Unmarshal(published.Payload, &pm))
	assert.Equal(t, sent[0], pm.MessageID)
}

func TestMessages_LimitAndBefore(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	th, err := svc.Create(ctx, "F1", "ag_a", CreateAttrs{})
	require.NoError(t, err)

	var stamps []string
	for i := 0; i < 4; i++ {
		m, err := svc.AddMessage(ctx, "F1", th.ThreadID, "ag_a", "x", nil, nil)
		require.NoError(t, err)
		stamps = append(stamps, m.Timestamp)
		time.Sleep(2 * time.Millisecond)
	}

	// limit takes the newest N, still in insertion order.
	msgs, err := svc.Messages(ctx, th.ThreadID, 2, "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, stamps[2], msgs[0].Timestamp)
	assert.Equal(t, stamps[3], msgs[1].Timestamp)

	// before excludes messages at or after the bound.
	msgs, err = svc.Messages(ctx, th.ThreadID, 0, stamps[2])
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestAddMessage_UnknownAndClosedThreads(t *testing.T) {
	svc, bus := newService()
	ctx := context.Background()

	_, err := svc.AddMessage(ctx, "F1", "thr_missing", "ag_a", "x", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	th, err := svc.Create(ctx, "F1", "ag_a", CreateAttrs{})
	require.NoError(t, err)

	sub := bus.Subscribe(pubsub.ThreadTopic(th.ThreadID))
	defer sub.Close()

	require.NoError(t, svc.Close(ctx, "F1", th.ThreadID, "ag_a", "done"))
	closedMsg := <-sub.C
	assert.Equal(t, "thread_closed", closedMsg.Event)

	_, err = svc.AddMessage(ctx, "F1", th.ThreadID, "ag_b", "late", nil, nil)
	var out *core.Outcome
	require.True(t, errors.As(err, &out))
	assert.Equal(t, core.KindInvalidStatus, out.Kind)

	// Closing again is a no-op and publishes nothing further.
	require.NoError(t, svc.Close(ctx, "F1", th.ThreadID, "ag_a", "again"))
	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected publish %v", msg.Event)
	default:
	}
}

func TestCloseTaskThreads(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	t1, err := svc.Create(ctx, "F1", "ag_a", CreateAttrs{TaskID: "task_1"})
	require.NoError(t, err)
	t2, err := svc.Create(ctx, "F1", "ag_a", CreateAttrs{TaskID: "task_1"})
	require.NoError(t, err)
	other, err := svc.Create(ctx, "F1", "ag_a", CreateAttrs{TaskID: "task_2"})
	require.NoError(t, err)

	closed, err := svc.CloseTaskThreads(ctx, "F1", "task_1")
	require.NoError(t, err)
	assert.Equal(t, 2, closed)

	for _, id := range []string{t1.ThreadID, t2.ThreadID} {
		th, err := svc.Get(ctx, "F1", id)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, th.Status)
		assert.Equal(t, "system", th.ClosedBy)
	}
	th, err := svc.Get(ctx, "F1", other.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, th.Status)
}
