package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/core"
)

func samplePayload() core.Payload {
	return core.Payload{
		"kind":        "info",
		"description": "deploy finished",
		"priority":    "normal",
		"metadata":    map[string]interface{}{"build": 42},
		"tags":        []string{"ci"},
	}
}

func TestFormatForTarget_Tier1Minimal(t *testing.T) {
	out := FormatForTarget(samplePayload(), 1)
	assert.Equal(t, "info", out["kind"])
	assert.Equal(t, "deploy finished", out["description"])
	assert.NotContains(t, out, "metadata")
	assert.NotContains(t, out, "tags")
}

func TestFormatForTarget_Tier2RoleReminder(t *testing.T) {
	out := FormatForTarget(samplePayload(), 2)
	assert.Contains(t, out, "role_reminder")
	assert.Contains(t, out, "metadata")
}

func TestFormatForTarget_Tier3ResponseFormat(t *testing.T) {
	out := FormatForTarget(samplePayload(), 3)
	hint, ok := out["response_format"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "structured", hint["type"])
}

func TestFormatForTarget_DoesNotMutateInput(t *testing.T) {
	in := samplePayload()
	FormatForTarget(in, 1)
	assert.Contains(t, in, "metadata")
	FormatForTarget(in, 3)
	assert.NotContains(t, in, "response_format")
}

func TestAttachTaskContext(t *testing.T) {
	in := samplePayload()
	out := AttachTaskContext(in, []ActiveTask{{TaskID: "task_1", Title: "migrate db"}})
	refs, ok := out["sender_active_tasks"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, refs, 1)
	assert.Equal(t, "task_1", refs[0]["task_id"])
	assert.NotContains(t, in, "sender_active_tasks")

	// Idle sender: payload passes through untouched.
	same := AttachTaskContext(in, nil)
	assert.NotContains(t, same, "sender_active_tasks")
}

func TestApply_RunsKnownActionsSkipsUnknown(t *testing.T) {
	out := Apply(samplePayload(), []string{"attach_task_context", "summarize"}, []ActiveTask{{TaskID: "task_9"}})
	assert.Contains(t, out, "sender_active_tasks")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))

	long := strings.Repeat("x", 200)
	p := Preview(long)
	assert.Len(t, []rune(p), PreviewLen)
	assert.True(t, strings.HasSuffix(p, "..."))

	// Rune-safe on multibyte input.
	multi := strings.Repeat("ß", 100)
	assert.Len(t, []rune(Preview(multi)), PreviewLen)
}
