// Package transform rewrites message payloads before delivery: tier shaping,
// active-task context, and notification previews.
package transform

import (
	"github.com/ringforge/hub/internal/core"
)

// PreviewLen caps notification previews.
const PreviewLen = 80

// Keys every tier keeps; everything else is decoration stripped for tier-1
// recipients who want the minimal envelope.
var minimalKeys = map[string]bool{
	"kind":           true,
	"description":    true,
	"priority":       true,
	"data":           true,
	"correlation_id": true,
}

// ActiveTask is the sender's in-progress work attached to outbound messages.
type ActiveTask struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title,omitempty"`
}

// FormatForTarget returns a shaped copy of the payload for the target's tier.
// Tier 0–1 get the minimal envelope, tier 2 a role reminder, tier 3+ a
// structured response-format hint. The input map is never mutated.
func FormatForTarget(payload core.Payload, targetTier int) core.Payload {
	out := clone(payload)
	switch {
	case targetTier <= 1:
		for k := range out {
			if !minimalKeys[k] {
				delete(out, k)
			}
		}
	case targetTier == 2:
		out["role_reminder"] = "Recipient coordinates a squad; include squad and task identifiers."
	default:
		out["response_format"] = map[string]interface{}{
			"type":   "structured",
			"fields": []string{"status", "summary", "blockers"},
		}
	}
	return out
}

// AttachTaskContext adds the sender's active tasks so the recipient can
// relate the message to in-flight work. No-op for an idle sender.
func AttachTaskContext(payload core.Payload, tasks []ActiveTask) core.Payload {
	if len(tasks) == 0 {
		return payload
	}
	out := clone(payload)
	refs := make([]map[string]interface{}, 0, len(tasks))
	for _, t := range tasks {
		ref := map[string]interface{}{"task_id": t.TaskID}
		if t.Title != "" {
			ref["title"] = t.Title
		}
		refs = append(refs, ref)
	}
	out["sender_active_tasks"] = refs
	return out
}

// Apply runs the accumulated transform-rule actions in order. Unknown actions
// are skipped; a misconfigured rule must not fail delivery.
func Apply(payload core.Payload, actions []string, tasks []ActiveTask) core.Payload {
	out := payload
	for _, action := range actions {
		switch action {
		case "attach_task_context":
			out = AttachTaskContext(out, tasks)
		}
	}
	return out
}

// Preview truncates a body to the notification preview length, rune-safe.
func Preview(body string) string {
	runes := []rune(body)
	if len(runes) <= PreviewLen {
		return body
	}
	return string(runes[:PreviewLen-3]) + "..."
}

func clone(p core.Payload) core.Payload {
	out := make(core.Payload, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}
