package core

import "fmt"

// ErrorKind is the client-visible error taxonomy. Every failure in the
// synchronous routing pipeline maps to exactly one kind; asynchronous side
// effects log and swallow instead.
type ErrorKind string

const (
	KindAgentNotFound    ErrorKind = "agent_not_found"
	KindFleetNotFound    ErrorKind = "fleet_not_found"
	KindNotInThisFleet   ErrorKind = "not_in_this_fleet"
	KindDenied           ErrorKind = "denied"
	KindLimited          ErrorKind = "limited"
	KindInvalidSignature ErrorKind = "invalid_signature"
	KindDecryptionFailed ErrorKind = "decryption_failed"
	KindNoFleetKeys      ErrorKind = "no_fleet_keys"
	KindPushTimeout      ErrorKind = "push_timeout"
	KindStoreFailed      ErrorKind = "store_failed"
	KindInvalidStatus    ErrorKind = "invalid_status"
	KindNotAuthorized    ErrorKind = "not_authorized"
)

// Outcome is a typed routing failure. The Detail map carries the actionable
// context the client needs to recover: retry_after_ms for rate limits, the
// sender's squad leader for access denials, and so on.
type Outcome struct {
	Kind   ErrorKind              `json:"error"`
	Reason string                 `json:"reason,omitempty"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

func (o *Outcome) Error() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
}

// Is makes errors.Is match on kind.
func (o *Outcome) Is(target error) bool {
	t, ok := target.(*Outcome)
	return ok && t.Kind == o.Kind
}

// Response renders the outcome as a phx_reply error response body.
func (o *Outcome) Response() map[string]interface{} {
	resp := map[string]interface{}{"error": string(o.Kind)}
	if o.Reason != "" {
		resp["reason"] = o.Reason
	}
	for k, v := range o.Detail {
		resp[k] = v
	}
	return resp
}

// Denied builds an access-control denial with an actionable suggestion set.
func Denied(reason string, detail map[string]interface{}) *Outcome {
	return &Outcome{Kind: KindDenied, Reason: reason, Detail: detail}
}

// Limited builds a rate-limit rejection with the wait hint.
func Limited(retryAfterMS int64) *Outcome {
	return &Outcome{
		Kind:   KindLimited,
		Reason: "rate limit exceeded",
		Detail: map[string]interface{}{"retry_after_ms": retryAfterMS},
	}
}

// AgentNotFound reports a missing agent during the router load step.
func AgentNotFound(agentID string) *Outcome {
	return &Outcome{
		Kind:   KindAgentNotFound,
		Reason: "agent not found",
		Detail: map[string]interface{}{"agent_id": agentID},
	}
}

// FleetNotFound reports a missing fleet.
func FleetNotFound(fleetID string) *Outcome {
	return &Outcome{
		Kind:   KindFleetNotFound,
		Reason: "fleet not found",
		Detail: map[string]interface{}{"fleet_id": fleetID},
	}
}

// NotInThisFleet reports a tenant-isolation violation. Fatal to the message.
func NotInThisFleet(senderFleet, targetFleet string) *Outcome {
	return &Outcome{
		Kind:   KindNotInThisFleet,
		Reason: "Agents must be in the same fleet",
		Detail: map[string]interface{}{
			"sender_fleet": senderFleet,
			"target_fleet": targetFleet,
		},
	}
}

// InvalidStatus reports an illegal task state transition.
func InvalidStatus(current string) *Outcome {
	return &Outcome{
		Kind:   KindInvalidStatus,
		Reason: "invalid status transition",
		Detail: map[string]interface{}{"status": current},
	}
}

// StoreFailed wraps a KV write failure. The pipeline aborts and does not retry.
func StoreFailed(err error) *Outcome {
	return &Outcome{Kind: KindStoreFailed, Reason: err.Error()}
}

// NotAuthorized reports an actor attempting a transition they do not own.
func NotAuthorized(reason string) *Outcome {
	return &Outcome{Kind: KindNotAuthorized, Reason: reason}
}
