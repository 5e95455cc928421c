// Package access implements the tiered role hierarchy: mapping role slugs to
// tiers 0–4 and answering whether a sender may DM, broadcast, or escalate.
// Every denial carries an actionable suggestion so clients can self-redirect.
package access

import (
	"context"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/directory"
)

// Tier levels. Lower is more privileged.
const (
	TierAdmin       = 0 // fleet_admin metadata flag
	TierStrategic   = 1 // tech-lead, product-manager, consultant
	TierTactical    = 2 // squad-leader, devops
	TierOperational = 3 // everything else with a role
	TierRestricted  = 4 // unroled, or context_tier == "tier3"
)

var tierBySlug = map[string]int{
	"tech-lead":       TierStrategic,
	"product-manager": TierStrategic,
	"consultant":      TierStrategic,
	"squad-leader":    TierTactical,
	"devops":          TierTactical,
}

// DetectTier derives an agent's tier. The admin flag wins; a restricted
// context tier demotes to 4; unknown slugs land on operational.
func DetectTier(a *directory.Agent) int {
	if a.FleetAdmin() {
		return TierAdmin
	}
	if a.RoleSlug == "" || a.ContextTier == "tier3" {
		return TierRestricted
	}
	if tier, ok := tierBySlug[a.RoleSlug]; ok {
		return tier
	}
	return TierOperational
}

// TierForSlug maps a role slug to its tier: unknown slugs are operational,
// empty is restricted.
func TierForSlug(slug string) int {
	if slug == "" {
		return TierRestricted
	}
	if tier, ok := tierBySlug[slug]; ok {
		return tier
	}
	return TierOperational
}

// Control answers permission questions. It needs the directory to resolve
// the sender's squad leader for denial suggestions.
type Control struct {
	dir directory.Directory
}

// NewControl builds an access controller.
func NewControl(dir directory.Directory) *Control {
	return &Control{dir: dir}
}

// SquadLeader returns the agent id of the squad's leader, or "" if the squad
// has none.
func (c *Control) SquadLeader(ctx context.Context, fleetID, squadID string) string {
	if squadID == "" {
		return ""
	}
	agents, err := c.dir.ListSquadAgents(ctx, fleetID, squadID)
	if err != nil {
		return ""
	}
	for _, a := range agents {
		if a.RoleSlug == "squad-leader" {
			return a.AgentID
		}
	}
	return ""
}

// Deny builds a denial with the standard suggestion set. Exposed so the
// business-rule path produces the same actionable responses as the tier
// checks.
func (c *Control) Deny(ctx context.Context, sender *directory.Agent, reason string) *core.Outcome {
	return c.denial(ctx, sender, reason)
}

// denial builds the standard suggestion set: the sender's squad leader where
// one exists, the escalation alternative, and the structured-format hint for
// restricted senders.
func (c *Control) denial(ctx context.Context, sender *directory.Agent, reason string) *core.Outcome {
	detail := map[string]interface{}{"alternative": "message:escalate"}
	if leader := c.SquadLeader(ctx, sender.FleetID, sender.SquadID); leader != "" {
		detail["your_squad_leader"] = leader
	}
	if DetectTier(sender) == TierRestricted {
		detail["required_format"] = "structured"
	}
	return core.Denied(reason, detail)
}

// sameSquad reports whether both agents share a non-empty squad.
func sameSquad(a, b *directory.Agent) bool {
	return a.SquadID != "" && a.SquadID == b.SquadID
}

// CanDM returns nil when the sender may direct-message the target.
// Same-squad DM is always allowed regardless of tiers.
func (c *Control) CanDM(ctx context.Context, sender, target *directory.Agent) error {
	if sameSquad(sender, target) {
		return nil
	}

	senderTier := DetectTier(sender)
	targetTier := DetectTier(target)

	switch {
	case senderTier <= TierStrategic:
		return nil
	case sender.SquadID == "":
		// Squadless senders may only reach leadership.
		if targetTier <= TierTactical {
			return nil
		}
		return c.denial(ctx, sender, "Agents without a squad may only message Tier 0-2 roles")
	case senderTier == TierTactical:
		if targetTier <= TierTactical {
			return nil
		}
		return c.denial(ctx, sender, "Cross-squad messaging requires Tier 1+ role")
	default: // tiers 3 and 4: own squad only
		return c.denial(ctx, sender, "Cross-squad messaging requires Tier 1+ role")
	}
}

// CanBroadcast returns nil when the sender may broadcast at the given scope
// ("fleet", "squad", or "squad:<id>"). Tier 0/1 broadcast fleet-wide; tiers
// 2–3 only within their own squad; tier 4 never.
func (c *Control) CanBroadcast(ctx context.Context, sender *directory.Agent, scope string, targetSquadID string) error {
	senderTier := DetectTier(sender)
	if senderTier == TierRestricted {
		return c.denial(ctx, sender, "Broadcasting is not available at your tier")
	}
	if senderTier <= TierStrategic {
		return nil
	}
	if scope == "fleet" {
		return c.denial(ctx, sender, "Fleet-wide broadcast requires Tier 1+ role")
	}
	if sender.SquadID == "" || (targetSquadID != "" && targetSquadID != sender.SquadID) {
		return c.denial(ctx, sender, "You may only broadcast to your own squad")
	}
	return nil
}

// CanEscalate returns nil when the sender may escalate toward the target
// tier: upward, laterally, or anywhere for tier 0.
func (c *Control) CanEscalate(ctx context.Context, sender *directory.Agent, targetTier int) error {
	senderTier := DetectTier(sender)
	if senderTier == TierAdmin || targetTier <= senderTier {
		return nil
	}
	return c.denial(ctx, sender, "Escalations must go upward or to your own tier")
}
