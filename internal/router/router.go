// Package router is the single entry point for agent messaging. Every verb
// runs the same pipeline — load, validate, rule evaluation, access control,
// rate limiting, transform, deliver — and short-circuits on the first typed
// failure.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/ringforge/hub/internal/access"
	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/directory"
	"github.com/ringforge/hub/internal/dm"
	"github.com/ringforge/hub/internal/escalation"
	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/metrics"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/ratelimit"
	"github.com/ringforge/hub/internal/rules"
	"github.com/ringforge/hub/internal/task"
	"github.com/ringforge/hub/internal/thread"
	"github.com/ringforge/hub/internal/transform"
)

// defaultDeadline bounds every router operation.
const defaultDeadline = 10 * time.Second

// Router executes the routing pipeline.
type Router struct {
	dir         directory.Directory
	access      *access.Control
	rules       *rules.Engine
	limiter     *ratelimit.Limiter
	tasks       task.Store
	dms         *dm.Service
	threads     *thread.Service
	escalations *escalation.Service
	bus         *pubsub.Bus
	log         eventlog.Log
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New wires a router.
func New(dir directory.Directory, ac *access.Control, re *rules.Engine, limiter *ratelimit.Limiter,
	tasks task.Store, dms *dm.Service, threads *thread.Service, escalations *escalation.Service,
	bus *pubsub.Bus, log eventlog.Log, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{
		dir:         dir,
		access:      ac,
		rules:       re,
		limiter:     limiter,
		tasks:       tasks,
		dms:         dms,
		threads:     threads,
		escalations: escalations,
		bus:         bus,
		log:         log,
		metrics:     m,
		logger:      logger,
	}
}

// pipeline holds the state the steps share.
type pipeline struct {
	action     string
	sender     *directory.Agent
	target     *directory.Agent // nil for broadcast/escalation
	senderTier int
	targetTier int
	priority   core.Priority
	taskRefs   []transform.ActiveTask
	decision   rules.Decision
}

// RouteDM routes a direct message end to end.
func (r *Router) RouteDM(ctx context.Context, fleetID, fromID, toID string, message core.Payload, correlationID string) (dm.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()
	started := time.Now()

	p, err := r.prepare(ctx, fleetID, fromID, toID, "dm", message)
	if err != nil {
		return dm.Result{}, err
	}
	if err := r.authorize(ctx, p, func() error {
		return r.access.CanDM(ctx, p.sender, p.target)
	}); err != nil {
		return dm.Result{}, err
	}
	if err := r.checkRate(p, ratelimit.ActionDM); err != nil {
		return dm.Result{}, err
	}

	shaped := r.shape(p, message)
	res, err := r.dms.Send(ctx, fleetID, core.Sender{AgentID: p.sender.AgentID, Name: p.sender.Name}, toID, shaped, correlationID)
	if err != nil {
		return dm.Result{}, err
	}
	r.limiter.Record(fromID, ratelimit.ActionDM)
	r.metrics.RecordRouted("dm", res.Status, time.Since(started).Seconds())
	return res, nil
}

// BroadcastResult is the reply body for broadcasts.
type BroadcastResult struct {
	Scope     string `json:"scope"`
	Delivered int    `json:"delivered"`
}

// RouteBroadcast resolves the scope to targets and fans out, excluding the
// sender. Scope is "fleet", "squad" (sender's own), or "squad:{id}".
func (r *Router) RouteBroadcast(ctx context.Context, fleetID, fromID, scope string, message core.Payload) (BroadcastResult, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()
	started := time.Now()

	p, err := r.prepare(ctx, fleetID, fromID, "", "broadcast", message)
	if err != nil {
		return BroadcastResult{}, err
	}

	scopeName, squadID := parseScope(scope, p.sender.SquadID)
	if err := r.authorize(ctx, p, func() error {
		return r.access.CanBroadcast(ctx, p.sender, scopeName, squadID)
	}); err != nil {
		return BroadcastResult{}, err
	}
	if err := r.checkRate(p, ratelimit.ActionBroadcast); err != nil {
		return BroadcastResult{}, err
	}

	targets, err := r.resolveTargets(ctx, fleetID, scopeName, squadID)
	if err != nil {
		return BroadcastResult{}, err
	}

	env := core.Envelope{
		MessageID: core.NewMessageID(),
		FleetID:   fleetID,
		From:      core.Sender{AgentID: p.sender.AgentID, Name: p.sender.Name},
		Message:   r.shape(p, message),
		Timestamp: core.Timestamp(time.Now()),
	}
	delivered := 0
	for _, t := range targets {
		if t.AgentID == fromID {
			continue
		}
		r.bus.Publish(ctx, pubsub.AgentTopic(fleetID, t.AgentID), "broadcast", env)
		delivered++
	}

	r.appendAsync(fleetID, eventlog.StreamBroadcast, eventlog.Event{
		From:        fromID,
		Kind:        "broadcast",
		Description: stringField(message, "description"),
		Data:        map[string]interface{}{"scope": scope, "delivered": delivered},
	})
	r.limiter.Record(fromID, ratelimit.ActionBroadcast)
	r.metrics.RecordRouted("broadcast", "sent", time.Since(started).Seconds())
	return BroadcastResult{Scope: scope, Delivered: delivered}, nil
}

// RouteSquadMessage is the squad-scoped broadcast verb.
func (r *Router) RouteSquadMessage(ctx context.Context, fleetID, fromID string, message core.Payload) (BroadcastResult, error) {
	return r.RouteBroadcast(ctx, fleetID, fromID, "squad", message)
}

// RouteEscalation validates the upward direction and creates the escalation.
func (r *Router) RouteEscalation(ctx context.Context, fleetID, fromID, targetRole string, priority core.Priority, payload core.Payload) (escalation.Escalation, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()
	started := time.Now()

	p, err := r.prepare(ctx, fleetID, fromID, "", "escalation", payload)
	if err != nil {
		return escalation.Escalation{}, err
	}
	p.targetTier = access.TierForSlug(targetRole)
	p.priority = priority

	if err := r.authorize(ctx, p, func() error {
		return r.access.CanEscalate(ctx, p.sender, p.targetTier)
	}); err != nil {
		return escalation.Escalation{}, err
	}

	esc, err := r.escalations.Create(ctx, fleetID, p.sender, targetRole, priority, escalationAttrs(payload))
	if err != nil {
		return escalation.Escalation{}, err
	}
	r.metrics.RecordRouted("escalation", "sent", time.Since(started).Seconds())
	return esc, nil
}

// escalationAttrs lifts the channel payload into the stored escalation
// fields. An absent body falls back to description.
func escalationAttrs(payload core.Payload) escalation.Attrs {
	attrs := escalation.Attrs{
		Subject: stringField(payload, "subject"),
		Body:    stringField(payload, "body"),
	}
	if attrs.Body == "" {
		attrs.Body = stringField(payload, "description")
	}
	if payload == nil {
		return attrs
	}
	if refs, ok := payload["context_refs"].([]interface{}); ok {
		for _, ref := range refs {
			if s, ok := ref.(string); ok {
				attrs.ContextRefs = append(attrs.ContextRefs, s)
			}
		}
	}
	return attrs
}

// RouteThreadReply appends to a thread, rate-limited like a DM.
func (r *Router) RouteThreadReply(ctx context.Context, fleetID, fromID, threadID, body string, refs []string, metadata core.Payload) (thread.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()
	started := time.Now()

	p, err := r.prepare(ctx, fleetID, fromID, "", "thread_reply", nil)
	if err != nil {
		return thread.Message{}, err
	}
	if err := r.checkRate(p, ratelimit.ActionDM); err != nil {
		return thread.Message{}, err
	}

	msg, err := r.threads.AddMessage(ctx, fleetID, threadID, fromID, body, refs, metadata)
	if err != nil {
		return thread.Message{}, err
	}
	r.limiter.Record(fromID, ratelimit.ActionDM)
	r.metrics.RecordRouted("thread_reply", "sent", time.Since(started).Seconds())
	return msg, nil
}

// prepare runs the load, validate, context, and rule-evaluation steps.
func (r *Router) prepare(ctx context.Context, fleetID, fromID, toID, action string, message core.Payload) (*pipeline, error) {
	sender, err := r.dir.GetAgent(ctx, fleetID, fromID)
	if err != nil {
		return nil, core.AgentNotFound(fromID)
	}
	p := &pipeline{
		action:     action,
		sender:     sender,
		senderTier: access.DetectTier(sender),
		priority:   core.ParsePriority(stringField(message, "priority")),
	}

	if toID != "" {
		target, err := r.lookupTarget(ctx, fleetID, toID)
		if err != nil {
			return nil, err
		}
		p.target = target
		p.targetTier = access.DetectTier(target)
	}

	if sender.FleetID != fleetID {
		return nil, core.NotInThisFleet(sender.FleetID, fleetID)
	}
	if p.target != nil && p.target.FleetID != fleetID {
		return nil, core.NotInThisFleet(sender.FleetID, p.target.FleetID)
	}

	if ids, err := r.tasks.AgentTasks(ctx, fromID); err == nil {
		for _, id := range ids {
			p.taskRefs = append(p.taskRefs, transform.ActiveTask{TaskID: id})
		}
	}

	ruleCtx := map[string]interface{}{
		"action":                 action,
		"sender_tier":            p.senderTier,
		"target_tier":            p.targetTier,
		"cross_squad":            p.target != nil && !sameSquad(p.sender, p.target),
		"priority":               string(p.priority),
		"sender_has_active_task": len(p.taskRefs) > 0,
	}
	list, err := r.rules.List(ctx, fleetID)
	if err != nil {
		r.logger.Warn("router: rule load failed, using defaults", "fleet_id", fleetID, "error", err)
		list = rules.Defaults()
	}
	p.decision = rules.Evaluate(list, ruleCtx)
	return p, nil
}

// lookupTarget distinguishes a wrong-fleet agent from a missing one so the
// tenant-isolation denial fires even for misrouted messages.
func (r *Router) lookupTarget(ctx context.Context, fleetID, toID string) (*directory.Agent, error) {
	target, err := r.dir.GetAgent(ctx, fleetID, toID)
	if err == nil {
		return target, nil
	}
	if foreign, ferr := r.dir.FindAgent(ctx, toID); ferr == nil {
		return foreign, nil
	}
	return nil, core.AgentNotFound(toID)
}

// authorize applies the rule decision, then the tier check unless a rule
// explicitly allowed.
func (r *Router) authorize(ctx context.Context, p *pipeline, tierCheck func() error) error {
	if p.decision.Denied != nil {
		r.metrics.RecordDenied(p.action)
		return r.access.Deny(ctx, p.sender, p.decision.Denied.Message)
	}
	if p.decision.Allowed {
		return nil
	}
	if err := tierCheck(); err != nil {
		r.metrics.RecordDenied(p.action)
		return err
	}
	return nil
}

// checkRate applies the rule override or the tier default. Nothing is
// recorded here; Record runs only after successful delivery.
func (r *Router) checkRate(p *pipeline, action ratelimit.Action) error {
	limit := ratelimit.TierLimit(p.senderTier, action)
	if p.decision.RateOverride != nil {
		limit = *p.decision.RateOverride
	}
	if err := r.limiter.Check(p.sender.AgentID, action, limit); err != nil {
		r.metrics.RecordLimited(p.action)
		return err
	}
	return nil
}

// shape runs the target-tier formatting, rule transforms, and active-task
// attachment.
func (r *Router) shape(p *pipeline, message core.Payload) core.Payload {
	shaped := message
	if p.target != nil {
		shaped = transform.FormatForTarget(shaped, p.targetTier)
	}
	var actions []string
	for _, t := range p.decision.Transforms {
		actions = append(actions, t.Action)
	}
	shaped = transform.Apply(shaped, actions, p.taskRefs)
	if len(p.taskRefs) > 0 {
		shaped = transform.AttachTaskContext(shaped, p.taskRefs)
	}
	return shaped
}

func (r *Router) resolveTargets(ctx context.Context, fleetID, scope, squadID string) ([]*directory.Agent, error) {
	if scope == "fleet" {
		return r.dir.ListAgents(ctx, fleetID)
	}
	return r.dir.ListSquadAgents(ctx, fleetID, squadID)
}

// appendAsync persists to the event log off the request path.
func (r *Router) appendAsync(fleetID string, stream eventlog.Stream, ev eventlog.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.log.Append(ctx, fleetID, stream, ev); err != nil {
			r.logger.Warn("router: event log append failed", "fleet_id", fleetID, "error", err)
		}
	}()
}

func parseScope(scope, senderSquad string) (string, string) {
	if scope == "" || scope == "fleet" {
		return "fleet", ""
	}
	if scope == "squad" {
		return "squad", senderSquad
	}
	if len(scope) > len("squad:") && scope[:len("squad:")] == "squad:" {
		return "squad", scope[len("squad:"):]
	}
	return "fleet", ""
}

func sameSquad(a, b *directory.Agent) bool {
	return a.SquadID != "" && a.SquadID == b.SquadID
}

func stringField(message core.Payload, key string) string {
	if message == nil {
		return ""
	}
	if v, ok := message[key].(string); ok {
		return v
	}
	return ""
}
