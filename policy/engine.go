package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	pressgate "github.com/pressgate/pressgate"
)

// EntitlementProbe answers whether a principal holds an entitlement a read
// should route to consumption; a held-but-drained entitlement counts so its
// denial surfaces with the decrement reason instead of a generic challenge.
// Implemented by the licensing service over the shared store; it performs
// local reads only, never network I/O.
type EntitlementProbe interface {
	HasConsumingEntitlement(ctx context.Context, domainID, agentID string, resource pressgate.ResourceRef) (bool, error)
}

// WorkflowStateProbe reports the current workflow state of a resource.
type WorkflowStateProbe interface {
	CurrentState(ctx context.Context, domainID string, resource pressgate.ResourceRef) (string, error)
}

// Engine renders allow/deny/challenge decisions. Pure with respect to the
// OperationContext plus the snapshot it holds; Swap installs a new snapshot
// without blocking in-flight evaluations.
type Engine struct {
	snap     atomic.Pointer[Snapshot]
	log      pressgate.DecisionLog
	probe    EntitlementProbe
	states   WorkflowStateProbe
	limiter  *rateLimiter
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithDecisionLog sets the append-only decision log. Every decision is
// persisted before it is returned.
func WithDecisionLog(log pressgate.DecisionLog) Option {
	return func(e *Engine) { e.log = log }
}

// WithEntitlementProbe lets the monetization domain see existing grants.
func WithEntitlementProbe(p EntitlementProbe) Option {
	return func(e *Engine) { e.probe = p }
}

// WithWorkflowStateProbe lets the workflow domain check transition legality
// against the resource's current state.
func WithWorkflowStateProbe(p WorkflowStateProbe) Option {
	return func(e *Engine) { e.states = p }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine holding the given snapshot.
func NewEngine(snap *Snapshot, opts ...Option) *Engine {
	e := &Engine{
		limiter: newRateLimiter(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	e.snap.Store(snap)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Swap installs a new snapshot. In-flight evaluations keep the one they
// loaded.
func (e *Engine) Swap(snap *Snapshot) {
	e.snap.Store(snap)
	e.logger.Info("policy snapshot swapped", "version", snap.Version)
}

// Snapshot returns the current snapshot.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load()
}

// verdict is one domain's contribution to the combined decision.
type verdict struct {
	outcome     pressgate.Outcome
	code        string
	remediation string
	metadata    map[string]any
}

func allow() verdict {
	return verdict{outcome: pressgate.OutcomeAllow, code: "ok"}
}

// Evaluate renders the combined decision for one request. Domains are
// evaluated independently; restrictive wins: deny beats challenge beats
// allow. The decision is appended to the log before it is returned.
func (e *Engine) Evaluate(ctx context.Context, op pressgate.OperationContext) (pressgate.PolicyDecision, error) {
	snap := e.snap.Load()

	verdicts := []verdict{
		e.authScope(snap, op),
		e.workflow(ctx, snap, op),
		e.monetization(ctx, snap, op),
		e.rate(snap, op),
	}

	winner := verdicts[0]
	for _, v := range verdicts[1:] {
		if v.outcome.MoreRestrictive(winner.outcome) {
			winner = v
		}
	}

	decision := pressgate.PolicyDecision{
		Outcome:       winner.outcome,
		Code:          winner.code,
		Remediation:   winner.remediation,
		Metadata:      winner.metadata,
		PolicyVersion: snap.Version,
	}

	if e.log != nil {
		rec := pressgate.DecisionRecord{
			RequestID: uuid.NewString(),
			Context:   op,
			Decision:  decision,
			CreatedAt: e.now().UTC(),
		}
		if err := e.log.AppendDecision(ctx, rec); err != nil {
			return pressgate.PolicyDecision{}, fmt.Errorf("policy: persist decision: %w", err)
		}
	}

	return decision, nil
}

// authScope checks principal scopes against the operation's required scope.
// Operations absent from the matrix take the conservative default scope.
func (e *Engine) authScope(snap *Snapshot, op pressgate.OperationContext) verdict {
	required, ok := snap.RequiredScope(op.Operation)
	if !ok {
		required = snap.DefaultScope
	}
	if required == "" || op.Principal.HasScope(required) {
		return allow()
	}
	return verdict{
		outcome:     pressgate.OutcomeDeny,
		code:        "scope_missing",
		remediation: fmt.Sprintf("request an API key with the %q scope", required),
		metadata:    map[string]any{"requiredScope": required},
	}
}

// workflow checks state-machine legality for operations declared as
// transitions. Non-transition operations pass through.
func (e *Engine) workflow(ctx context.Context, snap *Snapshot, op pressgate.OperationContext) verdict {
	edge, declared := snap.WorkflowEdges[op.Operation]
	if !declared {
		return allow()
	}
	if !edge.Enabled {
		return verdict{
			outcome:     pressgate.OutcomeDeny,
			code:        "workflow_transition_disabled",
			remediation: "this transition is disabled by a policy override",
		}
	}
	if e.states == nil {
		return allow()
	}
	current, err := e.states.CurrentState(ctx, op.Principal.DomainID, op.Resource)
	if err != nil {
		// Unknown state reads deny rather than letting an illegal transition
		// through.
		return verdict{
			outcome:     pressgate.OutcomeDeny,
			code:        "workflow_state_unavailable",
			remediation: "retry once the resource's workflow state is readable",
		}
	}
	for _, from := range edge.From {
		if from == current {
			return allow()
		}
	}
	return verdict{
		outcome:     pressgate.OutcomeDeny,
		code:        "workflow_transition_illegal",
		remediation: fmt.Sprintf("resource is %q; this transition starts from %v", current, edge.From),
		metadata:    map[string]any{"currentState": current, "to": edge.To},
	}
}

// monetization challenges when the resource is priced and the principal
// lacks a consuming entitlement.
func (e *Engine) monetization(ctx context.Context, snap *Snapshot, op pressgate.OperationContext) verdict {
	if !snap.Priced(op.Operation, op.Resource) {
		return allow()
	}
	if e.probe != nil {
		held, err := e.probe.HasConsumingEntitlement(ctx, op.Principal.DomainID, op.Principal.AgentID, op.Resource)
		if err == nil && held {
			return allow()
		}
	}
	return verdict{
		outcome:     pressgate.OutcomeChallenge,
		code:        "payment_required",
		remediation: "purchase an offer for this resource, then retry with the entitlement",
		metadata:    map[string]any{"resourceType": op.Resource.Type, "resourceId": op.Resource.ID},
	}
}

// rate applies the operation's throttling profile, when one exists.
func (e *Engine) rate(snap *Snapshot, op pressgate.OperationContext) verdict {
	profile, ok := snap.RateProfiles[op.Operation]
	if !ok || profile.PerMinute <= 0 {
		return allow()
	}
	if e.limiter.take(op.Principal.AgentID+"|"+op.Operation, profile.PerMinute, e.now()) {
		return allow()
	}
	return verdict{
		outcome:     pressgate.OutcomeDeny,
		code:        "rate_limited",
		remediation: fmt.Sprintf("operation limited to %d calls per minute", profile.PerMinute),
	}
}
