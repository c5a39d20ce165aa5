// Package policy implements the cross-protocol policy engine: a pure
// decision function over an OperationContext and an immutable, versioned
// rule snapshot. Snapshots are refreshed out-of-band and swapped
// atomically; evaluation never mutates one.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	pressgate "github.com/pressgate/pressgate"
)

// WorkflowEdge declares one legal workflow transition, keyed by the
// operation that requests it.
type WorkflowEdge struct {
	From    []string `json:"from"`
	To      string   `json:"to"`
	Enabled bool     `json:"enabled"`
}

// PricingRule marks a resource shape as requiring payment. Empty fields
// are wildcards.
type PricingRule struct {
	Operation     string `json:"operation,omitempty"`
	ResourceType  string `json:"resourceType,omitempty"`
	ResourceID    string `json:"resourceId,omitempty"`
	ContentTypeID string `json:"contentTypeId,omitempty"`
}

// Matches reports whether the rule applies to the operation and resource.
func (r PricingRule) Matches(operation string, res pressgate.ResourceRef) bool {
	if r.Operation != "" && r.Operation != operation {
		return false
	}
	if r.ResourceType != "" && r.ResourceType != res.Type {
		return false
	}
	if r.ResourceID != "" && r.ResourceID != res.ID {
		return false
	}
	if r.ContentTypeID != "" && r.ContentTypeID != res.ContentTypeID {
		return false
	}
	return true
}

// RateProfile throttles an operation per agent.
type RateProfile struct {
	PerMinute int `json:"perMinute"`
}

// Snapshot is one immutable version of the rule matrix. Refresh produces a
// new snapshot; nothing mutates an existing one.
type Snapshot struct {
	Version           string
	DefaultScope      string
	ScopeRequirements map[string]string
	WorkflowEdges     map[string]WorkflowEdge
	PricingRules      []PricingRule
	RateProfiles      map[string]RateProfile
}

// RequiredScope returns the scope an operation demands. The second return
// is false for operations absent from the matrix, which callers treat with
// the conservative default.
func (s *Snapshot) RequiredScope(operation string) (string, bool) {
	scope, ok := s.ScopeRequirements[operation]
	return scope, ok
}

// Priced reports whether any pricing rule covers the operation/resource.
func (s *Snapshot) Priced(operation string, res pressgate.ResourceRef) bool {
	for _, r := range s.PricingRules {
		if r.Matches(operation, res) {
			return true
		}
	}
	return false
}

// Baseline returns the built-in rule matrix the durable overrides patch.
func Baseline() *Snapshot {
	return &Snapshot{
		Version:      "baseline-1",
		DefaultScope: "content:write",
		ScopeRequirements: map[string]string{
			"policy.evaluate":   "",
			"content.read":      "content:read",
			"content.write":     "content:write",
			"content.delete":    "content:write",
			"offer.read":        "",
			"offer.purchase":    "content:read",
			"entitlement.read":  "content:read",
			"workflow.submit":   "content:write",
			"workflow.approve":  "workflow:approve",
			"workflow.publish":  "workflow:publish",
			"webhook.ingest":    "",
		},
		WorkflowEdges: map[string]WorkflowEdge{
			"workflow.submit":  {From: []string{"draft", "rejected"}, To: "in_review", Enabled: true},
			"workflow.approve": {From: []string{"in_review"}, To: "approved", Enabled: true},
			"workflow.publish": {From: []string{"approved"}, To: "published", Enabled: true},
		},
		PricingRules: nil,
		RateProfiles: map[string]RateProfile{
			"offer.purchase": {PerMinute: 30},
		},
	}
}

// Rule is one durable override row. Kind selects what it patches:
//
//	scope             key=operation      value=required scope (may be "")
//	workflow_disable  key=operation
//	price             key unused         value=PricingRule JSON
//	rate              key=operation      value=RateProfile JSON
type Rule struct {
	Kind  string
	Key   string
	Value string
}

// RuleSource supplies durable overrides for snapshot refresh.
type RuleSource interface {
	ListPolicyRules(ctx context.Context) ([]Rule, string, error)
}

// BuildSnapshot merges overrides into a copy of the baseline. The version
// stamp comes from the rule source so replayed decisions correlate to the
// matrix that produced them.
func BuildSnapshot(base *Snapshot, rules []Rule, version string) (*Snapshot, error) {
	snap := &Snapshot{
		Version:           version,
		DefaultScope:      base.DefaultScope,
		ScopeRequirements: make(map[string]string, len(base.ScopeRequirements)),
		WorkflowEdges:     make(map[string]WorkflowEdge, len(base.WorkflowEdges)),
		PricingRules:      append([]PricingRule(nil), base.PricingRules...),
		RateProfiles:      make(map[string]RateProfile, len(base.RateProfiles)),
	}
	for k, v := range base.ScopeRequirements {
		snap.ScopeRequirements[k] = v
	}
	for k, v := range base.WorkflowEdges {
		snap.WorkflowEdges[k] = v
	}
	for k, v := range base.RateProfiles {
		snap.RateProfiles[k] = v
	}

	for _, r := range rules {
		switch r.Kind {
		case "scope":
			snap.ScopeRequirements[r.Key] = r.Value
		case "workflow_disable":
			if edge, ok := snap.WorkflowEdges[r.Key]; ok {
				edge.Enabled = false
				snap.WorkflowEdges[r.Key] = edge
			}
		case "price":
			var rule PricingRule
			if err := json.Unmarshal([]byte(r.Value), &rule); err != nil {
				return nil, fmt.Errorf("policy: bad price rule %q: %w", r.Key, err)
			}
			snap.PricingRules = append(snap.PricingRules, rule)
		case "rate":
			var profile RateProfile
			if err := json.Unmarshal([]byte(r.Value), &profile); err != nil {
				return nil, fmt.Errorf("policy: bad rate rule %q: %w", r.Key, err)
			}
			snap.RateProfiles[r.Key] = profile
		default:
			return nil, fmt.Errorf("policy: unknown rule kind %q", r.Kind)
		}
	}
	return snap, nil
}

// Refresher reloads the snapshot from a rule source on a timer and swaps
// it into the engine. Evaluation stays non-blocking: a failed refresh
// keeps the previous snapshot.
type Refresher struct {
	engine   *Engine
	source   RuleSource
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopped  atomic.Bool
}

// NewRefresher builds a refresher for the engine.
func NewRefresher(engine *Engine, source RuleSource, interval time.Duration, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		engine:   engine,
		source:   source,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// RefreshOnce loads overrides and swaps a new snapshot in.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	rules, version, err := r.source.ListPolicyRules(ctx)
	if err != nil {
		return fmt.Errorf("policy: load rules: %w", err)
	}
	snap, err := BuildSnapshot(Baseline(), rules, version)
	if err != nil {
		return err
	}
	r.engine.Swap(snap)
	return nil
}

// Run refreshes until Stop is called. Meant for a dedicated goroutine.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.RefreshOnce(ctx); err != nil {
				r.logger.Warn("policy snapshot refresh failed", "error", err)
			}
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates Run.
func (r *Refresher) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stop)
	}
}
