// Package adapters normalizes protocol-specific requests into the
// canonical OperationContext. Adapters only normalize shape: operation ids
// come from fixed tables, resource ids pass through as opaque strings, and
// nothing here interprets policy.
package adapters

import (
	"strings"
	"time"

	pressgate "github.com/pressgate/pressgate"
)

// Canonical operation ids.
const (
	OpPolicyEvaluate  = "policy.evaluate"
	OpContentRead     = "content.read"
	OpContentWrite    = "content.write"
	OpContentDelete   = "content.delete"
	OpOfferRead       = "offer.read"
	OpOfferPurchase   = "offer.purchase"
	OpEntitlementRead = "entitlement.read"
	OpWebhookIngest   = "webhook.ingest"
)

// ConservativeOp is the classification for method+path (or tool/field)
// combinations absent from the tables: treated as a write rather than
// silently allowed.
const ConservativeOp = OpContentWrite

// restRoute maps one method + path pattern to an operation. Pattern
// segments starting with ':' match any single segment.
type restRoute struct {
	method    string
	pattern   string
	operation string
}

var restRoutes = []restRoute{
	{"POST", "/policy/evaluate", OpPolicyEvaluate},
	{"GET", "/offers", OpOfferRead},
	{"POST", "/offers/:id/purchase", OpOfferPurchase},
	{"POST", "/offers/:id/purchase/confirm", OpOfferPurchase},
	{"GET", "/content-items/:id", OpContentRead},
	{"POST", "/content-items", OpContentWrite},
	{"PUT", "/content-items/:id", OpContentWrite},
	{"DELETE", "/content-items/:id", OpContentDelete},
	{"GET", "/entitlements/:id", OpEntitlementRead},
	{"POST", "/payments/webhooks/:provider/settled", OpWebhookIngest},
}

// REST resolves gin/echo/stdlib requests by method and path.
type REST struct{}

// Protocol implements pressgate.ContextAdapter.
func (REST) Protocol() string { return "rest" }

// Resolve implements pressgate.ContextAdapter.
func (REST) Resolve(principal pressgate.Principal, raw pressgate.RawRequest, at time.Time) (pressgate.OperationContext, error) {
	operation := ConservativeOp
	for _, route := range restRoutes {
		if route.method == raw.Method && matchPath(route.pattern, raw.Path) {
			operation = route.operation
			break
		}
	}
	return buildContext(principal, operation, raw, "rest", at), nil
}

func matchPath(pattern, path string) bool {
	p := strings.Split(strings.Trim(pattern, "/"), "/")
	q := strings.Split(strings.Trim(path, "/"), "/")
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if strings.HasPrefix(p[i], ":") {
			continue
		}
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// graphqlOps maps GraphQL root fields to operations.
var graphqlOps = map[string]string{
	"policyEvaluate": OpPolicyEvaluate,
	"contentItem":    OpContentRead,
	"offers":         OpOfferRead,
	"entitlement":    OpEntitlementRead,
	"createItem":     OpContentWrite,
	"updateItem":     OpContentWrite,
	"deleteItem":     OpContentDelete,
}

// GraphQL resolves requests by root field name.
type GraphQL struct{}

// Protocol implements pressgate.ContextAdapter.
func (GraphQL) Protocol() string { return "graphql" }

// Resolve implements pressgate.ContextAdapter.
func (GraphQL) Resolve(principal pressgate.Principal, raw pressgate.RawRequest, at time.Time) (pressgate.OperationContext, error) {
	operation, ok := graphqlOps[raw.Field]
	if !ok {
		operation = ConservativeOp
	}
	return buildContext(principal, operation, raw, "graphql", at), nil
}

// mcpOps maps agent tool names to operations.
var mcpOps = map[string]string{
	"read_content_item": OpContentRead,
	"list_offers":       OpOfferRead,
	"purchase_offer":    OpOfferPurchase,
	"read_entitlement":  OpEntitlementRead,
}

// MCP resolves agent-protocol tool calls by tool name.
type MCP struct{}

// Protocol implements pressgate.ContextAdapter.
func (MCP) Protocol() string { return "mcp" }

// Resolve implements pressgate.ContextAdapter.
func (MCP) Resolve(principal pressgate.Principal, raw pressgate.RawRequest, at time.Time) (pressgate.OperationContext, error) {
	operation, ok := mcpOps[raw.ToolName]
	if !ok {
		operation = ConservativeOp
	}
	return buildContext(principal, operation, raw, "mcp", at), nil
}

func buildContext(principal pressgate.Principal, operation string, raw pressgate.RawRequest, protocol string, at time.Time) pressgate.OperationContext {
	return pressgate.OperationContext{
		Principal: principal,
		Operation: operation,
		Resource: pressgate.ResourceRef{
			Type:          raw.ResourceType,
			ID:            raw.ResourceID,
			ContentTypeID: raw.ContentTypeID,
		},
		Environment: pressgate.Environment{
			Protocol:  protocol,
			Timestamp: at,
		},
	}
}

var (
	_ pressgate.ContextAdapter = REST{}
	_ pressgate.ContextAdapter = GraphQL{}
	_ pressgate.ContextAdapter = MCP{}
)
