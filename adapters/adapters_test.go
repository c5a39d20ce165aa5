package adapters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pressgate "github.com/pressgate/pressgate"
)

var (
	principal = pressgate.Principal{AgentID: "agent-1", DomainID: "default", Scopes: []string{"content:read"}}
	at        = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestRESTResolve(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{"GET", "/content-items/item-1", OpContentRead},
		{"PUT", "/content-items/item-1", OpContentWrite},
		{"DELETE", "/content-items/item-1", OpContentDelete},
		{"POST", "/content-items", OpContentWrite},
		{"GET", "/offers", OpOfferRead},
		{"POST", "/offers/offer-1/purchase", OpOfferPurchase},
		{"POST", "/offers/offer-1/purchase/confirm", OpOfferPurchase},
		{"GET", "/entitlements/ent-1", OpEntitlementRead},
		{"POST", "/payments/webhooks/mock/settled", OpWebhookIngest},
		{"POST", "/policy/evaluate", OpPolicyEvaluate},
		// Anything off the table classifies as a write, never a silent allow.
		{"PATCH", "/content-items/item-1", ConservativeOp},
		{"GET", "/totally/unknown/surface", ConservativeOp},
	}

	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			op, err := REST{}.Resolve(principal, pressgate.RawRequest{Method: tc.method, Path: tc.path}, at)
			require.NoError(t, err)
			assert.Equal(t, tc.want, op.Operation)
			assert.Equal(t, "rest", op.Environment.Protocol)
		})
	}
}

func TestResolvePassesResourceThrough(t *testing.T) {
	raw := pressgate.RawRequest{
		Method:        "GET",
		Path:          "/content-items/item-1",
		ResourceType:  "content-item",
		ResourceID:    "item-1",
		ContentTypeID: "articles",
	}
	op, err := REST{}.Resolve(principal, raw, at)
	require.NoError(t, err)
	assert.Equal(t, "item-1", op.Resource.ID)
	assert.Equal(t, "articles", op.Resource.ContentTypeID)
	assert.Equal(t, principal, op.Principal)
	assert.True(t, at.Equal(op.Environment.Timestamp))
}

func TestGraphQLResolve(t *testing.T) {
	op, err := GraphQL{}.Resolve(principal, pressgate.RawRequest{Field: "contentItem"}, at)
	require.NoError(t, err)
	assert.Equal(t, OpContentRead, op.Operation)
	assert.Equal(t, "graphql", op.Environment.Protocol)

	op, err = GraphQL{}.Resolve(principal, pressgate.RawRequest{Field: "mysteryField"}, at)
	require.NoError(t, err)
	assert.Equal(t, ConservativeOp, op.Operation)
}

func TestMCPResolve(t *testing.T) {
	op, err := MCP{}.Resolve(principal, pressgate.RawRequest{ToolName: "read_content_item"}, at)
	require.NoError(t, err)
	assert.Equal(t, OpContentRead, op.Operation)
	assert.Equal(t, "mcp", op.Environment.Protocol)

	op, err = MCP{}.Resolve(principal, pressgate.RawRequest{ToolName: "drop_all_tables"}, at)
	require.NoError(t, err)
	assert.Equal(t, ConservativeOp, op.Operation)
}
