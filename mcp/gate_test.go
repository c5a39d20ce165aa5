package mcp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/l402"
	"github.com/pressgate/pressgate/ledger"
	"github.com/pressgate/pressgate/licensing"
	"github.com/pressgate/pressgate/policy"
	"github.com/pressgate/pressgate/provider/mock"
	"github.com/pressgate/pressgate/store/sqlite"
)

const testKey = "mcp-key-1"

type gateEnv struct {
	gate     *Gate
	provider *mock.Provider
	store    *sqlite.Store
}

func newGateEnv(t *testing.T) *gateEnv {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider := mock.New()

	var engine *policy.Engine
	lic := licensing.New(store, store, store, store,
		licensing.WithPolicyVersion(func() string {
			if engine == nil {
				return ""
			}
			return engine.Snapshot().Version
		}))

	snap := policy.Baseline()
	snap.PricingRules = []policy.PricingRule{{Operation: "content.read", ResourceType: "content-item"}}
	engine = policy.NewEngine(snap,
		policy.WithDecisionLog(store),
		policy.WithEntitlementProbe(lic))

	ledgerSvc := ledger.New(store)
	issuer := l402.NewIssuer(provider, ledgerSvc, lic, []byte("credential-secret"))

	resolve := func(apiKey string) (pressgate.Principal, bool) {
		if apiKey != testKey {
			return pressgate.Principal{}, false
		}
		return pressgate.Principal{AgentID: "agent-1", DomainID: "default", Scopes: []string{"content:read"}}, true
	}

	reads := int64(2)
	require.NoError(t, store.PutOffer(context.Background(), pressgate.Offer{
		ID:        "offer-1",
		DomainID:  "default",
		Slug:      "two-reads",
		Name:      "Two reads",
		ScopeType: pressgate.OfferScopeItem,
		ScopeRef:  "item-1",
		PriceSats: 250,
		Active:    true,
		Reads:     &reads,
	}))

	return &gateEnv{gate: NewGate(engine, lic, issuer, resolve, nil), provider: provider, store: store}
}

func readTool(env *gateEnv, calls *int) ToolHandler {
	return env.gate.Wrap(WrapConfig{
		Resource: func(tc ToolContext) pressgate.ResourceRef {
			id, _ := tc.Arguments["itemId"].(string)
			return pressgate.ResourceRef{Type: "content-item", ID: id, ContentTypeID: "articles"}
		},
	}, func(ctx context.Context, args map[string]any, tc ToolContext) (ToolResult, error) {
		*calls++
		return ToolResult{Content: []ContentItem{{Type: "text", Text: "body"}}}, nil
	})
}

func callCtx(meta map[string]any) ToolContext {
	return ToolContext{
		ToolName:  "read_content_item",
		Arguments: map[string]any{"itemId": "item-1"},
		Meta:      meta,
		APIKey:    testKey,
	}
}

func TestWrapRequiresAPIKey(t *testing.T) {
	env := newGateEnv(t)
	calls := 0
	handler := readTool(env, &calls)

	tc := callCtx(nil)
	tc.APIKey = "wrong"
	out, err := handler(context.Background(), tc.Arguments, tc)
	require.NoError(t, err)
	assert.True(t, out.IsError)
	assert.Equal(t, pressgate.CodeAPIKeyRequired, out.StructuredContent["code"])
	assert.Zero(t, calls)
}

func TestWrapDeniesOutOfScopeTool(t *testing.T) {
	env := newGateEnv(t)
	calls := 0
	handler := env.gate.Wrap(WrapConfig{
		Resource: func(tc ToolContext) pressgate.ResourceRef {
			return pressgate.ResourceRef{Type: "content-item", ID: "item-1"}
		},
	}, func(ctx context.Context, args map[string]any, tc ToolContext) (ToolResult, error) {
		calls++
		return ToolResult{}, nil
	})

	tc := callCtx(nil)
	tc.ToolName = "update_content_item"
	out, err := handler(context.Background(), nil, tc)
	require.NoError(t, err)
	assert.True(t, out.IsError)
	assert.Equal(t, pressgate.CodePolicyDenied, out.StructuredContent["code"])
	assert.Zero(t, calls)
}

func TestWrapPaymentHandshake(t *testing.T) {
	env := newGateEnv(t)
	calls := 0
	handler := readTool(env, &calls)

	var challenge map[string]any

	t.Run("unpaid call returns a challenge", func(t *testing.T) {
		out, err := handler(context.Background(), callCtx(nil).Arguments, callCtx(nil))
		require.NoError(t, err)
		assert.True(t, out.IsError)
		assert.Zero(t, calls)

		var ok bool
		challenge, ok = out.Meta[ChallengeMetaKey].(map[string]any)
		require.True(t, ok)
		assert.NotEmpty(t, challenge["credential"])
		assert.NotEmpty(t, challenge["paymentHash"])
		assert.Equal(t, challenge, out.StructuredContent)
	})

	t.Run("retrying with unsettled proof keeps the call gated", func(t *testing.T) {
		tc := callCtx(map[string]any{PaymentMetaKey: map[string]any{
			"credential": challenge["credential"],
			"preimage":   "deadbeef",
		}})
		out, err := handler(context.Background(), tc.Arguments, tc)
		require.NoError(t, err)
		assert.True(t, out.IsError)
		assert.Equal(t, pressgate.CodeSettlementPending, out.StructuredContent["code"])
		assert.Zero(t, calls)
	})

	preimage, err := env.provider.Settle(challenge["paymentHash"].(string))
	require.NoError(t, err)

	t.Run("settled proof confirms and grants in one round trip", func(t *testing.T) {
		tc := callCtx(map[string]any{PaymentMetaKey: map[string]any{
			"credential": challenge["credential"],
			"preimage":   preimage,
		}})
		out, err := handler(context.Background(), tc.Arguments, tc)
		require.NoError(t, err)
		assert.False(t, out.IsError)
		assert.Equal(t, 1, calls)

		ent, ok := out.Meta[EntitlementMetaKey].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, challenge["entitlementId"], ent["id"])
	})

	t.Run("subsequent calls consume without re-presenting proof", func(t *testing.T) {
		out, err := handler(context.Background(), callCtx(nil).Arguments, callCtx(nil))
		require.NoError(t, err)
		assert.False(t, out.IsError)
		assert.Equal(t, 2, calls)
	})

	t.Run("an exhausted entitlement challenges with the decrement reason", func(t *testing.T) {
		out, err := handler(context.Background(), callCtx(nil).Arguments, callCtx(nil))
		require.NoError(t, err)
		assert.True(t, out.IsError)
		assert.Equal(t, pressgate.CodeReadsExhausted, out.StructuredContent["code"])
		assert.Equal(t, 2, calls)
	})
}

func TestWrapMalformedPaymentMeta(t *testing.T) {
	env := newGateEnv(t)
	calls := 0
	handler := readTool(env, &calls)

	tc := callCtx(map[string]any{PaymentMetaKey: map[string]any{"credential": "only-half"}})
	out, err := handler(context.Background(), tc.Arguments, tc)
	require.NoError(t, err)
	assert.True(t, out.IsError)
	assert.Equal(t, pressgate.CodeMalformedCredentials, out.StructuredContent["code"])
	assert.Zero(t, calls)
}

func TestWrapUnpricedToolPassesThrough(t *testing.T) {
	env := newGateEnv(t)
	calls := 0
	handler := env.gate.Wrap(WrapConfig{
		Resource: func(tc ToolContext) pressgate.ResourceRef {
			return pressgate.ResourceRef{Type: "offer"}
		},
	}, func(ctx context.Context, args map[string]any, tc ToolContext) (ToolResult, error) {
		calls++
		return ToolResult{Content: []ContentItem{{Type: "text", Text: "offers"}}}, nil
	})

	tc := callCtx(nil)
	tc.ToolName = "list_offers"
	out, err := handler(context.Background(), nil, tc)
	require.NoError(t, err)
	assert.False(t, out.IsError)
	assert.Equal(t, 1, calls)
	assert.NotContains(t, out.Meta, EntitlementMetaKey)
}
