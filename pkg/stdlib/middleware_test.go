package stdlib

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/l402"
	"github.com/pressgate/pressgate/ledger"
	"github.com/pressgate/pressgate/licensing"
	"github.com/pressgate/pressgate/pkg/paygate"
	"github.com/pressgate/pressgate/policy"
	"github.com/pressgate/pressgate/provider/mock"
	"github.com/pressgate/pressgate/store/sqlite"
)

const testKey = "stdlib-key-1"

type middlewareEnv struct {
	handler  http.Handler
	provider *mock.Provider
}

func newMiddlewareEnv(t *testing.T) *middlewareEnv {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "stdlib.db"))
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

	gate := paygate.New(engine, lic, issuer,
		func(r *http.Request) pressgate.ResourceRef {
			if id, ok := strings.CutPrefix(r.URL.Path, "/content-items/"); ok {
				return pressgate.ResourceRef{Type: "content-item", ID: id, ContentTypeID: "articles"}
			}
			return pressgate.ResourceRef{}
		},
		func(r *http.Request) (pressgate.Principal, bool) {
			if r.Header.Get("x-api-key") != testKey {
				return pressgate.Principal{}, false
			}
			return pressgate.Principal{AgentID: "agent-1", DomainID: "default", Scopes: []string{"content:read"}}, true
		})

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

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"id": strings.TrimPrefix(r.URL.Path, "/content-items/")}
		if ent, ok := EntitlementFrom(r.Context()); ok {
			body["entitlementId"] = ent.ID
			body["remainingReads"] = ent.RemainingReads
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})

	return &middlewareEnv{handler: EntitlementMiddleware(gate)(inner), provider: provider}
}

func (e *middlewareEnv) get(t *testing.T, path string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestMiddlewareRequiresKey(t *testing.T) {
	env := newMiddlewareEnv(t)

	rec, body := env.get(t, "/content-items/item-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, pressgate.CodeAPIKeyRequired, body["code"])
}

func TestMiddlewarePayAndReadInOneRequest(t *testing.T) {
	env := newMiddlewareEnv(t)
	keyed := map[string]string{"x-api-key": testKey}

	rec, body := env.get(t, "/content-items/item-1", keyed)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "L402 macaroon=")
	credential := body["credential"].(string)
	hash := body["paymentHash"].(string)

	preimage, err := env.provider.Settle(hash)
	require.NoError(t, err)

	// Proof of payment rides the retry; confirmation and the first read
	// happen in one round trip.
	rec, body = env.get(t, "/content-items/item-1", map[string]string{
		"x-api-key":     testKey,
		"Authorization": "L402 " + credential + ":" + preimage,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "item-1", body["id"])
	assert.NotEmpty(t, body["entitlementId"])
	assert.EqualValues(t, 1, body["remainingReads"])

	rec, body = env.get(t, "/content-items/item-1", keyed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["remainingReads"])

	// The drained entitlement is re-challenged with the decrement reason,
	// not a generic payment prompt.
	rec, body = env.get(t, "/content-items/item-1", keyed)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, pressgate.CodeReadsExhausted, body["code"])
}

func TestMiddlewareMalformedAuthorization(t *testing.T) {
	env := newMiddlewareEnv(t)

	rec, body := env.get(t, "/content-items/item-1", map[string]string{
		"x-api-key":     testKey,
		"Authorization": "Bearer nope",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, pressgate.CodeMalformedCredentials, body["code"])
}

func TestMiddlewareUnpricedRoutePassesThrough(t *testing.T) {
	env := newMiddlewareEnv(t)

	rec, body := env.get(t, "/offers", map[string]string{"x-api-key": testKey})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, body, "entitlementId")
}
