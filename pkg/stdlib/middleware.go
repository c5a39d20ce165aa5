// Package stdlib adapts the paygate gatekeeper to net/http servers.
package stdlib

import (
	"context"
	"encoding/json"
	"net/http"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/pkg/paygate"
)

type ctxKey int

const entitlementKey ctxKey = 0

// EntitlementMiddleware gates the handlers it wraps. Allowed requests
// proceed with the consumed entitlement in the request context; everything
// else is answered directly from the gate's outcome.
func EntitlementMiddleware(gate *paygate.Gatekeeper) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome := gate.Check(r)
			if outcome.Allow {
				if outcome.Entitlement != nil {
					r = r.WithContext(context.WithValue(r.Context(), entitlementKey, *outcome.Entitlement))
				}
				next.ServeHTTP(w, r)
				return
			}
			for k, v := range outcome.Headers {
				w.Header().Set(k, v)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(outcome.Status)
			_ = json.NewEncoder(w).Encode(outcome.Body)
		})
	}
}

// EntitlementFrom returns the entitlement the middleware consumed for this
// request, when the route was priced.
func EntitlementFrom(ctx context.Context) (pressgate.Entitlement, bool) {
	ent, ok := ctx.Value(entitlementKey).(pressgate.Entitlement)
	return ent, ok
}
