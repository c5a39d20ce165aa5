// Package gin adapts the paygate gatekeeper to gin-based servers.
package gin

import (
	"github.com/gin-gonic/gin"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/pkg/paygate"
)

const entitlementKey = "paygate.entitlement"

// EntitlementMiddleware gates the routes it is mounted on. Allowed
// requests proceed with the consumed entitlement in the gin context;
// everything else is answered directly from the gate's outcome.
func EntitlementMiddleware(gate *paygate.Gatekeeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome := gate.Check(c.Request)
		if outcome.Allow {
			if outcome.Entitlement != nil {
				c.Set(entitlementKey, *outcome.Entitlement)
			}
			c.Next()
			return
		}
		for k, v := range outcome.Headers {
			c.Header(k, v)
		}
		c.AbortWithStatusJSON(outcome.Status, outcome.Body)
	}
}

// EntitlementFrom returns the entitlement the middleware consumed for this
// request, when the route was priced.
func EntitlementFrom(c *gin.Context) (pressgate.Entitlement, bool) {
	v, ok := c.Get(entitlementKey)
	if !ok {
		return pressgate.Entitlement{}, false
	}
	ent, ok := v.(pressgate.Entitlement)
	return ent, ok
}
