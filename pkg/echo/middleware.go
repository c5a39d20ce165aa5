// Package echo adapts the paygate gatekeeper to echo-based servers.
package echo

import (
	"github.com/labstack/echo/v4"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/pkg/paygate"
)

const entitlementKey = "paygate.entitlement"

// EntitlementMiddleware gates the routes it is mounted on. Allowed
// requests proceed with the consumed entitlement in the echo context;
// everything else is answered directly from the gate's outcome.
func EntitlementMiddleware(gate *paygate.Gatekeeper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			outcome := gate.Check(c.Request())
			if outcome.Allow {
				if outcome.Entitlement != nil {
					c.Set(entitlementKey, *outcome.Entitlement)
				}
				return next(c)
			}
			for k, v := range outcome.Headers {
				c.Response().Header().Set(k, v)
			}
			return c.JSON(outcome.Status, outcome.Body)
		}
	}
}

// EntitlementFrom returns the entitlement the middleware consumed for this
// request, when the route was priced.
func EntitlementFrom(c echo.Context) (pressgate.Entitlement, bool) {
	ent, ok := c.Get(entitlementKey).(pressgate.Entitlement)
	return ent, ok
}
