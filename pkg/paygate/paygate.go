// Package paygate is the framework-neutral core behind the gin, echo and
// stdlib middleware: one Check per request that runs policy evaluation,
// settles an attached L402 payment, and consumes a metered read when the
// resource is priced. The wrappers only translate Outcome into their
// framework's response surface.
package paygate

import (
	"net/http"
	"time"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/adapters"
	"github.com/pressgate/pressgate/l402"
	"github.com/pressgate/pressgate/licensing"
	"github.com/pressgate/pressgate/policy"
)

// PrincipalResolver authenticates a request. ok=false means anonymous.
type PrincipalResolver func(r *http.Request) (pressgate.Principal, bool)

// ResourceResolver maps a request to the resource it reads.
type ResourceResolver func(r *http.Request) pressgate.ResourceRef

// Outcome is the gate's verdict for one request. Allow=false carries the
// full response the wrapper should write and stop with.
type Outcome struct {
	Allow       bool
	Status      int
	Headers     map[string]string
	Body        map[string]any
	Entitlement *pressgate.Entitlement
}

// Gatekeeper runs the per-request gate.
type Gatekeeper struct {
	engine    *policy.Engine
	licensing *licensing.Service
	issuer    *l402.Issuer
	resource  ResourceResolver
	principal PrincipalResolver
	adapter   adapters.REST
	now       func() time.Time
}

// Option configures the gatekeeper.
type Option func(*Gatekeeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gatekeeper) { g.now = now }
}

// New builds a gatekeeper. resource and principal are required.
func New(engine *policy.Engine, lic *licensing.Service, issuer *l402.Issuer, resource ResourceResolver, principal PrincipalResolver, opts ...Option) *Gatekeeper {
	if resource == nil || principal == nil {
		panic("paygate: resource and principal resolvers are required")
	}
	g := &Gatekeeper{
		engine:    engine,
		licensing: lic,
		issuer:    issuer,
		resource:  resource,
		principal: principal,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func denied(err error) Outcome {
	pe := pressgate.AsError(err)
	body := map[string]any{"error": pe.Message, "code": pe.Code}
	if pe.Remediation != "" {
		body["remediation"] = pe.Remediation
	}
	if pe.Context != nil {
		body["context"] = pe.Context
	}
	return Outcome{Status: pe.HTTPStatus, Body: body}
}

// Check gates one request. An L402 Authorization header, when present, is
// confirmed first so a client can pay and read in a single round trip.
func (g *Gatekeeper) Check(r *http.Request) Outcome {
	p, authed := g.principal(r)
	if !authed {
		return denied(pressgate.NewError(pressgate.CodeAPIKeyRequired,
			"this resource requires an API key", http.StatusForbidden).
			WithRemediation("send a provisioned key in the x-api-key header"))
	}
	resource := g.resource(r)

	if auth := r.Header.Get("Authorization"); auth != "" {
		credential, preimage, err := l402.ParseAuthorization(auth)
		if err != nil {
			return denied(err)
		}
		if _, err := g.issuer.Confirm(r.Context(), credential, preimage, r.Header.Get("x-payment-hash")); err != nil {
			return denied(err)
		}
	}

	op, err := g.adapter.Resolve(p, pressgate.RawRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		ResourceType:  resource.Type,
		ResourceID:    resource.ID,
		ContentTypeID: resource.ContentTypeID,
	}, g.now().UTC())
	if err != nil {
		return denied(err)
	}

	decision, err := g.engine.Evaluate(r.Context(), op)
	if err != nil {
		return denied(err)
	}
	switch decision.Outcome {
	case pressgate.OutcomeDeny:
		return Outcome{
			Status: http.StatusForbidden,
			Body: map[string]any{
				"error":    "policy denied this request",
				"code":     pressgate.CodePolicyDenied,
				"decision": decision,
			},
		}
	case pressgate.OutcomeChallenge:
		return g.challenge(r, p, resource, decision.Code)
	}

	if !g.engine.Snapshot().Priced(op.Operation, resource) {
		return Outcome{Allow: true}
	}

	profile, err := g.licensing.GetOrCreateProfile(r.Context(), p.DomainID, p.AgentID)
	if err != nil {
		return denied(err)
	}
	ent, result, err := g.licensing.ConsumeRead(r.Context(), p.DomainID, profile.ID,
		resource, r.Header.Get("x-entitlement-id"), r.URL.Path, r.Method)
	if err != nil {
		return denied(err)
	}
	if !result.Granted {
		return g.challenge(r, p, resource, result.Reason)
	}
	return Outcome{Allow: true, Entitlement: &ent}
}

// challenge prices the request with the narrowest applicable offer.
func (g *Gatekeeper) challenge(r *http.Request, p pressgate.Principal, resource pressgate.ResourceRef, code string) Outcome {
	offers, err := g.licensing.GetActiveOffersForItemRead(r.Context(), p.DomainID, resource)
	if err != nil {
		return denied(err)
	}
	if len(offers) == 0 {
		return Outcome{
			Status: http.StatusPaymentRequired,
			Body: map[string]any{
				"error": "payment required but no offer covers this resource",
				"code":  code,
			},
		}
	}
	profile, err := g.licensing.GetOrCreateProfile(r.Context(), p.DomainID, p.AgentID)
	if err != nil {
		return denied(err)
	}
	ch, err := g.issuer.CreateChallenge(r.Context(), offers[0], profile.ID, r.URL.Path)
	if err != nil {
		return denied(err)
	}
	body := make(map[string]any, len(ch.Payload)+1)
	for k, v := range ch.Payload {
		body[k] = v
	}
	body["code"] = code
	return Outcome{Status: http.StatusPaymentRequired, Headers: ch.Headers, Body: body}
}
