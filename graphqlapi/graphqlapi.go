// Package graphqlapi exposes read-side queries over GraphQL. Every root
// field routes through the policy engine with the graphql adapter before
// its resolver touches data, so the decision surface is identical to REST.
package graphqlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/graphql-go/graphql"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/adapters"
	"github.com/pressgate/pressgate/licensing"
	"github.com/pressgate/pressgate/policy"
)

type ctxKey int

const principalKey ctxKey = 0

// WithPrincipal stores the authenticated principal for resolvers.
func WithPrincipal(ctx context.Context, p pressgate.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func principalFrom(ctx context.Context) pressgate.Principal {
	if p, ok := ctx.Value(principalKey).(pressgate.Principal); ok {
		return p
	}
	return pressgate.Principal{Source: "anonymous"}
}

// Handler serves POST /graphql.
type Handler struct {
	schema    graphql.Schema
	engine    *policy.Engine
	licensing *licensing.Service
	adapter   adapters.GraphQL
}

// New builds the handler and its schema.
func New(engine *policy.Engine, lic *licensing.Service) (*Handler, error) {
	h := &Handler{engine: engine, licensing: lic}
	schema, err := h.buildSchema()
	if err != nil {
		return nil, fmt.Errorf("graphqlapi: build schema: %w", err)
	}
	h.schema = schema
	return h, nil
}

// guard evaluates policy for the root field and denies restrictively.
func (h *Handler) guard(ctx context.Context, field string, resource pressgate.ResourceRef) error {
	p := principalFrom(ctx)
	op, err := h.adapter.Resolve(p, pressgate.RawRequest{
		Field:         field,
		ResourceType:  resource.Type,
		ResourceID:    resource.ID,
		ContentTypeID: resource.ContentTypeID,
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	decision, err := h.engine.Evaluate(ctx, op)
	if err != nil {
		return err
	}
	switch decision.Outcome {
	case pressgate.OutcomeDeny:
		return pressgate.NewError(pressgate.CodePolicyDenied, "policy denied "+field, http.StatusForbidden)
	case pressgate.OutcomeChallenge:
		return pressgate.ErrPaymentRequired(decision.Code, "payment is required for "+field).
			WithRemediation(decision.Remediation)
	}
	return nil
}

func (h *Handler) buildSchema() (graphql.Schema, error) {
	outcomeField := &graphql.Field{Type: graphql.String}

	decisionType := graphql.NewObject(graphql.ObjectConfig{
		Name: "PolicyDecision",
		Fields: graphql.Fields{
			"outcome":       outcomeField,
			"code":          {Type: graphql.String},
			"remediation":   {Type: graphql.String},
			"policyVersion": {Type: graphql.String},
		},
	})

	offerType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Offer",
		Fields: graphql.Fields{
			"id":              {Type: graphql.String},
			"slug":            {Type: graphql.String},
			"name":            {Type: graphql.String},
			"scopeType":       {Type: graphql.String},
			"scopeRef":        {Type: graphql.String},
			"priceSats":       {Type: graphql.Int},
			"active":          {Type: graphql.Boolean},
			"reads":           {Type: graphql.Int},
			"durationSeconds": {Type: graphql.Int},
		},
	})

	entitlementType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Entitlement",
		Fields: graphql.Fields{
			"id":             {Type: graphql.String},
			"offerId":        {Type: graphql.String},
			"status":         {Type: graphql.String},
			"remainingReads": {Type: graphql.Int},
			"paymentHash":    {Type: graphql.String},
			"delegatedFrom":  {Type: graphql.String},
		},
	})

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"policyEvaluate": {
				Type: decisionType,
				Args: graphql.FieldConfigArgument{
					"operation":     {Type: graphql.NewNonNull(graphql.String)},
					"resourceType":  {Type: graphql.String},
					"resourceId":    {Type: graphql.String},
					"contentTypeId": {Type: graphql.String},
				},
				Resolve: func(rp graphql.ResolveParams) (any, error) {
					p := principalFrom(rp.Context)
					return h.engine.Evaluate(rp.Context, pressgate.OperationContext{
						Principal: p,
						Operation: rp.Args["operation"].(string),
						Resource: pressgate.ResourceRef{
							Type:          stringArg(rp.Args, "resourceType"),
							ID:            stringArg(rp.Args, "resourceId"),
							ContentTypeID: stringArg(rp.Args, "contentTypeId"),
						},
						Environment: pressgate.Environment{Protocol: "graphql", Timestamp: time.Now().UTC()},
					})
				},
			},
			"offers": {
				Type: graphql.NewList(offerType),
				Args: graphql.FieldConfigArgument{
					"itemId":        {Type: graphql.String},
					"contentTypeId": {Type: graphql.String},
				},
				Resolve: func(rp graphql.ResolveParams) (any, error) {
					resource := pressgate.ResourceRef{
						Type:          "content-item",
						ID:            stringArg(rp.Args, "itemId"),
						ContentTypeID: stringArg(rp.Args, "contentTypeId"),
					}
					if err := h.guard(rp.Context, "offers", resource); err != nil {
						return nil, err
					}
					p := principalFrom(rp.Context)
					if resource.ID == "" && resource.ContentTypeID == "" {
						return h.licensing.ListOffers(rp.Context, p.DomainID)
					}
					return h.licensing.GetActiveOffersForItemRead(rp.Context, p.DomainID, resource)
				},
			},
			"entitlement": {
				Type: entitlementType,
				Args: graphql.FieldConfigArgument{
					"id": {Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(rp graphql.ResolveParams) (any, error) {
					id := rp.Args["id"].(string)
					resource := pressgate.ResourceRef{Type: "entitlement", ID: id}
					if err := h.guard(rp.Context, "entitlement", resource); err != nil {
						return nil, err
					}
					p := principalFrom(rp.Context)
					return h.licensing.GetEntitlement(rp.Context, p.DomainID, id)
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: query})
}

func stringArg(args map[string]any, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}

type gqlRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

// ServeHTTP executes one GraphQL request. The caller is expected to have
// stored the principal in the request context via WithPrincipal.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req gqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "unreadable GraphQL request", http.StatusBadRequest)
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         h.schema,
		RequestString:  req.Query,
		OperationName:  req.OperationName,
		VariableValues: req.Variables,
		Context:        r.Context(),
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

var _ http.Handler = (*Handler)(nil)
