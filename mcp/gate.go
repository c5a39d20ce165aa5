package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/adapters"
	"github.com/pressgate/pressgate/l402"
	"github.com/pressgate/pressgate/licensing"
	"github.com/pressgate/pressgate/policy"
)

// Gate wraps tool handlers with the policy and licensing checks that the
// REST surface applies per route.
type Gate struct {
	engine    *policy.Engine
	licensing *licensing.Service
	issuer    *l402.Issuer
	resolve   PrincipalResolver
	adapter   adapters.MCP
	logger    *slog.Logger
	now       func() time.Time
}

// NewGate builds a gate over the shared services.
func NewGate(engine *policy.Engine, lic *licensing.Service, issuer *l402.Issuer, resolve PrincipalResolver, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		engine:    engine,
		licensing: lic,
		issuer:    issuer,
		resolve:   resolve,
		logger:    logger,
		now:       time.Now,
	}
}

// WrapConfig binds one tool to the resource its calls consume.
type WrapConfig struct {
	// Resource maps a call to the resource it reads. Required.
	Resource func(tc ToolContext) pressgate.ResourceRef
}

// Wrap returns handler gated by policy evaluation and, for priced
// resources, one metered read per call.
//
// A call that arrives with proof of payment in _meta is confirmed first,
// so the activation and the gated call happen in one round trip.
func (g *Gate) Wrap(config WrapConfig, handler ToolHandler) ToolHandler {
	if config.Resource == nil {
		panic("mcp: WrapConfig.Resource is required")
	}
	return func(ctx context.Context, args map[string]any, tc ToolContext) (ToolResult, error) {
		principal, ok := g.resolve(tc.APIKey)
		if !ok {
			return errorResult(pressgate.CodeAPIKeyRequired, "this tool requires an API key"), nil
		}
		resource := config.Resource(tc)

		if err := g.confirmIfPresented(ctx, tc); err != nil {
			return errorResultFrom(err), nil
		}

		op, err := g.adapter.Resolve(principal, pressgate.RawRequest{
			ToolName:      tc.ToolName,
			ResourceType:  resource.Type,
			ResourceID:    resource.ID,
			ContentTypeID: resource.ContentTypeID,
		}, g.now().UTC())
		if err != nil {
			return ToolResult{}, err
		}

		decision, err := g.engine.Evaluate(ctx, op)
		if err != nil {
			return ToolResult{}, err
		}
		switch decision.Outcome {
		case pressgate.OutcomeDeny:
			return errorResult(pressgate.CodePolicyDenied, "policy denied "+tc.ToolName), nil
		case pressgate.OutcomeChallenge:
			return g.challengeResult(ctx, principal, resource, tc, decision.Code)
		}

		if g.engine.Snapshot().Priced(op.Operation, resource) {
			profile, err := g.licensing.GetOrCreateProfile(ctx, principal.DomainID, principal.AgentID)
			if err != nil {
				return ToolResult{}, err
			}
			ent, result, err := g.licensing.ConsumeRead(ctx, principal.DomainID, profile.ID,
				resource, "", "mcp://tool/"+tc.ToolName, "CALL")
			if err != nil {
				return errorResultFrom(err), nil
			}
			if !result.Granted {
				return g.challengeResult(ctx, principal, resource, tc, result.Reason)
			}
			out, err := handler(ctx, args, tc)
			if err != nil {
				return out, err
			}
			if out.Meta == nil {
				out.Meta = make(map[string]any)
			}
			out.Meta[EntitlementMetaKey] = map[string]any{
				"id":             ent.ID,
				"remainingReads": ent.RemainingReads,
			}
			return out, nil
		}

		return handler(ctx, args, tc)
	}
}

// confirmIfPresented settles the payment a client attached to the call.
// Absence of the meta key is not an error; a malformed payload is.
func (g *Gate) confirmIfPresented(ctx context.Context, tc ToolContext) error {
	raw, ok := tc.Meta[PaymentMetaKey]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return pressgate.ErrValidation("unreadable payment meta")
	}
	var pm paymentMeta
	if err := json.Unmarshal(encoded, &pm); err != nil {
		return pressgate.ErrValidation("unreadable payment meta")
	}
	if pm.Credential == "" || pm.Preimage == "" {
		return pressgate.NewError(pressgate.CodeMalformedCredentials,
			"payment meta must carry credential and preimage", 400)
	}
	if _, err := g.issuer.Confirm(ctx, pm.Credential, pm.Preimage, ""); err != nil {
		return err
	}
	g.logger.Info("tool payment confirmed", "tool", tc.ToolName)
	return nil
}

// challengeResult prices the call: the narrowest applicable offer becomes
// an L402 challenge carried in _meta and structured content.
func (g *Gate) challengeResult(ctx context.Context, principal pressgate.Principal, resource pressgate.ResourceRef, tc ToolContext, code string) (ToolResult, error) {
	offers, err := g.licensing.GetActiveOffersForItemRead(ctx, principal.DomainID, resource)
	if err != nil {
		return ToolResult{}, err
	}
	if len(offers) == 0 {
		return errorResult(code, "payment required but no offer covers this resource"), nil
	}
	profile, err := g.licensing.GetOrCreateProfile(ctx, principal.DomainID, principal.AgentID)
	if err != nil {
		return ToolResult{}, err
	}
	challenge, err := g.issuer.CreateChallenge(ctx, offers[0], profile.ID, "mcp://tool/"+tc.ToolName)
	if err != nil {
		return errorResultFrom(err), nil
	}

	structured := map[string]any{
		"code":          code,
		"invoice":       challenge.Invoice,
		"credential":    challenge.Credential,
		"paymentHash":   challenge.PaymentHash,
		"entitlementId": challenge.EntitlementID,
		"remediation": "pay the invoice, then retry the call with " +
			PaymentMetaKey + " = {credential, preimage} in _meta",
	}
	text, err := json.Marshal(structured)
	if err != nil {
		return ToolResult{}, fmt.Errorf("mcp: encode challenge: %w", err)
	}
	return ToolResult{
		IsError:           true,
		StructuredContent: structured,
		Content:           []ContentItem{{Type: "text", Text: string(text)}},
		Meta:              map[string]any{ChallengeMetaKey: structured},
	}, nil
}

func errorResult(code, message string) ToolResult {
	structured := map[string]any{"code": code, "error": message}
	text, _ := json.Marshal(structured)
	return ToolResult{
		IsError:           true,
		StructuredContent: structured,
		Content:           []ContentItem{{Type: "text", Text: string(text)}},
	}
}

func errorResultFrom(err error) ToolResult {
	pe := pressgate.AsError(err)
	return errorResult(pe.Code, pe.Message)
}
