package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/l402"
)

type evaluateRequest struct {
	Operation string                `json:"operation" binding:"required"`
	Resource  pressgate.ResourceRef `json:"resource"`
}

// handleEvaluate answers "would this operation be allowed" without
// executing it. The operation id is taken as canonical; the resource is
// passed through opaquely.
func (s *Server) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, pressgate.ErrValidation("body must carry an operation id"))
		return
	}
	p, _ := s.principal(c)

	decision, err := s.engine.Evaluate(c.Request.Context(), pressgate.OperationContext{
		Principal: p,
		Operation: req.Operation,
		Resource:  req.Resource,
		Environment: pressgate.Environment{
			Protocol:  "rest",
			Timestamp: time.Now().UTC(),
		},
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// handleListOffers lists offers, ranked narrowest-scope-first when the
// caller names a resource.
func (s *Server) handleListOffers(c *gin.Context) {
	p, _ := s.principal(c)
	itemID := c.Query("itemId")
	contentTypeID := c.Query("contentTypeId")

	if itemID == "" && contentTypeID == "" {
		offers, err := s.licensing.ListOffers(c.Request.Context(), p.DomainID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"offers": offers})
		return
	}

	offers, err := s.licensing.GetActiveOffersForItemRead(c.Request.Context(), p.DomainID, pressgate.ResourceRef{
		Type:          "content-item",
		ID:            itemID,
		ContentTypeID: contentTypeID,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

// handlePurchase opens a purchase: it resolves the offer, provisions the
// pending entitlement and responds 402 with the invoice and credential.
func (s *Server) handlePurchase(c *gin.Context) {
	p, ok := s.requireKey(c)
	if !ok {
		return
	}

	offer, err := s.licensing.GetOffer(c.Request.Context(), p.DomainID, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	profile, err := s.licensing.GetOrCreateProfile(c.Request.Context(), p.DomainID, p.AgentID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	challenge, err := s.issuer.CreateChallenge(c.Request.Context(), offer, profile.ID, c.Request.URL.Path)
	if err != nil {
		s.writeError(c, err)
		return
	}
	for k, v := range challenge.Headers {
		c.Header(k, v)
	}
	c.JSON(http.StatusPaymentRequired, challenge.Payload)
}

// handleConfirm settles a purchase. The client presents the credential and
// preimage from the 402 in the Authorization header; x-payment-hash, when
// sent, must agree with the credential.
func (s *Server) handleConfirm(c *gin.Context) {
	if _, ok := s.requireKey(c); !ok {
		return
	}

	credential, preimage, err := l402.ParseAuthorization(c.GetHeader("Authorization"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	ent, err := s.issuer.Confirm(c.Request.Context(), credential, preimage, c.GetHeader("x-payment-hash"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlement": ent})
}

// handleContentRead is the gated read path: policy evaluation first, then
// for priced resources one metered consumption, then the content body.
func (s *Server) handleContentRead(c *gin.Context) {
	p, ok := s.requireKey(c)
	if !ok {
		return
	}

	resource := pressgate.ResourceRef{
		Type:          "content-item",
		ID:            c.Param("id"),
		ContentTypeID: c.Query("contentTypeId"),
	}
	op, err := s.operationContext(c, p, resource)
	if err != nil {
		s.writeError(c, err)
		return
	}

	decision, err := s.engine.Evaluate(c.Request.Context(), op)
	if err != nil {
		s.writeError(c, err)
		return
	}
	switch decision.Outcome {
	case pressgate.OutcomeDeny:
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "policy denied this read",
			"code":     pressgate.CodePolicyDenied,
			"decision": decision,
		})
		return
	case pressgate.OutcomeChallenge:
		s.respondPaymentRequired(c, p, resource, decision.Code)
		return
	}

	if s.engine.Snapshot().Priced(op.Operation, resource) {
		profile, err := s.licensing.GetOrCreateProfile(c.Request.Context(), p.DomainID, p.AgentID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		ent, result, err := s.licensing.ConsumeRead(c.Request.Context(), p.DomainID, profile.ID,
			resource, c.GetHeader("x-entitlement-id"), c.Request.URL.Path, c.Request.Method)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if !result.Granted {
			s.respondPaymentRequired(c, p, resource, result.Reason)
			return
		}
		item, err := s.readItem(c, p.DomainID, resource.ID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"item": item,
			"entitlement": gin.H{
				"id":             ent.ID,
				"remainingReads": ent.RemainingReads,
			},
		})
		return
	}

	item, err := s.readItem(c, p.DomainID, resource.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

func (s *Server) readItem(c *gin.Context, domainID, itemID string) (map[string]any, error) {
	if s.content == nil {
		return nil, pressgate.NewError("INTERNAL", "no content backend configured", http.StatusInternalServerError)
	}
	return s.content.ReadItem(c.Request.Context(), domainID, itemID)
}

// respondPaymentRequired renders a 402 with the purchasable offers for the
// resource, ranked narrowest scope first.
func (s *Server) respondPaymentRequired(c *gin.Context, p pressgate.Principal, resource pressgate.ResourceRef, code string) {
	offers, err := s.licensing.GetActiveOffersForItemRead(c.Request.Context(), p.DomainID, resource)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusPaymentRequired, gin.H{
		"error":       "payment is required to read this resource",
		"code":        code,
		"offers":      offers,
		"remediation": "purchase one of the listed offers, then retry the read",
	})
}

// handleGetEntitlement fetches one entitlement.
func (s *Server) handleGetEntitlement(c *gin.Context) {
	p, ok := s.requireKey(c)
	if !ok {
		return
	}
	ent, err := s.licensing.GetEntitlement(c.Request.Context(), p.DomainID, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlement": ent})
}

type delegateRequest struct {
	TargetAgentID string `json:"targetAgentId" binding:"required"`
	Reads         int64  `json:"reads" binding:"required"`
}

// handleDelegate carves reads out of the caller's entitlement into a new
// one owned by the target agent.
func (s *Server) handleDelegate(c *gin.Context) {
	p, ok := s.requireKey(c)
	if !ok {
		return
	}
	var req delegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, pressgate.ErrValidation("body must carry targetAgentId and a positive reads count"))
		return
	}

	target, err := s.licensing.GetOrCreateProfile(c.Request.Context(), p.DomainID, req.TargetAgentID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ent, err := s.licensing.DelegateEntitlement(c.Request.Context(), p.DomainID, c.Param("id"), target.ID, req.Reads)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entitlement": ent})
}

// handleTerminate cancels an entitlement. Terminal states never move again.
func (s *Server) handleTerminate(c *gin.Context) {
	p, ok := s.requireKey(c)
	if !ok {
		return
	}
	ent, err := s.licensing.TerminateEntitlement(c.Request.Context(), p.DomainID, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlement": ent})
}

// handleWebhook ingests one provider settlement delivery. The body HMAC in
// x-payment-signature must verify before anything is parsed; duplicates,
// unknown payments and same-status replays acknowledge with 202.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.writeError(c, pressgate.ErrValidation("unreadable webhook body"))
		return
	}
	signature := c.GetHeader("x-payment-signature")
	if !s.ingestor.VerifySignature(body, signature) {
		s.writeError(c, pressgate.NewError(pressgate.CodeWebhookUnauthorized,
			"webhook signature missing or invalid", http.StatusUnauthorized).
			WithRemediation("sign the raw body with the shared secret and send it as x-payment-signature"))
		return
	}

	ev, err := s.ingestor.Normalize(c.Param("provider"), body, signature)
	if err != nil {
		s.writeError(c, err)
		return
	}
	result, err := s.ingestor.Ingest(c.Request.Context(), ev)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusOK
	if result.Duplicate || result.UnknownPayment || result.NoOp {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

// handleMetrics dumps the in-process counters.
func (s *Server) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}
