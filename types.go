package pressgate

import (
	"time"
)

// Outcome is a single policy verdict. Domains yield one each; the engine
// combines them with restrictive-wins resolution.
type Outcome string

const (
	OutcomeAllow     Outcome = "allow"
	OutcomeDeny      Outcome = "deny"
	OutcomeChallenge Outcome = "challenge"
)

// MoreRestrictive reports whether o is stricter than other
// (deny > challenge > allow).
func (o Outcome) MoreRestrictive(other Outcome) bool {
	return o.rank() > other.rank()
}

func (o Outcome) rank() int {
	switch o {
	case OutcomeDeny:
		return 2
	case OutcomeChallenge:
		return 1
	default:
		return 0
	}
}

// Principal identifies the caller behind a request, after the protocol
// surface has authenticated it.
type Principal struct {
	AgentID  string   `json:"agentId"`
	Scopes   []string `json:"scopes"`
	DomainID string   `json:"domainId"`
	Source   string   `json:"source"`
}

// HasScope reports whether the principal carries the given scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ResourceRef points at the resource a request targets. IDs are opaque
// strings; adapters pass them through without interpretation.
type ResourceRef struct {
	Type          string `json:"type"`
	ID            string `json:"id,omitempty"`
	ContentTypeID string `json:"contentTypeId,omitempty"`
}

// Environment captures the protocol surface and time of a request.
type Environment struct {
	Protocol  string    `json:"protocol"`
	Timestamp time.Time `json:"timestamp"`
}

// OperationContext is the canonical, protocol-independent shape of a
// request. Ephemeral: built per request by a ContextAdapter, never persisted.
type OperationContext struct {
	Principal   Principal   `json:"principal"`
	Operation   string      `json:"operation"`
	Resource    ResourceRef `json:"resource"`
	Environment Environment `json:"environment"`
}

// PolicyDecision is the engine's verdict for one OperationContext.
// Immutable once written to the decision log.
type PolicyDecision struct {
	Outcome       Outcome        `json:"outcome"`
	Code          string         `json:"code"`
	Remediation   string         `json:"remediation,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	PolicyVersion string         `json:"policyVersion"`
}

// DecisionRecord is one appended entry in the decision log.
type DecisionRecord struct {
	RequestID string           `json:"requestId"`
	Context   OperationContext `json:"context"`
	Decision  PolicyDecision   `json:"decision"`
	CreatedAt time.Time        `json:"createdAt"`
}

// OfferScope classifies what an Offer grants access to.
type OfferScope string

const (
	OfferScopeItem         OfferScope = "item"
	OfferScopeType         OfferScope = "type"
	OfferScopeSubscription OfferScope = "subscription"
)

// SpecificityRank orders scopes narrowest-first for offer discovery.
// item(0) < type(1) < subscription(2) < anything else (99).
func (s OfferScope) SpecificityRank() int {
	switch s {
	case OfferScopeItem:
		return 0
	case OfferScopeType:
		return 1
	case OfferScopeSubscription:
		return 2
	default:
		return 99
	}
}

// Offer is a purchasable access grant.
type Offer struct {
	ID              string     `json:"id"`
	DomainID        string     `json:"domainId"`
	Slug            string     `json:"slug"`
	Name            string     `json:"name"`
	ScopeType       OfferScope `json:"scopeType"`
	ScopeRef        string     `json:"scopeRef,omitempty"`
	PriceSats       int64      `json:"priceSats"`
	Active          bool       `json:"active"`
	Reads           *int64     `json:"reads,omitempty"`           // nil = unlimited
	DurationSeconds int64      `json:"durationSeconds,omitempty"` // 0 = no expiry
	PolicyID        string     `json:"policyId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending_payment"
	PaymentPaid    PaymentStatus = "paid"
	PaymentExpired PaymentStatus = "expired"
	PaymentFailed  PaymentStatus = "failed"
)

// Valid reports whether the status is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentExpired, PaymentFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions may leave this status.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentExpired || s == PaymentFailed
}

// Payment is the ledger record for one invoice. PaymentHash is globally
// unique and joins to exactly one Entitlement.
type Payment struct {
	PaymentHash       string         `json:"paymentHash"`
	AmountSatoshis    int64          `json:"amountSatoshis"`
	Status            PaymentStatus  `json:"status"`
	Provider          string         `json:"provider"`
	ProviderInvoiceID string         `json:"providerInvoiceId,omitempty"`
	ResourcePath      string         `json:"resourcePath"`
	ActorID           string         `json:"actorId,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	ExpiresAt         *time.Time     `json:"expiresAt,omitempty"`
	SettledAt         *time.Time     `json:"settledAt,omitempty"`
	FailureReason     string         `json:"failureReason,omitempty"`
	LastEventID       string         `json:"lastEventId,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// ProviderEvent is one inbound webhook delivery, recorded write-once.
// (provider, eventId) is unique: the dedup key for at-least-once delivery.
type ProviderEvent struct {
	Provider    string    `json:"provider"`
	EventID     string    `json:"eventId"`
	PaymentHash string    `json:"paymentHash"`
	Status      string    `json:"status"`
	Signature   string    `json:"signature,omitempty"`
	Payload     string    `json:"payload,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// EntitlementStatus is the lifecycle state of an Entitlement.
type EntitlementStatus string

const (
	EntitlementPending    EntitlementStatus = "pending_payment"
	EntitlementActive     EntitlementStatus = "active"
	EntitlementExpired    EntitlementStatus = "expired"
	EntitlementTerminated EntitlementStatus = "terminated"
)

// Entitlement is a metered or time-bound grant of access, purchased via an
// Offer. RemainingReads nil means unlimited; when set it is never negative.
// Terminated is terminal: no further transitions.
type Entitlement struct {
	ID             string            `json:"id"`
	DomainID       string            `json:"domainId"`
	OfferID        string            `json:"offerId"`
	PolicyID       string            `json:"policyId,omitempty"`
	PolicyVersion  string            `json:"policyVersion,omitempty"`
	AgentProfileID string            `json:"agentProfileId"`
	PaymentHash    string            `json:"paymentHash"`
	Status         EntitlementStatus `json:"status"`
	RemainingReads *int64            `json:"remainingReads,omitempty"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	ActivatedAt    *time.Time        `json:"activatedAt,omitempty"`
	TerminatedAt   *time.Time        `json:"terminatedAt,omitempty"`
	DelegatedFrom  string            `json:"delegatedFrom,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// AgentProfile is the durable identity behind an API credential. Created
// lazily on first purchase or delegation.
type AgentProfile struct {
	ID        string    `json:"id"`
	DomainID  string    `json:"domainId"`
	AgentID   string    `json:"agentId"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AccessEvent is one appended consumption record. Recording a denied read
// is part of the success path, never an error.
type AccessEvent struct {
	ID            string    `json:"id"`
	DomainID      string    `json:"domainId"`
	EntitlementID string    `json:"entitlementId"`
	Path          string    `json:"path"`
	Method        string    `json:"method"`
	Granted       bool      `json:"granted"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Invoice is what a PaymentProvider returns for a priced resource.
type Invoice struct {
	ID             string `json:"id"`
	PaymentRequest string `json:"paymentRequest"`
	Hash           string `json:"hash"`
	AmountSatoshis int64  `json:"amountSatoshis"`
}

// VerificationStatus is the provider's view of an invoice.
type VerificationStatus string

const (
	VerifyPending VerificationStatus = "pending"
	VerifyPaid    VerificationStatus = "paid"
	VerifyExpired VerificationStatus = "expired"
	VerifyFailed  VerificationStatus = "failed"
)

// VerifyResult is the outcome of PaymentProvider.VerifyPayment.
type VerifyResult struct {
	Status            VerificationStatus `json:"status"`
	ProviderInvoiceID string             `json:"providerInvoiceId,omitempty"`
	SettledAt         *time.Time         `json:"settledAt,omitempty"`
	FailureReason     string             `json:"failureReason,omitempty"`
}
