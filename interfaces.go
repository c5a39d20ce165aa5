package pressgate

import (
	"context"
	"time"
)

// PaymentProvider is the external invoicing boundary. Implementations wrap
// a Lightning-style backend; the mock implementation backs tests and dev.
type PaymentProvider interface {
	// Name identifies the provider in ledger records and webhook routes.
	Name() string

	// CreateInvoice asks the backend for a new invoice of amountSats.
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error)

	// VerifyPayment checks whether the invoice behind hash has settled.
	// The preimage may be empty when the provider can answer from state alone.
	VerifyPayment(ctx context.Context, hash, preimage string) (VerifyResult, error)
}

// RawRequest is the protocol-neutral bag a ContextAdapter resolves from.
// REST fills Method/Path, GraphQL fills OperationName/Field, MCP fills
// ToolName. Adapters never interpret policy; they only normalize shape.
type RawRequest struct {
	Method        string
	Path          string
	OperationName string
	Field         string
	ToolName      string
	ResourceType  string
	ResourceID    string
	ContentTypeID string
}

// ContextAdapter normalizes one protocol surface's native request shape
// into the canonical OperationContext.
type ContextAdapter interface {
	Protocol() string
	Resolve(principal Principal, raw RawRequest, at time.Time) (OperationContext, error)
}

// OfferStore persists offers. Creation and retirement happen outside this
// subsystem; the licensing service only reads.
type OfferStore interface {
	GetOffer(ctx context.Context, domainID, offerID string) (Offer, error)
	ListOffersForResource(ctx context.Context, domainID string, resource ResourceRef) ([]Offer, error)
	ListOffers(ctx context.Context, domainID string) ([]Offer, error)
	PutOffer(ctx context.Context, offer Offer) error
}

// PaymentStore persists payments. TransitionStatus is a conditional write:
// it applies the update only when the row is still in fromStatus, and
// reports whether a row matched.
type PaymentStore interface {
	InsertPayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, paymentHash string) (Payment, error)
	TransitionStatus(ctx context.Context, paymentHash string, from, to PaymentStatus, patch PaymentPatch) (bool, error)
}

// PaymentPatch carries the provider metadata merged into a payment on a
// status transition.
type PaymentPatch struct {
	Provider          string
	ProviderInvoiceID string
	ExpiresAt         *time.Time
	SettledAt         *time.Time
	FailureReason     string
	LastEventID       string
	Details           map[string]any
}

// ProviderEventStore is the write-once dedup log of webhook deliveries.
// InsertEvent returns ErrDuplicateEvent when (provider, eventId) exists.
type ProviderEventStore interface {
	InsertEvent(ctx context.Context, e ProviderEvent) error
}

// EntitlementStore persists entitlements. The conditional operations are
// the concurrency primitives the licensing service is built on: they must
// be single guarded writes, never read-then-write.
type EntitlementStore interface {
	InsertEntitlement(ctx context.Context, e Entitlement) error
	GetEntitlement(ctx context.Context, domainID, id string) (Entitlement, error)
	GetEntitlementByPaymentHash(ctx context.Context, domainID, paymentHash string) (Entitlement, error)
	ListEligibleEntitlements(ctx context.Context, domainID, agentProfileID string, resource ResourceRef) ([]Entitlement, error)

	// Activate flips pending_payment to active; reports whether a row matched.
	Activate(ctx context.Context, domainID, id string, activatedAt time.Time, expiresAt *time.Time) (bool, error)

	// DecrementReads performs the guarded decrement
	// (status = active AND remaining_reads > 0); reports whether a row matched.
	DecrementReads(ctx context.Context, domainID, id string) (bool, error)

	// DelegateReads atomically moves amount reads from the source row into a
	// newly inserted target row, in one transaction. When decrementSource is
	// false (unlimited source) only the insert happens. Reports false, and
	// inserts nothing, when the source has fewer than amount reads left.
	DelegateReads(ctx context.Context, domainID, sourceID string, amount int64, decrementSource bool, target Entitlement) (bool, error)

	// Terminate marks the entitlement terminated unless already terminal.
	Terminate(ctx context.Context, domainID, id string, at time.Time) (bool, error)

	// MarkExpired lazily flips active to expired once expiry is observed.
	MarkExpired(ctx context.Context, domainID, id string) error
}

// AgentProfileStore persists durable agent identities.
type AgentProfileStore interface {
	GetOrCreateProfile(ctx context.Context, domainID, agentID string) (AgentProfile, error)
	GetProfile(ctx context.Context, domainID, profileID string) (AgentProfile, error)

	// GetProfileByAgent is the read-only lookup; ErrNoRows when the agent
	// has never purchased or received a delegation.
	GetProfileByAgent(ctx context.Context, domainID, agentID string) (AgentProfile, error)
}

// AccessEventStore appends immutable consumption records.
type AccessEventStore interface {
	AppendAccessEvent(ctx context.Context, e AccessEvent) error
}

// DecisionLog appends immutable policy decisions keyed by request id.
type DecisionLog interface {
	AppendDecision(ctx context.Context, rec DecisionRecord) error
}

// ContentReader is the external content-CRUD collaborator. Out of scope
// here beyond this boundary: the gated read path fetches the body through
// it after the entitlement check clears.
type ContentReader interface {
	ReadItem(ctx context.Context, domainID, itemID string) (map[string]any, error)
}
