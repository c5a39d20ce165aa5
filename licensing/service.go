// Package licensing owns the Offer and Entitlement lifecycle: provisioning,
// activation on settlement, metered consumption and delegation. The
// correctness primitive is the guarded decrement: multiple server processes
// race on the same entitlement, so every counter mutation is a single
// conditional write at the store, never read-then-write.
package licensing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/metrics"
)

// Service implements the entitlement licensing engine.
type Service struct {
	offers       pressgate.OfferStore
	entitlements pressgate.EntitlementStore
	profiles     pressgate.AgentProfileStore
	access       pressgate.AccessEventStore
	metrics      *metrics.Registry
	logger       *slog.Logger
	now          func() time.Time
	policyVer    func() string
}

// Option configures the service.
type Option func(*Service)

// WithMetrics sets the counter registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPolicyVersion stamps provisioned entitlements with the rule snapshot
// version in force at sale time.
func WithPolicyVersion(fn func() string) Option {
	return func(s *Service) { s.policyVer = fn }
}

// New builds a licensing service over the given stores.
func New(offers pressgate.OfferStore, entitlements pressgate.EntitlementStore, profiles pressgate.AgentProfileStore, access pressgate.AccessEventStore, opts ...Option) *Service {
	s := &Service{
		offers:       offers,
		entitlements: entitlements,
		profiles:     profiles,
		access:       access,
		metrics:      metrics.NewRegistry(),
		logger:       slog.Default(),
		now:          time.Now,
		policyVer:    func() string { return "" },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metrics exposes the service's counter registry.
func (s *Service) Metrics() *metrics.Registry {
	return s.metrics
}

// GetOffer fetches one active offer.
func (s *Service) GetOffer(ctx context.Context, domainID, offerID string) (pressgate.Offer, error) {
	offer, err := s.offers.GetOffer(ctx, domainID, offerID)
	if errors.Is(err, pressgate.ErrNoRows) {
		return pressgate.Offer{}, pressgate.ErrNotFound(pressgate.CodeOfferNotFound, "no offer "+offerID)
	}
	if err != nil {
		return pressgate.Offer{}, err
	}
	if !offer.Active {
		return pressgate.Offer{}, pressgate.ErrNotFound(pressgate.CodeOfferNotFound, "offer "+offerID+" is retired")
	}
	return offer, nil
}

// ListOffers returns every offer in the domain, active or retired.
func (s *Service) ListOffers(ctx context.Context, domainID string) ([]pressgate.Offer, error) {
	offers, err := s.offers.ListOffers(ctx, domainID)
	if err != nil {
		return nil, fmt.Errorf("licensing: list offers: %w", err)
	}
	return offers, nil
}

// GetActiveOffersForItemRead returns the offers applicable to a resource,
// ranked narrowest scope first (item < type < subscription) so callers can
// present the most specific purchase option before broader ones. Ties
// break on price, then id, to keep the ranking stable.
func (s *Service) GetActiveOffersForItemRead(ctx context.Context, domainID string, resource pressgate.ResourceRef) ([]pressgate.Offer, error) {
	offers, err := s.offers.ListOffersForResource(ctx, domainID, resource)
	if err != nil {
		return nil, fmt.Errorf("licensing: list offers: %w", err)
	}
	sort.SliceStable(offers, func(a, b int) bool {
		ra, rb := offers[a].ScopeType.SpecificityRank(), offers[b].ScopeType.SpecificityRank()
		if ra != rb {
			return ra < rb
		}
		if offers[a].PriceSats != offers[b].PriceSats {
			return offers[a].PriceSats < offers[b].PriceSats
		}
		return offers[a].ID < offers[b].ID
	})
	return offers, nil
}

// GetOrCreateProfile resolves the durable identity behind an API
// credential, creating it lazily on first purchase or delegation.
func (s *Service) GetOrCreateProfile(ctx context.Context, domainID, agentID string) (pressgate.AgentProfile, error) {
	return s.profiles.GetOrCreateProfile(ctx, domainID, agentID)
}

// ProvisionEntitlementForSale inserts a pending_payment entitlement tied
// 1:1 to the payment hash.
func (s *Service) ProvisionEntitlementForSale(ctx context.Context, domainID, offerID, agentProfileID, paymentHash string) (pressgate.Entitlement, error) {
	offer, err := s.GetOffer(ctx, domainID, offerID)
	if err != nil {
		return pressgate.Entitlement{}, err
	}

	ent := pressgate.Entitlement{
		ID:             uuid.NewString(),
		DomainID:       domainID,
		OfferID:        offer.ID,
		PolicyID:       offer.PolicyID,
		PolicyVersion:  s.policyVer(),
		AgentProfileID: agentProfileID,
		PaymentHash:    paymentHash,
		Status:         pressgate.EntitlementPending,
		CreatedAt:      s.now().UTC(),
	}
	if offer.Reads != nil {
		reads := *offer.Reads
		ent.RemainingReads = &reads
	}
	if err := s.entitlements.InsertEntitlement(ctx, ent); err != nil {
		return pressgate.Entitlement{}, fmt.Errorf("licensing: provision entitlement: %w", err)
	}
	s.logger.Info("entitlement provisioned", "entitlementId", ent.ID, "offerId", offerID, "paymentHash", paymentHash)
	return ent, nil
}

// ActivateEntitlementForPayment flips the entitlement behind a settled
// payment from pending_payment to active, stamping activatedAt and, when
// the offer defines a duration, expiresAt. Already-active entitlements are
// returned unchanged: settlement retries are no-ops.
func (s *Service) ActivateEntitlementForPayment(ctx context.Context, domainID, paymentHash string) (pressgate.Entitlement, error) {
	ent, err := s.entitlements.GetEntitlementByPaymentHash(ctx, domainID, paymentHash)
	if errors.Is(err, pressgate.ErrNoRows) {
		return pressgate.Entitlement{}, pressgate.ErrNotFound(pressgate.CodeEntitlementNotFound,
			"no entitlement for payment "+paymentHash)
	}
	if err != nil {
		return pressgate.Entitlement{}, err
	}

	switch ent.Status {
	case pressgate.EntitlementActive:
		return ent, nil
	case pressgate.EntitlementTerminated, pressgate.EntitlementExpired:
		return pressgate.Entitlement{}, pressgate.ErrConflict(pressgate.CodeLedgerTransition,
			fmt.Sprintf("entitlement %s is %s and cannot activate", ent.ID, ent.Status))
	}

	activatedAt := s.now().UTC()
	var expiresAt *time.Time
	offer, err := s.offers.GetOffer(ctx, domainID, ent.OfferID)
	if err == nil && offer.DurationSeconds > 0 {
		at := activatedAt.Add(time.Duration(offer.DurationSeconds) * time.Second)
		expiresAt = &at
	}

	matched, err := s.entitlements.Activate(ctx, domainID, ent.ID, activatedAt, expiresAt)
	if err != nil {
		return pressgate.Entitlement{}, fmt.Errorf("licensing: activate entitlement: %w", err)
	}
	if !matched {
		// Lost a race with another activation; the row is already active.
		return s.entitlements.GetEntitlement(ctx, domainID, ent.ID)
	}
	s.logger.Info("entitlement activated", "entitlementId", ent.ID, "paymentHash", paymentHash)
	return s.entitlements.GetEntitlement(ctx, domainID, ent.ID)
}

// DecrementResult is the outcome of one metered read attempt.
type DecrementResult struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

// AtomicallyDecrementRead consumes one read from the entitlement.
//
// Decision order: expiry is checked first and never touches the counter; a
// nil counter means unlimited; otherwise the store performs the guarded
// decrement (remaining_reads > 0). A miss is classified by what the
// counter looked like before our attempt: already zero means legitimate
// exhaustion, positive means a concurrent request drained it under us.
// Both are denials; the second code exists purely for observability.
func (s *Service) AtomicallyDecrementRead(ctx context.Context, domainID, entitlementID string) (DecrementResult, error) {
	ent, err := s.entitlements.GetEntitlement(ctx, domainID, entitlementID)
	if errors.Is(err, pressgate.ErrNoRows) {
		return DecrementResult{}, pressgate.ErrNotFound(pressgate.CodeEntitlementNotFound,
			"no entitlement "+entitlementID)
	}
	if err != nil {
		return DecrementResult{}, err
	}

	now := s.now().UTC()

	if ent.ExpiresAt != nil && now.After(*ent.ExpiresAt) {
		if err := s.entitlements.MarkExpired(ctx, domainID, entitlementID); err != nil {
			s.logger.Warn("lazy expiry write failed", "entitlementId", entitlementID, "error", err)
		}
		return s.denied(pressgate.CodeEntitlementExpired), nil
	}

	switch ent.Status {
	case pressgate.EntitlementActive:
	case pressgate.EntitlementExpired:
		return s.denied(pressgate.CodeEntitlementExpired), nil
	case pressgate.EntitlementTerminated:
		return s.denied("entitlement_terminated"), nil
	default:
		return s.denied("entitlement_not_active"), nil
	}

	if ent.RemainingReads == nil {
		return DecrementResult{Granted: true}, nil
	}

	observed := *ent.RemainingReads
	matched, err := s.entitlements.DecrementReads(ctx, domainID, entitlementID)
	if err != nil {
		return DecrementResult{}, fmt.Errorf("licensing: decrement reads: %w", err)
	}
	if matched {
		return DecrementResult{Granted: true}, nil
	}
	if observed <= 0 {
		return s.denied(pressgate.CodeReadsExhausted), nil
	}
	return s.denied(pressgate.CodeRaceExhaustion), nil
}

func (s *Service) denied(reason string) DecrementResult {
	s.metrics.Inc(metrics.DecrementDenied + "_" + reason)
	return DecrementResult{Granted: false, Reason: reason}
}

// RecordAccessEvent appends an immutable access record. It is part of the
// success path of a denied read, so storage failures are logged and
// swallowed rather than surfaced.
func (s *Service) RecordAccessEvent(ctx context.Context, domainID, entitlementID, path, method string, granted bool, reason string) {
	ev := pressgate.AccessEvent{
		ID:            uuid.NewString(),
		DomainID:      domainID,
		EntitlementID: entitlementID,
		Path:          path,
		Method:        method,
		Granted:       granted,
		Reason:        reason,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.access.AppendAccessEvent(ctx, ev); err != nil {
		s.logger.Error("access event append failed", "entitlementId", entitlementID, "error", err)
	}
}

// ResolveEntitlementForRead picks the entitlement a read should consume.
// With no selector and more than one eligible candidate the caller gets an
// ambiguity conflict listing candidate ids and must resubmit with an
// explicit selector; this is a client-input condition, not a server error.
func (s *Service) ResolveEntitlementForRead(ctx context.Context, domainID, agentProfileID string, resource pressgate.ResourceRef, selector string) (pressgate.Entitlement, error) {
	candidates, err := s.entitlements.ListEligibleEntitlements(ctx, domainID, agentProfileID, resource)
	if err != nil {
		return pressgate.Entitlement{}, fmt.Errorf("licensing: list eligible entitlements: %w", err)
	}

	if selector != "" {
		for _, c := range candidates {
			if c.ID == selector {
				return c, nil
			}
		}
		return pressgate.Entitlement{}, pressgate.ErrNotFound(pressgate.CodeEntitlementNotFound,
			"selector does not match an eligible entitlement")
	}

	switch len(candidates) {
	case 0:
		return pressgate.Entitlement{}, pressgate.ErrNotFound(pressgate.CodeEntitlementNotFound,
			"no eligible entitlement for this resource")
	case 1:
		return candidates[0], nil
	default:
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		return pressgate.Entitlement{}, pressgate.ErrConflict(pressgate.CodeEntitlementAmbiguous,
			"multiple eligible entitlements; resubmit with x-entitlement-id").
			WithRemediation("pick one candidate and pass it in the x-entitlement-id header").
			WithContext(map[string]any{"candidates": ids})
	}
}

// ConsumeRead resolves, decrements and records one gated read.
func (s *Service) ConsumeRead(ctx context.Context, domainID, agentProfileID string, resource pressgate.ResourceRef, selector, path, method string) (pressgate.Entitlement, DecrementResult, error) {
	ent, err := s.ResolveEntitlementForRead(ctx, domainID, agentProfileID, resource, selector)
	if err != nil {
		return pressgate.Entitlement{}, DecrementResult{}, err
	}
	result, err := s.AtomicallyDecrementRead(ctx, domainID, ent.ID)
	if err != nil {
		return pressgate.Entitlement{}, DecrementResult{}, err
	}
	s.RecordAccessEvent(ctx, domainID, ent.ID, path, method, result.Granted, result.Reason)
	if !result.Granted {
		return ent, result, nil
	}
	updated, err := s.entitlements.GetEntitlement(ctx, domainID, ent.ID)
	if err != nil {
		return ent, result, nil
	}
	return updated, result, nil
}

// DelegateEntitlement carves readsAmount reads out of an active source
// entitlement into a new entitlement owned by the target profile. The move
// is one store transaction: when the source has fewer reads than requested
// nothing changes and the caller gets a conflict.
func (s *Service) DelegateEntitlement(ctx context.Context, domainID, sourceEntitlementID, targetProfileID string, readsAmount int64) (pressgate.Entitlement, error) {
	if readsAmount <= 0 {
		return pressgate.Entitlement{}, pressgate.ErrValidation("readsAmount must be positive")
	}

	source, err := s.entitlements.GetEntitlement(ctx, domainID, sourceEntitlementID)
	if errors.Is(err, pressgate.ErrNoRows) {
		return pressgate.Entitlement{}, pressgate.ErrNotFound(pressgate.CodeEntitlementNotFound,
			"no entitlement "+sourceEntitlementID)
	}
	if err != nil {
		return pressgate.Entitlement{}, err
	}
	if source.Status != pressgate.EntitlementActive {
		return pressgate.Entitlement{}, pressgate.ErrConflict(pressgate.CodeDelegationInactive,
			fmt.Sprintf("source entitlement is %s, not active", source.Status))
	}

	now := s.now().UTC()
	reads := readsAmount
	target := pressgate.Entitlement{
		ID:             uuid.NewString(),
		DomainID:       domainID,
		OfferID:        source.OfferID,
		PolicyID:       source.PolicyID,
		PolicyVersion:  source.PolicyVersion,
		AgentProfileID: targetProfileID,
		Status:         pressgate.EntitlementActive,
		RemainingReads: &reads,
		ExpiresAt:      source.ExpiresAt,
		ActivatedAt:    &now,
		DelegatedFrom:  source.ID,
		CreatedAt:      now,
	}

	// An unlimited source is not metered, so delegation only inserts the
	// target allotment.
	decrementSource := source.RemainingReads != nil

	matched, err := s.entitlements.DelegateReads(ctx, domainID, sourceEntitlementID, readsAmount, decrementSource, target)
	if err != nil {
		return pressgate.Entitlement{}, fmt.Errorf("licensing: delegate reads: %w", err)
	}
	if !matched {
		return pressgate.Entitlement{}, pressgate.ErrConflict(pressgate.CodeDelegationInsufficient,
			fmt.Sprintf("source has fewer than %d reads remaining", readsAmount)).
			WithContext(map[string]any{"sourceEntitlementId": sourceEntitlementID})
	}
	s.logger.Info("entitlement delegated",
		"sourceEntitlementId", sourceEntitlementID,
		"targetEntitlementId", target.ID,
		"reads", readsAmount)
	return target, nil
}

// TerminateEntitlement marks the entitlement terminated. Termination is
// the only explicit cancellation surface; terminal states never move again.
func (s *Service) TerminateEntitlement(ctx context.Context, domainID, entitlementID string) (pressgate.Entitlement, error) {
	matched, err := s.entitlements.Terminate(ctx, domainID, entitlementID, s.now().UTC())
	if err != nil {
		return pressgate.Entitlement{}, fmt.Errorf("licensing: terminate entitlement: %w", err)
	}
	if !matched {
		ent, err := s.entitlements.GetEntitlement(ctx, domainID, entitlementID)
		if errors.Is(err, pressgate.ErrNoRows) {
			return pressgate.Entitlement{}, pressgate.ErrNotFound(pressgate.CodeEntitlementNotFound,
				"no entitlement "+entitlementID)
		}
		if err != nil {
			return pressgate.Entitlement{}, err
		}
		if ent.Status == pressgate.EntitlementTerminated {
			return ent, nil
		}
		return pressgate.Entitlement{}, pressgate.ErrConflict(pressgate.CodeLedgerTransition,
			fmt.Sprintf("entitlement %s is %s and cannot terminate", entitlementID, ent.Status))
	}
	return s.entitlements.GetEntitlement(ctx, domainID, entitlementID)
}

// GetEntitlement fetches one entitlement.
func (s *Service) GetEntitlement(ctx context.Context, domainID, id string) (pressgate.Entitlement, error) {
	ent, err := s.entitlements.GetEntitlement(ctx, domainID, id)
	if errors.Is(err, pressgate.ErrNoRows) {
		return pressgate.Entitlement{}, pressgate.ErrNotFound(pressgate.CodeEntitlementNotFound, "no entitlement "+id)
	}
	return ent, err
}

// HasConsumingEntitlement implements the policy engine's monetization
// probe: does this agent hold an entitlement the read path should route to
// consumption? Drained or lapsed rows still count — their denial must come
// out of the decrement with its precise reason, not as a generic payment
// challenge. The lookup is read-only: probing never creates a profile.
func (s *Service) HasConsumingEntitlement(ctx context.Context, domainID, agentID string, resource pressgate.ResourceRef) (bool, error) {
	profile, err := s.profiles.GetProfileByAgent(ctx, domainID, agentID)
	if errors.Is(err, pressgate.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	candidates, err := s.entitlements.ListEligibleEntitlements(ctx, domainID, profile.ID, resource)
	if err != nil {
		return false, err
	}
	return len(candidates) > 0, nil
}
