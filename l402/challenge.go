package l402

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/ledger"
	"github.com/pressgate/pressgate/licensing"
)

// DefaultInvoiceTTL bounds how long an issued invoice stays payable.
const DefaultInvoiceTTL = 15 * time.Minute

// Challenge is everything a 402 response carries: the invoice, the
// structured WWW-Authenticate-style header set, and a JSON payload with
// remediation instructions for an automated caller.
type Challenge struct {
	Invoice       pressgate.Invoice `json:"invoice"`
	Credential    string            `json:"credential"`
	PaymentHash   string            `json:"paymentHash"`
	EntitlementID string            `json:"entitlementId"`
	Headers       map[string]string `json:"-"`
	Payload       map[string]any    `json:"-"`
}

// Issuer builds 402 challenges for priced resources and confirms client
// resubmissions against the provider, ledger and licensing service.
type Issuer struct {
	provider  pressgate.PaymentProvider
	ledger    *ledger.Ledger
	licensing *licensing.Service
	minter    *Minter
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// IssuerOption configures the issuer.
type IssuerOption func(*Issuer)

// WithInvoiceTTL overrides the invoice expiry window.
func WithInvoiceTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) { i.ttl = ttl }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) IssuerOption {
	return func(i *Issuer) { i.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer builds a challenge issuer.
func NewIssuer(provider pressgate.PaymentProvider, l *ledger.Ledger, lic *licensing.Service, secret []byte, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		provider:  provider,
		ledger:    l,
		licensing: lic,
		minter:    NewMinter(secret),
		ttl:       DefaultInvoiceTTL,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// CreateChallenge prices one purchase: it obtains an invoice from the
// provider, opens the ledger row, provisions the pending entitlement and
// mints the credential the client must present after paying. A provider
// failure surfaces as a 503-class error before any row is written.
func (i *Issuer) CreateChallenge(ctx context.Context, offer pressgate.Offer, agentProfileID, resourcePath string) (Challenge, error) {
	memo := fmt.Sprintf("%s (%s)", offer.Name, offer.Slug)
	invoice, err := i.provider.CreateInvoice(ctx, offer.PriceSats, memo)
	if err != nil {
		return Challenge{}, pressgate.ErrUpstream("payment provider did not issue an invoice: " + err.Error()).
			WithRemediation("retry the purchase shortly")
	}

	now := i.now().UTC()
	expiresAt := now.Add(i.ttl)
	_, err = i.ledger.CreatePayment(ctx, pressgate.Payment{
		PaymentHash:       invoice.Hash,
		AmountSatoshis:    invoice.AmountSatoshis,
		Provider:          i.provider.Name(),
		ProviderInvoiceID: invoice.ID,
		ResourcePath:      resourcePath,
		ActorID:           agentProfileID,
		ExpiresAt:         &expiresAt,
		Details:           map[string]any{"offerId": offer.ID, "offerSlug": offer.Slug},
	})
	if err != nil {
		return Challenge{}, err
	}

	ent, err := i.licensing.ProvisionEntitlementForSale(ctx, offer.DomainID, offer.ID, agentProfileID, invoice.Hash)
	if err != nil {
		return Challenge{}, err
	}

	credential, err := i.minter.Mint(Credential{
		PaymentHash: invoice.Hash,
		OfferID:     offer.ID,
		DomainID:    offer.DomainID,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return Challenge{}, err
	}

	ch := Challenge{
		Invoice:       invoice,
		Credential:    credential,
		PaymentHash:   invoice.Hash,
		EntitlementID: ent.ID,
		Headers: map[string]string{
			"WWW-Authenticate": fmt.Sprintf(`L402 macaroon="%s", invoice="%s"`, credential, invoice.PaymentRequest),
		},
		Payload: map[string]any{
			"code":          pressgate.CodeSettlementPending,
			"invoice":       invoice,
			"credential":    credential,
			"paymentHash":   invoice.Hash,
			"entitlementId": ent.ID,
			"remediation": "pay the invoice, then resubmit with " +
				"`Authorization: L402 <credential>:<preimage>`",
		},
	}
	i.logger.Info("challenge issued",
		"offerId", offer.ID,
		"paymentHash", invoice.Hash,
		"amountSats", invoice.AmountSatoshis)
	return ch, nil
}

// Confirm settles a client resubmission. The credential is verified and
// bound to its payment hash; the provider is asked whether the invoice
// settled. pending keeps everything untouched (402, retry later); expired
// and failed move the ledger and tell the caller to start a new purchase;
// paid moves the ledger and activates the entitlement.
func (i *Issuer) Confirm(ctx context.Context, credentialToken, preimage, paymentHashHint string) (pressgate.Entitlement, error) {
	cred, err := i.minter.Verify(credentialToken)
	if err != nil {
		return pressgate.Entitlement{}, err
	}
	if paymentHashHint != "" && paymentHashHint != cred.PaymentHash {
		return pressgate.Entitlement{}, pressgate.ErrConflict(pressgate.CodeInvalidCredentials,
			"x-payment-hash does not match the presented credential")
	}

	result, err := i.provider.VerifyPayment(ctx, cred.PaymentHash, preimage)
	if err != nil {
		return pressgate.Entitlement{}, pressgate.ErrUpstream("payment provider verification failed: " + err.Error())
	}

	if _, err := i.ledger.ApplyVerification(ctx, cred.PaymentHash, result, i.provider.Name()); err != nil {
		return pressgate.Entitlement{}, err
	}

	ent, err := i.licensing.ActivateEntitlementForPayment(ctx, cred.DomainID, cred.PaymentHash)
	if err != nil {
		return pressgate.Entitlement{}, err
	}
	i.logger.Info("purchase confirmed", "paymentHash", cred.PaymentHash, "entitlementId", ent.ID)
	return ent, nil
}
