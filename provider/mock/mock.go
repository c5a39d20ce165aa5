// Package mock is an in-memory PaymentProvider for tests and local
// development. Invoices settle when the test calls Settle, so the full
// challenge → pay → confirm flow runs without a Lightning backend.
package mock

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	pressgate "github.com/pressgate/pressgate"
)

type invoice struct {
	inv       pressgate.Invoice
	preimage  string
	settled   bool
	expired   bool
	failed    string
	settledAt time.Time
}

// Provider is a thread-safe fake invoicing backend.
type Provider struct {
	mu       sync.Mutex
	invoices map[string]*invoice
	now      func() time.Time

	// Unavailable makes every call fail, simulating an outage.
	Unavailable bool
}

// New returns an empty provider.
func New() *Provider {
	return &Provider{
		invoices: make(map[string]*invoice),
		now:      time.Now,
	}
}

// Name implements pressgate.PaymentProvider.
func (p *Provider) Name() string { return "mock" }

// CreateInvoice mints a preimage, derives the payment hash from it and
// records a pending invoice.
func (p *Provider) CreateInvoice(_ context.Context, amountSats int64, memo string) (pressgate.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Unavailable {
		return pressgate.Invoice{}, fmt.Errorf("mock provider unavailable")
	}

	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return pressgate.Invoice{}, err
	}
	preimage := hex.EncodeToString(raw[:])
	sum := sha256.Sum256(raw[:])
	hash := hex.EncodeToString(sum[:])

	inv := pressgate.Invoice{
		ID:             uuid.NewString(),
		PaymentRequest: "lnmock1" + hash[:24],
		Hash:           hash,
		AmountSatoshis: amountSats,
	}
	p.invoices[hash] = &invoice{inv: inv, preimage: preimage}
	_ = memo
	return inv, nil
}

// VerifyPayment reports the invoice state. A settled invoice verifies only
// when the presented preimage actually hashes to the payment hash.
func (p *Provider) VerifyPayment(_ context.Context, hash, preimage string) (pressgate.VerifyResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Unavailable {
		return pressgate.VerifyResult{}, fmt.Errorf("mock provider unavailable")
	}

	inv, ok := p.invoices[hash]
	if !ok {
		return pressgate.VerifyResult{Status: pressgate.VerifyFailed, FailureReason: "unknown invoice"}, nil
	}
	if inv.failed != "" {
		return pressgate.VerifyResult{Status: pressgate.VerifyFailed, FailureReason: inv.failed}, nil
	}
	if inv.expired {
		return pressgate.VerifyResult{Status: pressgate.VerifyExpired}, nil
	}
	if !inv.settled {
		return pressgate.VerifyResult{Status: pressgate.VerifyPending, ProviderInvoiceID: inv.inv.ID}, nil
	}
	if preimage != "" && !preimageMatches(hash, preimage) {
		return pressgate.VerifyResult{Status: pressgate.VerifyFailed, FailureReason: "preimage does not match payment hash"}, nil
	}
	at := inv.settledAt
	return pressgate.VerifyResult{
		Status:            pressgate.VerifyPaid,
		ProviderInvoiceID: inv.inv.ID,
		SettledAt:         &at,
	}, nil
}

func preimageMatches(hash, preimage string) bool {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]) == hash
}

// Settle marks the invoice paid and returns its preimage, which a test
// presents as proof of payment.
func (p *Provider) Settle(hash string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[hash]
	if !ok {
		return "", fmt.Errorf("no invoice %s", hash)
	}
	inv.settled = true
	inv.settledAt = p.now().UTC()
	return inv.preimage, nil
}

// Expire marks the invoice expired.
func (p *Provider) Expire(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inv, ok := p.invoices[hash]; ok {
		inv.expired = true
	}
}

// Fail marks the invoice failed with a reason.
func (p *Provider) Fail(hash, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inv, ok := p.invoices[hash]; ok {
		inv.failed = reason
	}
}

// Preimage returns the preimage behind a hash without settling.
func (p *Provider) Preimage(hash string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inv, ok := p.invoices[hash]; ok {
		return inv.preimage
	}
	return ""
}

var _ pressgate.PaymentProvider = (*Provider)(nil)
