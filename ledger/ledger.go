// Package ledger owns the Payment lifecycle: a strict state machine over
// Payment.status driven by provider webhooks or direct verification calls.
// All transitions are conditional writes at the store so concurrent server
// processes cannot double-apply them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/metrics"
)

// Ledger validates and applies payment status transitions.
type Ledger struct {
	payments pressgate.PaymentStore
	metrics  *metrics.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the ledger.
type Option func(*Ledger)

// WithMetrics sets the counter registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New builds a ledger over the payment store.
func New(payments pressgate.PaymentStore, opts ...Option) *Ledger {
	l := &Ledger{
		payments: payments,
		metrics:  metrics.NewRegistry(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Metrics exposes the ledger's counter registry.
func (l *Ledger) Metrics() *metrics.Registry {
	return l.metrics
}

// CreatePayment inserts a fresh pending_payment row for an invoice.
func (l *Ledger) CreatePayment(ctx context.Context, p pressgate.Payment) (pressgate.Payment, error) {
	if p.PaymentHash == "" {
		return pressgate.Payment{}, pressgate.ErrValidation("paymentHash is required")
	}
	p.Status = pressgate.PaymentPending
	p.CreatedAt = l.now().UTC()
	if err := l.payments.InsertPayment(ctx, p); err != nil {
		return pressgate.Payment{}, fmt.Errorf("ledger: insert payment: %w", err)
	}
	return p, nil
}

// GetPayment fetches one payment by hash.
func (l *Ledger) GetPayment(ctx context.Context, paymentHash string) (pressgate.Payment, error) {
	p, err := l.payments.GetPayment(ctx, paymentHash)
	if errors.Is(err, pressgate.ErrNoRows) {
		return pressgate.Payment{}, pressgate.ErrNotFound(pressgate.CodePaymentNotFound, "no payment with hash "+paymentHash)
	}
	return p, err
}

// legalTransition reports whether from → to is a permitted state change.
// Only pending_payment has outgoing edges.
func legalTransition(from, to pressgate.PaymentStatus) bool {
	if from != pressgate.PaymentPending {
		return false
	}
	return to == pressgate.PaymentPaid || to == pressgate.PaymentExpired || to == pressgate.PaymentFailed
}

// TransitionPaymentStatus validates legality, persists provider metadata
// and merges the details patch. A transition to the payment's current
// status is an idempotent no-op: webhook retries must not double-apply
// side effects. Transitions away from a terminal status, and a paid→paid
// replay carrying different settlement facts, are rejected with a typed
// conflict. fromWebhook marks transitions that originate from webhook
// delivery rather than direct confirmation; the first webhook-originated
// settlement bumps the reconciliation-correction counter.
func (l *Ledger) TransitionPaymentStatus(ctx context.Context, paymentHash string, newStatus pressgate.PaymentStatus, patch pressgate.PaymentPatch, fromWebhook bool) (pressgate.Payment, error) {
	if !newStatus.Valid() {
		return pressgate.Payment{}, pressgate.ErrValidation(fmt.Sprintf("unknown payment status %q", newStatus))
	}

	current, err := l.GetPayment(ctx, paymentHash)
	if err != nil {
		return pressgate.Payment{}, err
	}

	if current.Status == newStatus {
		if newStatus == pressgate.PaymentPaid && conflictingSettlementFacts(current, patch) {
			return pressgate.Payment{}, pressgate.ErrConflict(pressgate.CodeLedgerTransition,
				"paid payment replayed with different settlement facts").
				WithContext(map[string]any{"paymentHash": paymentHash})
		}
		return current, nil
	}

	if !legalTransition(current.Status, newStatus) {
		return pressgate.Payment{}, pressgate.ErrConflict(pressgate.CodeLedgerTransition,
			fmt.Sprintf("illegal payment transition %s → %s", current.Status, newStatus)).
			WithContext(map[string]any{"paymentHash": paymentHash, "from": string(current.Status), "to": string(newStatus)})
	}

	matched, err := l.payments.TransitionStatus(ctx, paymentHash, current.Status, newStatus, patch)
	if err != nil {
		return pressgate.Payment{}, fmt.Errorf("ledger: transition %s: %w", paymentHash, err)
	}
	if !matched {
		// Another process moved the row first. Re-read: same target means the
		// work is already done; anything else is a real conflict.
		applied, err := l.GetPayment(ctx, paymentHash)
		if err != nil {
			return pressgate.Payment{}, err
		}
		if applied.Status == newStatus {
			return applied, nil
		}
		return pressgate.Payment{}, pressgate.ErrConflict(pressgate.CodeLedgerTransition,
			fmt.Sprintf("payment moved to %s concurrently", applied.Status))
	}

	if newStatus == pressgate.PaymentPaid {
		l.metrics.Observe(metrics.SettlementLatency, l.now().Sub(current.CreatedAt))
		if fromWebhook {
			l.metrics.Inc(metrics.ReconciliationCorrections)
		}
	}

	l.logger.Info("payment transitioned",
		"paymentHash", paymentHash,
		"from", string(current.Status),
		"to", string(newStatus),
		"webhook", fromWebhook)

	return l.GetPayment(ctx, paymentHash)
}

// conflictingSettlementFacts reports whether a paid→paid replay disagrees
// with the stored settlement metadata.
func conflictingSettlementFacts(current pressgate.Payment, patch pressgate.PaymentPatch) bool {
	if patch.ProviderInvoiceID != "" && current.ProviderInvoiceID != "" && patch.ProviderInvoiceID != current.ProviderInvoiceID {
		return true
	}
	if patch.SettledAt != nil && current.SettledAt != nil && !patch.SettledAt.Equal(*current.SettledAt) {
		return true
	}
	return false
}

// ApplyVerification maps a provider verification result onto the ledger.
// pending leaves the payment untouched and reports a 402-class error the
// caller renders as "settlement pending".
func (l *Ledger) ApplyVerification(ctx context.Context, paymentHash string, result pressgate.VerifyResult, provider string) (pressgate.Payment, error) {
	patch := pressgate.PaymentPatch{
		Provider:          provider,
		ProviderInvoiceID: result.ProviderInvoiceID,
		SettledAt:         result.SettledAt,
		FailureReason:     result.FailureReason,
	}
	switch result.Status {
	case pressgate.VerifyPending:
		return pressgate.Payment{}, pressgate.ErrPaymentRequired(pressgate.CodeSettlementPending,
			"payment not yet settled").
			WithRemediation("retry confirmation once the invoice settles")
	case pressgate.VerifyPaid:
		return l.TransitionPaymentStatus(ctx, paymentHash, pressgate.PaymentPaid, patch, false)
	case pressgate.VerifyExpired:
		if _, err := l.TransitionPaymentStatus(ctx, paymentHash, pressgate.PaymentExpired, patch, false); err != nil {
			return pressgate.Payment{}, err
		}
		return pressgate.Payment{}, pressgate.ErrPaymentRequired(pressgate.CodePaymentExpired,
			"invoice expired before settlement").
			WithRemediation("start a new purchase")
	case pressgate.VerifyFailed:
		if _, err := l.TransitionPaymentStatus(ctx, paymentHash, pressgate.PaymentFailed, patch, false); err != nil {
			return pressgate.Payment{}, err
		}
		return pressgate.Payment{}, pressgate.ErrPaymentRequired(pressgate.CodePaymentFailed,
			"payment failed: "+result.FailureReason).
			WithRemediation("start a new purchase")
	default:
		return pressgate.Payment{}, pressgate.NewError("INTERNAL",
			fmt.Sprintf("unknown verification status %q", result.Status), http.StatusInternalServerError)
	}
}
