package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/metrics"
	"github.com/pressgate/pressgate/store/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newLedger(t *testing.T) (*Ledger, *sqlite.Store, *metrics.Registry) {
	t.Helper()
	store := openStore(t)
	registry := metrics.NewRegistry()
	return New(store, WithMetrics(registry)), store, registry
}

func createPayment(t *testing.T, l *Ledger, hash string) pressgate.Payment {
	t.Helper()
	p, err := l.CreatePayment(context.Background(), pressgate.Payment{
		PaymentHash:    hash,
		AmountSatoshis: 500,
		Provider:       "mock",
		ResourcePath:   "/content-items/item-1",
	})
	require.NoError(t, err)
	require.Equal(t, pressgate.PaymentPending, p.Status)
	return p
}

func TestTransitionLegality(t *testing.T) {
	settled := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("pending to paid", func(t *testing.T) {
		l, _, _ := newLedger(t)
		createPayment(t, l, "hash-1")

		p, err := l.TransitionPaymentStatus(context.Background(), "hash-1", pressgate.PaymentPaid,
			pressgate.PaymentPatch{SettledAt: &settled, ProviderInvoiceID: "inv-1"}, false)
		require.NoError(t, err)
		assert.Equal(t, pressgate.PaymentPaid, p.Status)
		require.NotNil(t, p.SettledAt)
		assert.True(t, settled.Equal(*p.SettledAt))
	})

	t.Run("pending to expired and failed", func(t *testing.T) {
		l, _, _ := newLedger(t)
		createPayment(t, l, "hash-e")
		createPayment(t, l, "hash-f")

		p, err := l.TransitionPaymentStatus(context.Background(), "hash-e", pressgate.PaymentExpired, pressgate.PaymentPatch{}, false)
		require.NoError(t, err)
		assert.Equal(t, pressgate.PaymentExpired, p.Status)

		p, err = l.TransitionPaymentStatus(context.Background(), "hash-f", pressgate.PaymentFailed,
			pressgate.PaymentPatch{FailureReason: "route not found"}, false)
		require.NoError(t, err)
		assert.Equal(t, pressgate.PaymentFailed, p.Status)
		assert.Equal(t, "route not found", p.FailureReason)
	})

	t.Run("terminal states have no outgoing edges", func(t *testing.T) {
		l, _, _ := newLedger(t)
		createPayment(t, l, "hash-2")
		_, err := l.TransitionPaymentStatus(context.Background(), "hash-2", pressgate.PaymentExpired, pressgate.PaymentPatch{}, false)
		require.NoError(t, err)

		_, err = l.TransitionPaymentStatus(context.Background(), "hash-2", pressgate.PaymentPaid, pressgate.PaymentPatch{}, false)
		require.Error(t, err)
		pe := pressgate.AsError(err)
		assert.Equal(t, pressgate.CodeLedgerTransition, pe.Code)
		assert.Equal(t, 409, pe.HTTPStatus)
	})

	t.Run("unknown payment is a 404", func(t *testing.T) {
		l, _, _ := newLedger(t)
		_, err := l.TransitionPaymentStatus(context.Background(), "missing", pressgate.PaymentPaid, pressgate.PaymentPatch{}, false)
		require.Error(t, err)
		assert.Equal(t, pressgate.CodePaymentNotFound, pressgate.AsError(err).Code)
	})

	t.Run("unknown status is a validation error", func(t *testing.T) {
		l, _, _ := newLedger(t)
		createPayment(t, l, "hash-3")
		_, err := l.TransitionPaymentStatus(context.Background(), "hash-3", "mystery", pressgate.PaymentPatch{}, false)
		require.Error(t, err)
		assert.Equal(t, pressgate.CodeValidation, pressgate.AsError(err).Code)
	})
}

func TestPaidReplayIsIdempotent(t *testing.T) {
	l, _, registry := newLedger(t)
	createPayment(t, l, "hash-1")

	settled := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	patch := pressgate.PaymentPatch{SettledAt: &settled, ProviderInvoiceID: "inv-1"}

	_, err := l.TransitionPaymentStatus(context.Background(), "hash-1", pressgate.PaymentPaid, patch, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), registry.Count(metrics.ReconciliationCorrections))

	// Same facts again: no-op, no double metrics.
	p, err := l.TransitionPaymentStatus(context.Background(), "hash-1", pressgate.PaymentPaid, patch, true)
	require.NoError(t, err)
	assert.Equal(t, pressgate.PaymentPaid, p.Status)
	assert.Equal(t, int64(1), registry.Count(metrics.ReconciliationCorrections))

	// Different settlement facts: conflict.
	otherTime := settled.Add(time.Hour)
	_, err = l.TransitionPaymentStatus(context.Background(), "hash-1", pressgate.PaymentPaid,
		pressgate.PaymentPatch{SettledAt: &otherTime}, true)
	require.Error(t, err)
	assert.Equal(t, pressgate.CodeLedgerTransition, pressgate.AsError(err).Code)

	_, err = l.TransitionPaymentStatus(context.Background(), "hash-1", pressgate.PaymentPaid,
		pressgate.PaymentPatch{ProviderInvoiceID: "inv-other"}, true)
	require.Error(t, err)
}

func TestApplyVerification(t *testing.T) {
	settled := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("pending leaves the ledger untouched", func(t *testing.T) {
		l, _, _ := newLedger(t)
		createPayment(t, l, "hash-1")

		_, err := l.ApplyVerification(context.Background(), "hash-1",
			pressgate.VerifyResult{Status: pressgate.VerifyPending}, "mock")
		require.Error(t, err)
		pe := pressgate.AsError(err)
		assert.Equal(t, pressgate.CodeSettlementPending, pe.Code)
		assert.Equal(t, 402, pe.HTTPStatus)

		p, err := l.GetPayment(context.Background(), "hash-1")
		require.NoError(t, err)
		assert.Equal(t, pressgate.PaymentPending, p.Status)
	})

	t.Run("paid settles", func(t *testing.T) {
		l, _, _ := newLedger(t)
		createPayment(t, l, "hash-1")

		p, err := l.ApplyVerification(context.Background(), "hash-1",
			pressgate.VerifyResult{Status: pressgate.VerifyPaid, SettledAt: &settled, ProviderInvoiceID: "inv-1"}, "mock")
		require.NoError(t, err)
		assert.Equal(t, pressgate.PaymentPaid, p.Status)
		assert.Equal(t, "inv-1", p.ProviderInvoiceID)
	})

	t.Run("expired moves the ledger and reports 402", func(t *testing.T) {
		l, _, _ := newLedger(t)
		createPayment(t, l, "hash-1")

		_, err := l.ApplyVerification(context.Background(), "hash-1",
			pressgate.VerifyResult{Status: pressgate.VerifyExpired}, "mock")
		require.Error(t, err)
		assert.Equal(t, pressgate.CodePaymentExpired, pressgate.AsError(err).Code)

		p, err := l.GetPayment(context.Background(), "hash-1")
		require.NoError(t, err)
		assert.Equal(t, pressgate.PaymentExpired, p.Status)
	})

	t.Run("failed moves the ledger and reports 402", func(t *testing.T) {
		l, _, _ := newLedger(t)
		createPayment(t, l, "hash-1")

		_, err := l.ApplyVerification(context.Background(), "hash-1",
			pressgate.VerifyResult{Status: pressgate.VerifyFailed, FailureReason: "no route"}, "mock")
		require.Error(t, err)
		assert.Equal(t, pressgate.CodePaymentFailed, pressgate.AsError(err).Code)

		p, err := l.GetPayment(context.Background(), "hash-1")
		require.NoError(t, err)
		assert.Equal(t, pressgate.PaymentFailed, p.Status)
		assert.Equal(t, "no route", p.FailureReason)
	})
}

func TestSettlementLatencyObserved(t *testing.T) {
	l, _, registry := newLedger(t)
	createPayment(t, l, "hash-1")

	_, err := l.TransitionPaymentStatus(context.Background(), "hash-1", pressgate.PaymentPaid, pressgate.PaymentPatch{}, false)
	require.NoError(t, err)

	snapshot := registry.Snapshot()
	latency, ok := snapshot[metrics.SettlementLatency].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, latency["count"])
}
