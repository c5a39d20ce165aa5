package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/metrics"
)

var webhookSecret = []byte("webhook-secret")

func newIngestor(t *testing.T) (*Ingestor, *Ledger, *metrics.Registry) {
	t.Helper()
	l, store, registry := newLedger(t)
	ingestor, err := NewIngestor(l, store, webhookSecret)
	require.NoError(t, err)
	return ingestor, l, registry
}

func settledBody(t *testing.T, eventID, hash string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"eventId":     eventID,
		"paymentHash": hash,
		"status":      "settled",
		"settledAt":   "2026-03-01T12:00:00Z",
	})
	require.NoError(t, err)
	return body
}

func TestVerifySignature(t *testing.T) {
	ingestor, _, _ := newIngestor(t)
	body := []byte(`{"eventId":"ev-1"}`)

	t.Run("valid signature verifies", func(t *testing.T) {
		assert.True(t, ingestor.VerifySignature(body, SignBody(webhookSecret, body)))
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		assert.False(t, ingestor.VerifySignature(body, SignBody([]byte("other"), body)))
	})

	t.Run("signature over different body fails", func(t *testing.T) {
		assert.False(t, ingestor.VerifySignature([]byte(`{"eventId":"ev-2"}`), SignBody(webhookSecret, body)))
	})

	t.Run("empty header fails", func(t *testing.T) {
		assert.False(t, ingestor.VerifySignature(body, ""))
	})
}

func TestNormalize(t *testing.T) {
	ingestor, _, _ := newIngestor(t)

	t.Run("maps settled to paid", func(t *testing.T) {
		ev, err := ingestor.Normalize("mock", settledBody(t, "ev-1", "hash-1"), "sig")
		require.NoError(t, err)
		assert.Equal(t, pressgate.PaymentPaid, ev.Status)
		assert.Equal(t, "ev-1", ev.EventID)
		require.NotNil(t, ev.SettledAt)
		assert.Equal(t, 2026, ev.SettledAt.Year())
	})

	invalid := []struct {
		name string
		body string
	}{
		{"not json", `{{`},
		{"missing eventId", `{"paymentHash":"h","status":"paid"}`},
		{"missing paymentHash", `{"eventId":"e","status":"paid"}`},
		{"unknown status", `{"eventId":"e","paymentHash":"h","status":"refunded"}`},
		{"bad settledAt", `{"eventId":"e","paymentHash":"h","status":"paid","settledAt":"yesterday"}`},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestor.Normalize("mock", []byte(tc.body), "sig")
			require.Error(t, err)
			assert.Equal(t, pressgate.CodeValidation, pressgate.AsError(err).Code)
		})
	}
}

func TestIngestAppliesOnce(t *testing.T) {
	ingestor, l, registry := newIngestor(t)
	createPayment(t, l, "hash-1")

	ev, err := ingestor.Normalize("mock", settledBody(t, "ev-1", "hash-1"), "sig")
	require.NoError(t, err)

	result, err := ingestor.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, result.Applied)

	p, err := l.GetPayment(context.Background(), "hash-1")
	require.NoError(t, err)
	assert.Equal(t, pressgate.PaymentPaid, p.Status)
	assert.Equal(t, "ev-1", p.LastEventID)

	// Redelivery of the same event id: acknowledged, nothing reprocessed.
	result, err = ingestor.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.False(t, result.Applied)
	assert.Equal(t, int64(1), registry.Count(metrics.WebhookDuplicates))

	// A different event id carrying the same fact is a no-op, not an error.
	again, err := ingestor.Normalize("mock", settledBody(t, "ev-2", "hash-1"), "sig")
	require.NoError(t, err)
	result, err = ingestor.Ingest(context.Background(), again)
	require.NoError(t, err)
	assert.True(t, result.NoOp)
}

func TestIngestConflictingSettlementFacts(t *testing.T) {
	ingestor, l, _ := newIngestor(t)
	createPayment(t, l, "hash-1")

	first, err := ingestor.Normalize("mock", settledBody(t, "ev-1", "hash-1"), "sig")
	require.NoError(t, err)
	result, err := ingestor.Ingest(context.Background(), first)
	require.NoError(t, err)
	require.True(t, result.Applied)

	// A fresh event replaying "paid" with a different settlement time must
	// be rejected, not quietly acknowledged.
	conflicting, err := json.Marshal(map[string]any{
		"eventId":     "ev-2",
		"paymentHash": "hash-1",
		"status":      "settled",
		"settledAt":   "2026-03-01T18:30:00Z",
	})
	require.NoError(t, err)
	replay, err := ingestor.Normalize("mock", conflicting, "sig")
	require.NoError(t, err)

	_, err = ingestor.Ingest(context.Background(), replay)
	require.Error(t, err)
	assert.Equal(t, pressgate.CodeLedgerTransition, pressgate.AsError(err).Code)

	// The stored settlement facts are untouched.
	p, err := l.GetPayment(context.Background(), "hash-1")
	require.NoError(t, err)
	require.NotNil(t, p.SettledAt)
	assert.True(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Equal(*p.SettledAt))

	// The rejected delivery was still recorded: resending it dedups.
	result, err = ingestor.Ingest(context.Background(), replay)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
}

func TestIngestUnknownPayment(t *testing.T) {
	ingestor, _, registry := newIngestor(t)

	ev, err := ingestor.Normalize("mock", settledBody(t, "ev-1", "never-created"), "sig")
	require.NoError(t, err)

	result, err := ingestor.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, result.UnknownPayment)
	assert.False(t, result.Applied)
	assert.Equal(t, int64(1), registry.Count(metrics.UnknownPaymentEvents))
}

func TestIngestOutOfOrder(t *testing.T) {
	ingestor, l, _ := newIngestor(t)
	createPayment(t, l, "hash-1")

	paid, err := ingestor.Normalize("mock", settledBody(t, "ev-1", "hash-1"), "sig")
	require.NoError(t, err)
	_, err = ingestor.Ingest(context.Background(), paid)
	require.NoError(t, err)

	// A late "expired" event must not unwind the settlement. The delivery
	// stays recorded even though its transition is rejected.
	expiredBody, err := json.Marshal(map[string]any{
		"eventId":     "ev-0",
		"paymentHash": "hash-1",
		"status":      "expired",
	})
	require.NoError(t, err)
	late, err := ingestor.Normalize("mock", expiredBody, "sig")
	require.NoError(t, err)

	_, err = ingestor.Ingest(context.Background(), late)
	require.Error(t, err)
	assert.Equal(t, pressgate.CodeLedgerTransition, pressgate.AsError(err).Code)

	p, err := l.GetPayment(context.Background(), "hash-1")
	require.NoError(t, err)
	assert.Equal(t, pressgate.PaymentPaid, p.Status)
	require.NotNil(t, p.SettledAt)
	assert.True(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Equal(*p.SettledAt))
}
