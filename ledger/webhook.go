package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/metrics"
)

// eventSchema constrains the normalized provider payload before it touches
// the ledger. Providers differ on field spelling; Normalize maps the body
// into this shape first.
const eventSchema = `{
  "type": "object",
  "required": ["eventId", "paymentHash", "status"],
  "properties": {
    "eventId":           {"type": "string", "minLength": 1},
    "paymentHash":       {"type": "string", "minLength": 1},
    "status":            {"type": "string", "enum": ["paid", "settled", "expired", "failed"]},
    "providerInvoiceId": {"type": "string"},
    "settledAt":         {"type": "string"},
    "failureReason":     {"type": "string"}
  }
}`

// NormalizedEvent is the provider-independent form of one webhook delivery.
type NormalizedEvent struct {
	Provider          string
	EventID           string
	PaymentHash       string
	Status            pressgate.PaymentStatus
	ProviderInvoiceID string
	SettledAt         *time.Time
	FailureReason     string
	Signature         string
	Payload           string
}

// IngestResult tells the caller how a delivery was handled. Duplicates and
// unknown payments are acknowledged, never errors.
type IngestResult struct {
	Duplicate      bool `json:"duplicate"`
	UnknownPayment bool `json:"unknownPayment"`
	Applied        bool `json:"applied"`
	NoOp           bool `json:"noop"`
}

// Ingestor authenticates, validates, deduplicates and applies inbound
// provider events. Dedup happens at insert time on (provider, eventId),
// before any ledger mutation is attempted.
type Ingestor struct {
	ledger *Ledger
	events pressgate.ProviderEventStore
	secret []byte
	schema *gojsonschema.Schema
	logger *slog.Logger
	now    func() time.Time
}

// NewIngestor builds an ingestor sharing the ledger's clock and metrics.
func NewIngestor(l *Ledger, events pressgate.ProviderEventStore, secret []byte) (*Ingestor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("ledger: compile event schema: %w", err)
	}
	return &Ingestor{
		ledger: l,
		events: events,
		secret: secret,
		schema: schema,
		logger: l.logger,
		now:    l.now,
	}, nil
}

// SignBody computes the signature a trusted sender puts in
// x-payment-signature.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the shared-secret HMAC over the raw body. An
// empty header or secret never verifies.
func (i *Ingestor) VerifySignature(body []byte, signatureHeader string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || len(i.secret) == 0 {
		return false
	}
	sig = strings.TrimPrefix(strings.ToLower(sig), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// rawEvent is the normalized wire shape the schema validates.
type rawEvent struct {
	EventID           string `json:"eventId"`
	PaymentHash       string `json:"paymentHash"`
	Status            string `json:"status"`
	ProviderInvoiceID string `json:"providerInvoiceId"`
	SettledAt         string `json:"settledAt"`
	FailureReason     string `json:"failureReason"`
}

// Normalize validates the body against the event schema and maps it into a
// NormalizedEvent.
func (i *Ingestor) Normalize(provider string, body []byte, signature string) (NormalizedEvent, error) {
	result, err := i.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return NormalizedEvent{}, pressgate.ErrValidation("unreadable webhook body: " + err.Error())
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return NormalizedEvent{}, pressgate.ErrValidation("webhook body failed validation").
			WithContext(map[string]any{"errors": details})
	}

	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return NormalizedEvent{}, pressgate.ErrValidation("unreadable webhook body: " + err.Error())
	}

	ev := NormalizedEvent{
		Provider:          provider,
		EventID:           raw.EventID,
		PaymentHash:       raw.PaymentHash,
		ProviderInvoiceID: raw.ProviderInvoiceID,
		FailureReason:     raw.FailureReason,
		Signature:         signature,
		Payload:           string(body),
	}
	switch raw.Status {
	case "paid", "settled":
		ev.Status = pressgate.PaymentPaid
	case "expired":
		ev.Status = pressgate.PaymentExpired
	case "failed":
		ev.Status = pressgate.PaymentFailed
	}
	if raw.SettledAt != "" {
		at, err := time.Parse(time.RFC3339, raw.SettledAt)
		if err != nil {
			return NormalizedEvent{}, pressgate.ErrValidation("settledAt must be RFC 3339")
		}
		ev.SettledAt = &at
	}
	return ev, nil
}

// Ingest records the event and applies the implied transition.
//
// Delivery is at-least-once and possibly out of order: a duplicate
// (provider, eventId) is rejected by the insert before any state mutation
// and acknowledged without reprocessing. An event naming an unknown
// paymentHash is acknowledged but flagged, since webhook delivery may race
// resource creation. The event row survives even when the transition it
// implies is rejected.
func (i *Ingestor) Ingest(ctx context.Context, ev NormalizedEvent) (IngestResult, error) {
	row := pressgate.ProviderEvent{
		Provider:    ev.Provider,
		EventID:     ev.EventID,
		PaymentHash: ev.PaymentHash,
		Status:      string(ev.Status),
		Signature:   ev.Signature,
		Payload:     ev.Payload,
		ReceivedAt:  i.now().UTC(),
	}
	if err := i.events.InsertEvent(ctx, row); err != nil {
		if errors.Is(err, pressgate.ErrDuplicateEvent) {
			i.ledger.metrics.Inc(metrics.WebhookDuplicates)
			i.logger.Info("duplicate webhook acknowledged", "provider", ev.Provider, "eventId", ev.EventID)
			return IngestResult{Duplicate: true}, nil
		}
		return IngestResult{}, fmt.Errorf("ledger: record provider event: %w", err)
	}

	patch := pressgate.PaymentPatch{
		Provider:          ev.Provider,
		ProviderInvoiceID: ev.ProviderInvoiceID,
		SettledAt:         ev.SettledAt,
		FailureReason:     ev.FailureReason,
		LastEventID:       ev.EventID,
	}

	before, err := i.ledger.GetPayment(ctx, ev.PaymentHash)
	if err != nil {
		var pe *pressgate.Error
		if errors.As(err, &pe) && pe.Code == pressgate.CodePaymentNotFound {
			i.ledger.metrics.Inc(metrics.UnknownPaymentEvents)
			i.logger.Warn("webhook for unknown payment", "provider", ev.Provider, "paymentHash", ev.PaymentHash)
			return IngestResult{UnknownPayment: true}, nil
		}
		return IngestResult{}, err
	}
	if before.Status == ev.Status {
		// Same-status redeliveries still go through the ledger so a paid
		// replay carrying different settlement facts is rejected, not acked.
		if _, err := i.ledger.TransitionPaymentStatus(ctx, ev.PaymentHash, ev.Status, patch, true); err != nil {
			return IngestResult{}, err
		}
		return IngestResult{NoOp: true}, nil
	}

	if _, err := i.ledger.TransitionPaymentStatus(ctx, ev.PaymentHash, ev.Status, patch, true); err != nil {
		// The event row is deliberately kept: the audit trail records the
		// delivery even when the transition it implies is illegal.
		return IngestResult{}, err
	}
	return IngestResult{Applied: true}, nil
}
