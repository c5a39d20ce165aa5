package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pressgate "github.com/pressgate/pressgate"
)

// InsertPayment writes a fresh payment row. The primary key rejects a
// second payment with the same hash.
func (s *Store) InsertPayment(ctx context.Context, p pressgate.Payment) error {
	details, err := json.Marshal(orEmpty(p.Details))
	if err != nil {
		return fmt.Errorf("encode payment details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payments (payment_hash, amount_satoshis, status, provider, provider_invoice_id,
		                      resource_path, actor_id, details, expires_at, settled_at,
		                      failure_reason, last_event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PaymentHash, p.AmountSatoshis, string(p.Status), p.Provider, p.ProviderInvoiceID,
		p.ResourcePath, p.ActorID, string(details), nullTime(p.ExpiresAt), nullTime(p.SettledAt),
		p.FailureReason, p.LastEventID, p.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment fetches one payment by hash.
func (s *Store) GetPayment(ctx context.Context, paymentHash string) (pressgate.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payment_hash, amount_satoshis, status, provider, provider_invoice_id,
		       resource_path, actor_id, details, expires_at, settled_at,
		       failure_reason, last_event_id, created_at
		FROM payments WHERE payment_hash = ?`, paymentHash)
	return scanPayment(row)
}

func scanPayment(row *sql.Row) (pressgate.Payment, error) {
	var (
		p          pressgate.Payment
		status     string
		details    string
		expiresAt  sql.NullInt64
		settledAt  sql.NullInt64
		createdAt  int64
	)
	err := row.Scan(&p.PaymentHash, &p.AmountSatoshis, &status, &p.Provider, &p.ProviderInvoiceID,
		&p.ResourcePath, &p.ActorID, &details, &expiresAt, &settledAt,
		&p.FailureReason, &p.LastEventID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pressgate.Payment{}, pressgate.ErrNoRows
	}
	if err != nil {
		return pressgate.Payment{}, fmt.Errorf("scan payment: %w", err)
	}
	p.Status = pressgate.PaymentStatus(status)
	p.ExpiresAt = timePtr(expiresAt)
	p.SettledAt = timePtr(settledAt)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(details), &p.Details); err != nil {
		return pressgate.Payment{}, fmt.Errorf("decode payment details: %w", err)
	}
	return p, nil
}

// TransitionStatus applies the patch only while the row still sits in
// from; the status guard is what makes concurrent transitions safe. The
// details blob is merged in Go first — the guarded UPDATE decides the
// winner when two processes race.
func (s *Store) TransitionStatus(ctx context.Context, paymentHash string, from, to pressgate.PaymentStatus, patch pressgate.PaymentPatch) (bool, error) {
	current, err := s.GetPayment(ctx, paymentHash)
	if err != nil {
		return false, err
	}

	merged := orEmpty(current.Details)
	for k, v := range patch.Details {
		merged[k] = v
	}
	details, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("encode payment details: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			status              = ?,
			provider            = CASE WHEN ? != '' THEN ? ELSE provider END,
			provider_invoice_id = CASE WHEN ? != '' THEN ? ELSE provider_invoice_id END,
			expires_at          = COALESCE(?, expires_at),
			settled_at          = COALESCE(?, settled_at),
			failure_reason      = CASE WHEN ? != '' THEN ? ELSE failure_reason END,
			last_event_id       = CASE WHEN ? != '' THEN ? ELSE last_event_id END,
			details             = ?
		WHERE payment_hash = ? AND status = ?`,
		string(to),
		patch.Provider, patch.Provider,
		patch.ProviderInvoiceID, patch.ProviderInvoiceID,
		nullTime(patch.ExpiresAt),
		nullTime(patch.SettledAt),
		patch.FailureReason, patch.FailureReason,
		patch.LastEventID, patch.LastEventID,
		string(details),
		paymentHash, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertEvent records one webhook delivery. The (provider, event_id)
// primary key turns a duplicate delivery into ErrDuplicateEvent before any
// other state is touched.
func (s *Store) InsertEvent(ctx context.Context, e pressgate.ProviderEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_events (provider, event_id, payment_hash, status, signature, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Provider, e.EventID, e.PaymentHash, e.Status, e.Signature, e.Payload, e.ReceivedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return pressgate.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("insert provider event: %w", err)
	}
	return nil
}

// CountEvents returns the number of recorded deliveries for a payment.
func (s *Store) CountEvents(ctx context.Context, provider, eventID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provider_events WHERE provider = ? AND event_id = ?`,
		provider, eventID).Scan(&n)
	return n, err
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
