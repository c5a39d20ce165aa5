package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	pressgate "github.com/pressgate/pressgate"
)

const entitlementColumns = `id, domain_id, offer_id, policy_id, policy_version, agent_profile_id,
	payment_hash, status, remaining_reads, expires_at, activated_at, terminated_at,
	delegated_from, created_at`

// InsertEntitlement writes a new entitlement row. The partial unique index
// on (domain_id, payment_hash) enforces the 1:1 join to its payment.
func (s *Store) InsertEntitlement(ctx context.Context, e pressgate.Entitlement) error {
	return s.insertEntitlementTx(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertEntitlementTx(ctx context.Context, db execer, e pressgate.Entitlement) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO entitlements (`+entitlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DomainID, e.OfferID, e.PolicyID, e.PolicyVersion, e.AgentProfileID,
		e.PaymentHash, string(e.Status), nullInt(e.RemainingReads), nullTime(e.ExpiresAt),
		nullTime(e.ActivatedAt), nullTime(e.TerminatedAt), e.DelegatedFrom, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

func scanEntitlement(scan func(dest ...any) error) (pressgate.Entitlement, error) {
	var (
		e            pressgate.Entitlement
		status       string
		remaining    sql.NullInt64
		expiresAt    sql.NullInt64
		activatedAt  sql.NullInt64
		terminatedAt sql.NullInt64
		createdAt    int64
	)
	err := scan(&e.ID, &e.DomainID, &e.OfferID, &e.PolicyID, &e.PolicyVersion, &e.AgentProfileID,
		&e.PaymentHash, &status, &remaining, &expiresAt, &activatedAt, &terminatedAt,
		&e.DelegatedFrom, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pressgate.Entitlement{}, pressgate.ErrNoRows
	}
	if err != nil {
		return pressgate.Entitlement{}, fmt.Errorf("scan entitlement: %w", err)
	}
	e.Status = pressgate.EntitlementStatus(status)
	e.RemainingReads = intPtr(remaining)
	e.ExpiresAt = timePtr(expiresAt)
	e.ActivatedAt = timePtr(activatedAt)
	e.TerminatedAt = timePtr(terminatedAt)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return e, nil
}

// GetEntitlement fetches one entitlement.
func (s *Store) GetEntitlement(ctx context.Context, domainID, id string) (pressgate.Entitlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE domain_id = ? AND id = ?`,
		domainID, id)
	return scanEntitlement(row.Scan)
}

// GetEntitlementByPaymentHash resolves the single entitlement a payment
// funds.
func (s *Store) GetEntitlementByPaymentHash(ctx context.Context, domainID, paymentHash string) (pressgate.Entitlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE domain_id = ? AND payment_hash = ?`,
		domainID, paymentHash)
	return scanEntitlement(row.Scan)
}

// ListEligibleEntitlements returns the profile's active entitlements whose
// offer scope covers the resource: an item offer on the item itself, a
// type offer on its content type, or any subscription offer.
func (s *Store) ListEligibleEntitlements(ctx context.Context, domainID, agentProfileID string, resource pressgate.ResourceRef) ([]pressgate.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("e", entitlementColumns)+`
		FROM entitlements e
		JOIN offers o ON o.domain_id = e.domain_id AND o.id = e.offer_id
		WHERE e.domain_id = ? AND e.agent_profile_id = ? AND e.status = 'active'
		  AND (
			(o.scope_type = 'item' AND o.scope_ref = ?)
			OR (o.scope_type = 'type' AND o.scope_ref = ?)
			OR o.scope_type = 'subscription'
		  )
		ORDER BY e.created_at, e.id`,
		domainID, agentProfileID, resource.ID, resource.ContentTypeID)
	if err != nil {
		return nil, fmt.Errorf("list eligible entitlements: %w", err)
	}
	defer rows.Close()

	var out []pressgate.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Activate flips pending_payment to active. The status guard makes
// concurrent activations collapse to a single winner.
func (s *Store) Activate(ctx context.Context, domainID, id string, activatedAt time.Time, expiresAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlements SET status = 'active', activated_at = ?, expires_at = ?
		WHERE domain_id = ? AND id = ? AND status = 'pending_payment'`,
		activatedAt.UnixNano(), nullTime(expiresAt), domainID, id)
	if err != nil {
		return false, fmt.Errorf("activate entitlement: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DecrementReads is the core consumption primitive: one conditional
// UPDATE guarded on remaining_reads > 0. Under concurrent attempts the
// store serializes them and exactly floor(remaining) succeed; the counter
// can never go negative.
func (s *Store) DecrementReads(ctx context.Context, domainID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlements SET remaining_reads = remaining_reads - 1
		WHERE domain_id = ? AND id = ? AND status = 'active'
		  AND remaining_reads IS NOT NULL AND remaining_reads > 0`,
		domainID, id)
	if err != nil {
		return false, fmt.Errorf("decrement reads: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DelegateReads moves amount reads from the source row into the target
// row inside one transaction. A source with fewer than amount reads fails
// the guard and nothing is written.
func (s *Store) DelegateReads(ctx context.Context, domainID, sourceID string, amount int64, decrementSource bool, target pressgate.Entitlement) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delegation: %w", err)
	}
	defer tx.Rollback()

	if decrementSource {
		res, err := tx.ExecContext(ctx, `
			UPDATE entitlements SET remaining_reads = remaining_reads - ?
			WHERE domain_id = ? AND id = ? AND status = 'active'
			  AND remaining_reads IS NOT NULL AND remaining_reads >= ?`,
			amount, domainID, sourceID, amount)
		if err != nil {
			return false, fmt.Errorf("decrement source: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n != 1 {
			return false, nil
		}
	}

	if err := s.insertEntitlementTx(ctx, tx, target); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delegation: %w", err)
	}
	return true, nil
}

// Terminate marks a pending or active entitlement terminated.
func (s *Store) Terminate(ctx context.Context, domainID, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlements SET status = 'terminated', terminated_at = ?
		WHERE domain_id = ? AND id = ? AND status IN ('pending_payment', 'active')`,
		at.UnixNano(), domainID, id)
	if err != nil {
		return false, fmt.Errorf("terminate entitlement: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkExpired lazily records an observed expiry. Expiry has no sweep; it
// is noticed at consumption time.
func (s *Store) MarkExpired(ctx context.Context, domainID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE entitlements SET status = 'expired'
		WHERE domain_id = ? AND id = ? AND status = 'active'`,
		domainID, id)
	if err != nil {
		return fmt.Errorf("mark entitlement expired: %w", err)
	}
	return nil
}
