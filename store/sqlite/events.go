package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	pressgate "github.com/pressgate/pressgate"
)

// AppendAccessEvent writes one immutable consumption record.
func (s *Store) AppendAccessEvent(ctx context.Context, e pressgate.AccessEvent) error {
	granted := 0
	if e.Granted {
		granted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_events (id, domain_id, entitlement_id, path, method, granted, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DomainID, e.EntitlementID, e.Path, e.Method, granted, e.Reason, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append access event: %w", err)
	}
	return nil
}

// CountAccessEvents reports recorded reads for an entitlement, split by
// grant outcome. Test and reconciliation helper.
func (s *Store) CountAccessEvents(ctx context.Context, domainID, entitlementID string, granted bool) (int, error) {
	g := 0
	if granted {
		g = 1
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM access_events WHERE domain_id = ? AND entitlement_id = ? AND granted = ?`,
		domainID, entitlementID, g).Scan(&n)
	return n, err
}

// AppendDecision writes one policy decision, keyed by request id. Rows are
// never updated.
func (s *Store) AppendDecision(ctx context.Context, rec pressgate.DecisionRecord) error {
	opCtx, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("encode decision context: %w", err)
	}
	metadata, err := json.Marshal(orEmpty(rec.Decision.Metadata))
	if err != nil {
		return fmt.Errorf("encode decision metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_decisions (request_id, context, outcome, code, remediation, metadata, policy_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, string(opCtx), string(rec.Decision.Outcome), rec.Decision.Code,
		rec.Decision.Remediation, string(metadata), rec.Decision.PolicyVersion, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// CountDecisions reports how many decisions the log holds. Test helper.
func (s *Store) CountDecisions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policy_decisions`).Scan(&n)
	return n, err
}
