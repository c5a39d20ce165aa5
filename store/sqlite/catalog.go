package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/policy"
)

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// PutOffer inserts or replaces an offer. Offer management is external;
// this exists for wiring and tests.
func (s *Store) PutOffer(ctx context.Context, o pressgate.Offer) error {
	active := 0
	if o.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO offers
			(id, domain_id, slug, name, scope_type, scope_ref, price_sats, active,
			 reads, duration_seconds, policy_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.DomainID, o.Slug, o.Name, string(o.ScopeType), o.ScopeRef, o.PriceSats, active,
		nullInt(o.Reads), o.DurationSeconds, o.PolicyID, o.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put offer: %w", err)
	}
	return nil
}

const offerColumns = `id, domain_id, slug, name, scope_type, scope_ref, price_sats, active,
	reads, duration_seconds, policy_id, created_at`

func scanOffer(scan func(dest ...any) error) (pressgate.Offer, error) {
	var (
		o         pressgate.Offer
		scopeType string
		active    int
		reads     sql.NullInt64
		createdAt int64
	)
	err := scan(&o.ID, &o.DomainID, &o.Slug, &o.Name, &scopeType, &o.ScopeRef, &o.PriceSats, &active,
		&reads, &o.DurationSeconds, &o.PolicyID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pressgate.Offer{}, pressgate.ErrNoRows
	}
	if err != nil {
		return pressgate.Offer{}, fmt.Errorf("scan offer: %w", err)
	}
	o.ScopeType = pressgate.OfferScope(scopeType)
	o.Active = active == 1
	o.Reads = intPtr(reads)
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	return o, nil
}

// GetOffer fetches one offer.
func (s *Store) GetOffer(ctx context.Context, domainID, offerID string) (pressgate.Offer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE domain_id = ? AND id = ?`, domainID, offerID)
	return scanOffer(row.Scan)
}

// ListOffers returns every active offer in a domain.
func (s *Store) ListOffers(ctx context.Context, domainID string) ([]pressgate.Offer, error) {
	return s.queryOffers(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE domain_id = ? AND active = 1 ORDER BY id`, domainID)
}

// ListOffersForResource returns active offers whose scope covers the
// resource.
func (s *Store) ListOffersForResource(ctx context.Context, domainID string, resource pressgate.ResourceRef) ([]pressgate.Offer, error) {
	return s.queryOffers(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE domain_id = ? AND active = 1
		  AND (
			(scope_type = 'item' AND scope_ref = ?)
			OR (scope_type = 'type' AND scope_ref = ?)
			OR scope_type = 'subscription'
		  )
		ORDER BY id`,
		domainID, resource.ID, resource.ContentTypeID)
}

func (s *Store) queryOffers(ctx context.Context, query string, args ...any) ([]pressgate.Offer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()
	var out []pressgate.Offer
	for rows.Next() {
		o, err := scanOffer(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOrCreateProfile resolves or lazily creates the durable identity for
// an API credential. The unique (domain_id, agent_id) constraint collapses
// a concurrent double-create into one row.
func (s *Store) GetOrCreateProfile(ctx context.Context, domainID, agentID string) (pressgate.AgentProfile, error) {
	p, err := s.GetProfileByAgent(ctx, domainID, agentID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pressgate.ErrNoRows) {
		return pressgate.AgentProfile{}, err
	}

	fresh := pressgate.AgentProfile{
		ID:        uuid.NewString(),
		DomainID:  domainID,
		AgentID:   agentID,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_profiles (id, domain_id, agent_id, name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		fresh.ID, fresh.DomainID, fresh.AgentID, fresh.Name, fresh.CreatedAt.UnixNano())
	if isUniqueViolation(err) {
		return s.GetProfileByAgent(ctx, domainID, agentID)
	}
	if err != nil {
		return pressgate.AgentProfile{}, fmt.Errorf("insert agent profile: %w", err)
	}
	return fresh, nil
}

// GetProfileByAgent fetches one profile by agent id without creating it.
func (s *Store) GetProfileByAgent(ctx context.Context, domainID, agentID string) (pressgate.AgentProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, domain_id, agent_id, name, created_at FROM agent_profiles
		 WHERE domain_id = ? AND agent_id = ?`, domainID, agentID)
	return scanProfile(row)
}

// GetProfile fetches one profile by id.
func (s *Store) GetProfile(ctx context.Context, domainID, profileID string) (pressgate.AgentProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, domain_id, agent_id, name, created_at FROM agent_profiles
		 WHERE domain_id = ? AND id = ?`, domainID, profileID)
	return scanProfile(row)
}

func scanProfile(row *sql.Row) (pressgate.AgentProfile, error) {
	var (
		p         pressgate.AgentProfile
		createdAt int64
	)
	err := row.Scan(&p.ID, &p.DomainID, &p.AgentID, &p.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pressgate.AgentProfile{}, pressgate.ErrNoRows
	}
	if err != nil {
		return pressgate.AgentProfile{}, fmt.Errorf("scan agent profile: %w", err)
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	return p, nil
}

// ListPolicyRules returns the durable policy overrides and the version
// stamp for the snapshot they produce.
func (s *Store) ListPolicyRules(ctx context.Context) ([]policy.Rule, string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, key, value FROM policy_rules ORDER BY id`)
	if err != nil {
		return nil, "", fmt.Errorf("list policy rules: %w", err)
	}
	defer rows.Close()

	var rules []policy.Rule
	for rows.Next() {
		var r policy.Rule
		if err := rows.Scan(&r.Kind, &r.Key, &r.Value); err != nil {
			return nil, "", fmt.Errorf("scan policy rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	version := "baseline-1"
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'policy_version'`).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("read policy version: %w", err)
	}
	return rules, version, nil
}

// PutPolicyRule appends an override row and bumps the version stamp.
func (s *Store) PutPolicyRule(ctx context.Context, r policy.Rule, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policy_rules (kind, key, value) VALUES (?, ?, ?)`, r.Kind, r.Key, r.Value); err != nil {
		return fmt.Errorf("insert policy rule: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (key, value) VALUES ('policy_version', ?)`, version); err != nil {
		return fmt.Errorf("set policy version: %w", err)
	}
	return tx.Commit()
}
