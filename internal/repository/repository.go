// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != MemoryPath {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRiskRule creates or updates a risk rule with tenant isolation.
func (r *SQLRepository) SaveRiskRule(ctx context.Context, tenantID string, rule *domain.RiskRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Severity == "" {
		rule.Severity = domain.SeverityMedium
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.TenantID = tenantID

	var suspendDays sql.NullInt64
	if rule.SuspendDurationDays != nil {
		suspendDays = sql.NullInt64{Int64: int64(*rule.SuspendDurationDays), Valid: true}
	}

	query := `
		INSERT INTO risk_rules (
			id, tenant_id, name, description, incident_type, severity,
			trust_score_penalty, auto_suspend, suspend_duration_days, enabled,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			incident_type = excluded.incident_type,
			severity = excluded.severity,
			trust_score_penalty = excluded.trust_score_penalty,
			auto_suspend = excluded.auto_suspend,
			suspend_duration_days = excluded.suspend_duration_days,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		string(rule.IncidentType), string(rule.Severity),
		rule.TrustScorePenalty, boolToInt(rule.AutoSuspend), suspendDays, boolToInt(rule.Enabled),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

const riskRuleColumns = `
	id, tenant_id, name, description, incident_type, severity,
	trust_score_penalty, auto_suspend, suspend_duration_days, enabled,
	created_at, updated_at
`

// GetRiskRule retrieves a risk rule, enabled or not, with tenant isolation.
func (r *SQLRepository) GetRiskRule(ctx context.Context, tenantID string, ruleID string) (*domain.RiskRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + riskRuleColumns + ` FROM risk_rules WHERE tenant_id = ? AND id = ?`

	rule, err := scanRiskRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRiskRules retrieves all risk rules for a tenant ordered by name.
// Disabled rules are included; callers filter on Enabled.
func (r *SQLRepository) ListRiskRules(ctx context.Context, tenantID string) ([]*domain.RiskRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + riskRuleColumns + ` FROM risk_rules WHERE tenant_id = ? ORDER BY name, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RiskRule
	for rows.Next() {
		rule, err := scanRiskRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DisableRiskRule soft-deletes a risk rule by setting enabled = 0.
func (r *SQLRepository) DisableRiskRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE risk_rules
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRiskRule(row rowScanner) (*domain.RiskRule, error) {
	var rule domain.RiskRule
	var description sql.NullString
	var incidentType, severity string
	var autoSuspend, enabled int
	var suspendDays sql.NullInt64

	if err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description, &incidentType, &severity,
		&rule.TrustScorePenalty, &autoSuspend, &suspendDays, &enabled,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.IncidentType = domain.IncidentType(incidentType)
	rule.Severity = domain.Severity(severity)
	rule.AutoSuspend = autoSuspend == 1
	rule.Enabled = enabled == 1
	if suspendDays.Valid {
		days := int(suspendDays.Int64)
		rule.SuspendDurationDays = &days
	}

	return &rule, nil
}

// SaveProvider creates or updates a provider profile.
func (r *SQLRepository) SaveProvider(ctx context.Context, tenantID string, p *domain.Provider) error {
	if tenantID == "" || p.ID == "" {
		return fmt.Errorf("%w: tenantID and provider id are required", ErrInvalidInput)
	}
	if p.Status == "" {
		p.Status = domain.ProviderStatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO providers (
			id, tenant_id, name, status, trust_score, kyc_status,
			documents_submitted, onboarding_complete, payouts_connected, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			trust_score = excluded.trust_score,
			kyc_status = excluded.kyc_status,
			documents_submitted = excluded.documents_submitted,
			onboarding_complete = excluded.onboarding_complete,
			payouts_connected = excluded.payouts_connected
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, tenantID, p.Name, string(p.Status), p.TrustScore, p.KYCStatus,
		boolToInt(p.DocumentsSubmitted), boolToInt(p.OnboardingComplete), boolToInt(p.PayoutsConnected),
		p.CreatedAt.UTC(),
	)
	return err
}

// ListProviderIDs returns every provider ID for a tenant, ordered by ID.
func (r *SQLRepository) ListProviderIDs(ctx context.Context, tenantID string) ([]string, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT id FROM providers WHERE tenant_id = ? ORDER BY id`), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordBooking stores a booking row.
func (r *SQLRepository) RecordBooking(ctx context.Context, tenantID string, b *domain.Booking) error {
	if err := requireActivity(tenantID, b.ProviderID); err != nil {
		return err
	}
	if b.ID == "" {
		b.ID = uuid.New().String()
	}

	query := `INSERT INTO bookings (id, tenant_id, provider_id, status, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query), b.ID, tenantID, b.ProviderID, b.Status, utcOrNow(b.CreatedAt))
	return err
}

// RecordReview stores a review row.
func (r *SQLRepository) RecordReview(ctx context.Context, tenantID string, rv *domain.Review) error {
	if err := requireActivity(tenantID, rv.ProviderID); err != nil {
		return err
	}
	if rv.Rating < 0 || rv.Rating > 5 {
		return fmt.Errorf("%w: rating must be within 0-5", ErrInvalidInput)
	}
	if rv.ID == "" {
		rv.ID = uuid.New().String()
	}

	query := `INSERT INTO reviews (id, tenant_id, provider_id, rating, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query), rv.ID, tenantID, rv.ProviderID, rv.Rating, utcOrNow(rv.CreatedAt))
	return err
}

// RecordIncident stores a trust incident.
func (r *SQLRepository) RecordIncident(ctx context.Context, tenantID string, i *domain.Incident) error {
	if err := requireActivity(tenantID, i.ProviderID); err != nil {
		return err
	}
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	if i.Category == "" {
		i.Category = domain.IncidentOther
	}

	query := `INSERT INTO incidents (id, tenant_id, provider_id, category, resolved, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		i.ID, tenantID, i.ProviderID, string(i.Category), boolToInt(i.Resolved), utcOrNow(i.CreatedAt),
	)
	return err
}

// RecordSuspension stores a suspension.
func (r *SQLRepository) RecordSuspension(ctx context.Context, tenantID string, s *domain.Suspension) error {
	if err := requireActivity(tenantID, s.ProviderID); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	var endsAt sql.NullTime
	if s.EndsAt != nil {
		endsAt = sql.NullTime{Time: s.EndsAt.UTC(), Valid: true}
	}

	query := `INSERT INTO suspensions (id, tenant_id, provider_id, reason, starts_at, ends_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		s.ID, tenantID, s.ProviderID, s.Reason, utcOrNow(s.StartsAt), endsAt,
	)
	return err
}

// RecordDispute stores a dispute.
func (r *SQLRepository) RecordDispute(ctx context.Context, tenantID string, d *domain.Dispute) error {
	if err := requireActivity(tenantID, d.ProviderID); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = domain.DisputeStatusOpen
	}

	query := `INSERT INTO disputes (id, tenant_id, provider_id, status, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query), d.ID, tenantID, d.ProviderID, d.Status, utcOrNow(d.CreatedAt))
	return err
}

// RecordRefund stores a refund.
func (r *SQLRepository) RecordRefund(ctx context.Context, tenantID string, rf *domain.Refund) error {
	if err := requireActivity(tenantID, rf.ProviderID); err != nil {
		return err
	}
	if rf.Amount.IsNegative() {
		return fmt.Errorf("%w: refund amount must be non-negative", ErrInvalidInput)
	}
	if rf.ID == "" {
		rf.ID = uuid.New().String()
	}

	query := `INSERT INTO refunds (id, tenant_id, provider_id, amount, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query), rf.ID, tenantID, rf.ProviderID, rf.Amount.String(), utcOrNow(rf.CreatedAt))
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func requireActivity(tenantID, providerID string) error {
	if tenantID == "" || providerID == "" {
		return fmt.Errorf("%w: tenantID and providerID are required", ErrInvalidInput)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func utcOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
