package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/harrier/internal/domain"
)

const (
	// maxIDsPerQuery bounds the IN list so large batches stay under driver
	// parameter limits.
	maxIDsPerQuery = 500

	// DailySeriesDays is the length of the DailyBookings series.
	DailySeriesDays = 90

	day = 24 * time.Hour
)

// AggregateProviderMetrics builds metrics snapshots for the given providers.
// Each metric category is read with one grouped query per chunk of IDs, so the
// query count does not grow with the number of providers. Snapshots are
// returned in request order; unknown provider IDs are omitted.
func (r *SQLRepository) AggregateProviderMetrics(ctx context.Context, tenantID string, providerIDs []string, now time.Time) ([]*domain.ProviderMetricsSnapshot, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	ids := dedupe(providerIDs)
	byID := make(map[string]*domain.ProviderMetricsSnapshot, len(ids))

	for start := 0; start < len(ids); start += maxIDsPerQuery {
		end := min(start+maxIDsPerQuery, len(ids))
		if err := r.aggregateChunk(ctx, tenantID, ids[start:end], now, byID); err != nil {
			return nil, err
		}
	}

	snapshots := make([]*domain.ProviderMetricsSnapshot, 0, len(byID))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			snapshots = append(snapshots, s)
		}
	}
	return snapshots, nil
}

func (r *SQLRepository) aggregateChunk(ctx context.Context, tenantID string, ids []string, now time.Time, byID map[string]*domain.ProviderMetricsSnapshot) error {
	steps := []struct {
		name string
		fn   func(context.Context, string, []string, time.Time, map[string]*domain.ProviderMetricsSnapshot) error
	}{
		{"providers", r.loadProviders},
		{"bookings", r.loadBookingCounts},
		{"daily bookings", r.loadDailyBookings},
		{"reviews", r.loadReviews},
		{"incidents", r.loadIncidents},
		{"suspensions", r.loadSuspensions},
		{"disputes", r.loadDisputes},
		{"refunds", r.loadRefunds},
	}

	for i, step := range steps {
		if err := step.fn(ctx, tenantID, ids, now, byID); err != nil {
			return fmt.Errorf("aggregate %s: %w", step.name, err)
		}
		// Nothing else to read when none of the providers exist.
		if i == 0 && len(byID) == 0 {
			return nil
		}
	}
	return nil
}

func (r *SQLRepository) loadProviders(ctx context.Context, tenantID string, ids []string, now time.Time, byID map[string]*domain.ProviderMetricsSnapshot) error {
	in, idArgs := inClause(ids)
	query := `
		SELECT id, name, status, trust_score, kyc_status,
		       documents_submitted, onboarding_complete, payouts_connected, created_at
		FROM providers
		WHERE tenant_id = ? AND id IN (` + in + `)
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), append([]any{tenantID}, idArgs...)...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s                         domain.ProviderMetricsSnapshot
			status                    string
			docs, onboarding, payouts int
		)
		if err := rows.Scan(
			&s.ProviderID, &s.Name, &status, &s.TrustScore, &s.Verification.KYCStatus,
			&docs, &onboarding, &payouts, &s.CreatedAt,
		); err != nil {
			return err
		}
		s.TenantID = tenantID
		s.Status = domain.ProviderStatus(status)
		s.Verification.DocumentsSubmitted = docs == 1
		s.Verification.OnboardingComplete = onboarding == 1
		s.Verification.PayoutsConnected = payouts == 1
		s.CreatedAt = s.CreatedAt.UTC()
		s.AsOf = now
		s.Refunds.Amount = decimal.Zero
		s.DailyBookings = make([]int, DailySeriesDays)
		byID[s.ProviderID] = &s
	}
	return rows.Err()
}

func (r *SQLRepository) loadBookingCounts(ctx context.Context, tenantID string, ids []string, now time.Time, byID map[string]*domain.ProviderMetricsSnapshot) error {
	in, idArgs := inClause(ids)
	since30 := now.Add(-30 * day)
	since90 := now.Add(-90 * day)
	completed := domain.BookingStatusCompleted
	cancelled := domain.BookingStatusCancelled

	query := `
		SELECT provider_id,
		       COUNT(*),
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN created_at >= ? AND status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN created_at >= ? AND status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN created_at >= ? AND status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN created_at >= ? AND status = ? THEN 1 ELSE 0 END)
		FROM bookings
		WHERE tenant_id = ? AND provider_id IN (` + in + `)
		GROUP BY provider_id
	`
	args := []any{
		completed, cancelled,
		since30, since30, completed, since30, cancelled,
		since90, since90, completed, since90, cancelled,
		tenantID,
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), append(args, idArgs...)...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var all, w30, w90 domain.BookingWindow
		if err := rows.Scan(&id,
			&all.Total, &all.Completed, &all.Cancelled,
			&w30.Total, &w30.Completed, &w30.Cancelled,
			&w90.Total, &w90.Completed, &w90.Cancelled,
		); err != nil {
			return err
		}
		if s, ok := byID[id]; ok {
			s.Bookings = domain.BookingStats{AllTime: all, Last30Days: w30, Last90Days: w90}
		}
	}
	return rows.Err()
}

// loadDailyBookings buckets the last 90 days of bookings per day. Index 0 is
// the oldest day; the last index covers the 24h ending at now.
func (r *SQLRepository) loadDailyBookings(ctx context.Context, tenantID string, ids []string, now time.Time, byID map[string]*domain.ProviderMetricsSnapshot) error {
	in, idArgs := inClause(ids)
	query := `
		SELECT provider_id, created_at
		FROM bookings
		WHERE tenant_id = ? AND provider_id IN (` + in + `) AND created_at >= ?
	`
	args := append([]any{tenantID}, idArgs...)
	args = append(args, now.Add(-DailySeriesDays*day))

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var createdAt time.Time
		if err := rows.Scan(&id, &createdAt); err != nil {
			return err
		}
		s, ok := byID[id]
		if !ok {
			continue
		}
		age := int(now.Sub(createdAt.UTC()) / day)
		if age < 0 || age >= DailySeriesDays {
			continue
		}
		s.DailyBookings[DailySeriesDays-1-age]++
	}
	return rows.Err()
}

func (r *SQLRepository) loadReviews(ctx context.Context, tenantID string, ids []string, _ time.Time, byID map[string]*domain.ProviderMetricsSnapshot) error {
	in, idArgs := inClause(ids)
	query := `
		SELECT provider_id, COUNT(*), AVG(rating)
		FROM reviews
		WHERE tenant_id = ? AND provider_id IN (` + in + `)
		GROUP BY provider_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), append([]any{tenantID}, idArgs...)...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var total int
		var avg sql.NullFloat64
		if err := rows.Scan(&id, &total, &avg); err != nil {
			return err
		}
		s, ok := byID[id]
		if !ok {
			continue
		}
		s.Reviews.Total = total
		if avg.Valid && total > 0 {
			v := avg.Float64
			s.Reviews.AverageRating = &v
		}
	}
	return rows.Err()
}

func (r *SQLRepository) loadIncidents(ctx context.Context, tenantID string, ids []string, now time.Time, byID map[string]*domain.ProviderMetricsSnapshot) error {
	in, idArgs := inClause(ids)
	query := `
		SELECT provider_id,
		       COUNT(*),
		       SUM(CASE WHEN resolved = 0 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END)
		FROM incidents
		WHERE tenant_id = ? AND provider_id IN (` + in + `)
		GROUP BY provider_id
	`
	args := append([]any{now.Add(-30 * day), tenantID}, idArgs...)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var stats domain.IncidentStats
		if err := rows.Scan(&id, &stats.Total, &stats.Unresolved, &stats.Recent30Days); err != nil {
			return err
		}
		if s, ok := byID[id]; ok {
			s.Incidents = stats
		}
	}
	return rows.Err()
}

func (r *SQLRepository) loadSuspensions(ctx context.Context, tenantID string, ids []string, now time.Time, byID map[string]*domain.ProviderMetricsSnapshot) error {
	in, idArgs := inClause(ids)
	query := `
		SELECT provider_id,
		       COUNT(*),
		       SUM(CASE WHEN starts_at <= ? AND (ends_at IS NULL OR ends_at > ?) THEN 1 ELSE 0 END)
		FROM suspensions
		WHERE tenant_id = ? AND provider_id IN (` + in + `)
		GROUP BY provider_id
	`
	args := append([]any{now, now, tenantID}, idArgs...)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var stats domain.SuspensionStats
		if err := rows.Scan(&id, &stats.Total, &stats.Active); err != nil {
			return err
		}
		if s, ok := byID[id]; ok {
			s.Suspensions = stats
		}
	}
	return rows.Err()
}

func (r *SQLRepository) loadDisputes(ctx context.Context, tenantID string, ids []string, _ time.Time, byID map[string]*domain.ProviderMetricsSnapshot) error {
	in, idArgs := inClause(ids)
	query := `
		SELECT provider_id,
		       COUNT(*),
		       SUM(CASE WHEN status <> ? THEN 1 ELSE 0 END)
		FROM disputes
		WHERE tenant_id = ? AND provider_id IN (` + in + `)
		GROUP BY provider_id
	`
	args := append([]any{domain.DisputeStatusResolved, tenantID}, idArgs...)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var stats domain.DisputeStats
		if err := rows.Scan(&id, &stats.Total, &stats.Unresolved); err != nil {
			return err
		}
		if s, ok := byID[id]; ok {
			s.Disputes = stats
		}
	}
	return rows.Err()
}

// loadRefunds sums amounts in Go; SQL SUM over decimal text is not exact on
// SQLite.
func (r *SQLRepository) loadRefunds(ctx context.Context, tenantID string, ids []string, _ time.Time, byID map[string]*domain.ProviderMetricsSnapshot) error {
	in, idArgs := inClause(ids)
	query := `
		SELECT provider_id, amount
		FROM refunds
		WHERE tenant_id = ? AND provider_id IN (` + in + `)
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), append([]any{tenantID}, idArgs...)...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		s, ok := byID[id]
		if !ok {
			continue
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("refund amount %q for provider %s: %w", raw, id, err)
		}
		s.Refunds.Total++
		s.Refunds.Amount = s.Refunds.Amount.Add(amount)
	}
	return rows.Err()
}

// inClause returns "?, ?, ?" for ids together with the matching args.
func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
