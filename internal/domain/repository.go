// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Risk rule operations
	SaveRiskRule(ctx context.Context, tenantID string, rule *RiskRule) error
	GetRiskRule(ctx context.Context, tenantID string, ruleID string) (*RiskRule, error)
	ListRiskRules(ctx context.Context, tenantID string) ([]*RiskRule, error)
	DisableRiskRule(ctx context.Context, tenantID string, ruleID string) error

	// Provider activity, written by the marketplace and read back in aggregate.
	SaveProvider(ctx context.Context, tenantID string, p *Provider) error
	ListProviderIDs(ctx context.Context, tenantID string) ([]string, error)
	RecordBooking(ctx context.Context, tenantID string, b *Booking) error
	RecordReview(ctx context.Context, tenantID string, r *Review) error
	RecordIncident(ctx context.Context, tenantID string, i *Incident) error
	RecordSuspension(ctx context.Context, tenantID string, s *Suspension) error
	RecordDispute(ctx context.Context, tenantID string, d *Dispute) error
	RecordRefund(ctx context.Context, tenantID string, r *Refund) error

	// MetricsAggregator
	MetricsAggregator

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MetricsAggregator produces metrics snapshots for a batch of providers.
// Implementations issue a constant number of grouped queries regardless of
// how many providers are requested.
type MetricsAggregator interface {
	AggregateProviderMetrics(ctx context.Context, tenantID string, providerIDs []string, now time.Time) ([]*ProviderMetricsSnapshot, error)
}

// Provider is the stored provider profile.
type Provider struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Status             ProviderStatus `json:"status"`
	TrustScore         int            `json:"trustScore"`
	KYCStatus          string         `json:"kycStatus,omitempty"`
	DocumentsSubmitted bool           `json:"documentsSubmitted"`
	OnboardingComplete bool           `json:"onboardingComplete"`
	PayoutsConnected   bool           `json:"payoutsConnected"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// Booking statuses counted by the aggregator.
const (
	BookingStatusCompleted  = "completed"
	BookingStatusCancelled  = "cancelled"
	BookingStatusInProgress = "in_progress"
	BookingStatusPending    = "pending"
)

// Booking is a single booking row.
type Booking struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"providerId"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Review is a single review row.
type Review struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"providerId"`
	Rating     float64   `json:"rating"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Incident is a trust incident raised against a provider.
type Incident struct {
	ID         string       `json:"id"`
	ProviderID string       `json:"providerId"`
	Category   IncidentType `json:"category"`
	Resolved   bool         `json:"resolved"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Suspension is a provider suspension. EndsAt is nil for open-ended suspensions.
type Suspension struct {
	ID         string     `json:"id"`
	ProviderID string     `json:"providerId"`
	Reason     string     `json:"reason,omitempty"`
	StartsAt   time.Time  `json:"startsAt"`
	EndsAt     *time.Time `json:"endsAt,omitempty"`
}

// Dispute statuses.
const (
	DisputeStatusOpen     = "open"
	DisputeStatusResolved = "resolved"
)

// Dispute is a booking dispute.
type Dispute struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"providerId"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Refund is a refund issued against a provider's booking.
type Refund struct {
	ID         string          `json:"id"`
	ProviderID string          `json:"providerId"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
