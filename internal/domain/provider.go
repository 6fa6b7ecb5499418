package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidSnapshot is returned when a metrics snapshot is missing required
// data or carries counts that contradict each other.
var ErrInvalidSnapshot = errors.New("invalid metrics snapshot")

// ProviderStatus is the marketplace-side lifecycle state of a provider.
type ProviderStatus string

const (
	ProviderStatusPending   ProviderStatus = "pending"
	ProviderStatusActive    ProviderStatus = "active"
	ProviderStatusSuspended ProviderStatus = "suspended"
	ProviderStatusInactive  ProviderStatus = "inactive"
)

// KYC verification states.
const (
	KYCStatusPending  = "pending"
	KYCStatusApproved = "approved"
	KYCStatusRejected = "rejected"
)

// ProviderMetricsSnapshot holds the pre-aggregated metrics for one provider.
// It is produced by the metrics aggregator and is immutable once handed to
// the risk engine.
type ProviderMetricsSnapshot struct {
	ProviderID string         `json:"providerId"`
	TenantID   string         `json:"tenantId,omitempty"`
	Name       string         `json:"name,omitempty"`
	Status     ProviderStatus `json:"status,omitempty"`

	// TrustScore is the platform-maintained reputation value (0-100 typical).
	TrustScore int `json:"trustScore"`

	Bookings BookingStats `json:"bookings"`

	// DailyBookings holds bookings created per day, oldest first, covering
	// up to the last 90 days. Optional.
	DailyBookings []int `json:"dailyBookings,omitempty"`

	Reviews      ReviewStats     `json:"reviews"`
	Incidents    IncidentStats   `json:"incidents"`
	Suspensions  SuspensionStats `json:"suspensions"`
	Disputes     DisputeStats    `json:"disputes"`
	Refunds      RefundStats     `json:"refunds"`
	Verification Verification    `json:"verification"`

	CreatedAt time.Time `json:"createdAt"`
	AsOf      time.Time `json:"asOf"`
}

// BookingWindow holds booking counts for a single lookback window.
// Completed + Cancelled may be less than Total (e.g. in-progress bookings).
type BookingWindow struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// BookingStats groups booking counts per window.
type BookingStats struct {
	AllTime    BookingWindow `json:"allTime"`
	Last30Days BookingWindow `json:"last30Days"`
	Last90Days BookingWindow `json:"last90Days"`
}

// ReviewStats holds review counts. AverageRating is nil when there are no
// reviews; a nil average is "no data", never a 0-star average.
type ReviewStats struct {
	Total         int      `json:"total"`
	AverageRating *float64 `json:"averageRating"`
}

// IncidentStats holds trust incident counts.
type IncidentStats struct {
	Total        int `json:"total"`
	Unresolved   int `json:"unresolved"`
	Recent30Days int `json:"recent30Days"`
}

// SuspensionStats holds suspension counts. A suspension is active when it
// has no end date or its end date is after AsOf.
type SuspensionStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// DisputeStats holds dispute counts.
type DisputeStats struct {
	Total      int `json:"total"`
	Unresolved int `json:"unresolved"`
}

// RefundStats holds refund counts and the refunded amount.
type RefundStats struct {
	Total  int             `json:"total"`
	Amount decimal.Decimal `json:"amount"`
}

// Verification holds onboarding and KYC state.
type Verification struct {
	KYCStatus          string `json:"kycStatus,omitempty"`
	DocumentsSubmitted bool   `json:"documentsSubmitted"`
	OnboardingComplete bool   `json:"onboardingComplete"`
	PayoutsConnected   bool   `json:"payoutsConnected"`
}

// DaysSinceCreation returns whole days between CreatedAt and AsOf.
// Returns 0 when AsOf is not after CreatedAt.
func (s *ProviderMetricsSnapshot) DaysSinceCreation() int {
	d := s.AsOf.Sub(s.CreatedAt)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// HasRating reports whether the provider has an average rating.
func (s *ProviderMetricsSnapshot) HasRating() bool {
	return s.Reviews.AverageRating != nil
}

// Validate checks the snapshot for missing or contradictory data.
func (s *ProviderMetricsSnapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: snapshot is nil", ErrInvalidSnapshot)
	}
	if s.ProviderID == "" {
		return fmt.Errorf("%w: providerId is required", ErrInvalidSnapshot)
	}
	if s.CreatedAt.IsZero() {
		return s.invalid("createdAt is required")
	}
	if s.AsOf.IsZero() {
		return s.invalid("asOf is required")
	}

	windows := []struct {
		name string
		w    BookingWindow
	}{
		{"bookings.allTime", s.Bookings.AllTime},
		{"bookings.last30Days", s.Bookings.Last30Days},
		{"bookings.last90Days", s.Bookings.Last90Days},
	}
	for _, win := range windows {
		if win.w.Total < 0 || win.w.Completed < 0 || win.w.Cancelled < 0 {
			return s.invalid(win.name + " counts must be non-negative")
		}
		if win.w.Completed > win.w.Total-win.w.Cancelled {
			return s.invalid(win.name + " completed+cancelled exceeds total")
		}
	}
	for i, n := range s.DailyBookings {
		if n < 0 {
			return s.invalid(fmt.Sprintf("dailyBookings[%d] is negative", i))
		}
	}

	if s.Reviews.Total < 0 {
		return s.invalid("reviews.total must be non-negative")
	}
	if s.Reviews.AverageRating != nil {
		if s.Reviews.Total == 0 {
			return s.invalid("reviews.averageRating set without reviews")
		}
		if r := *s.Reviews.AverageRating; r < 0 || r > 5 {
			return s.invalid("reviews.averageRating must be within 0-5")
		}
	} else if s.Reviews.Total > 0 {
		return s.invalid("reviews.averageRating is required when reviews exist")
	}

	if s.Incidents.Total < 0 || s.Incidents.Unresolved < 0 || s.Incidents.Recent30Days < 0 {
		return s.invalid("incident counts must be non-negative")
	}
	if s.Incidents.Unresolved > s.Incidents.Total || s.Incidents.Recent30Days > s.Incidents.Total {
		return s.invalid("incident subset counts exceed total")
	}
	if s.Suspensions.Total < 0 || s.Suspensions.Active < 0 {
		return s.invalid("suspension counts must be non-negative")
	}
	if s.Suspensions.Active > s.Suspensions.Total {
		return s.invalid("suspensions.active exceeds total")
	}
	if s.Disputes.Total < 0 || s.Disputes.Unresolved < 0 {
		return s.invalid("dispute counts must be non-negative")
	}
	if s.Disputes.Unresolved > s.Disputes.Total {
		return s.invalid("disputes.unresolved exceeds total")
	}
	if s.Refunds.Total < 0 || s.Refunds.Amount.IsNegative() {
		return s.invalid("refunds must be non-negative")
	}

	return nil
}

func (s *ProviderMetricsSnapshot) invalid(reason string) error {
	return fmt.Errorf("%w: provider %s: %s", ErrInvalidSnapshot, s.ProviderID, reason)
}
