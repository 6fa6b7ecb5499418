package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SnapshotRequest is the wire form of a metrics snapshot. Counts are
// pointers so an omitted field is rejected instead of read as zero.
// averageRating, dailyBookings, verification and asOf are optional.
type SnapshotRequest struct {
	ProviderID    string               `json:"providerId"`
	Name          string               `json:"name,omitempty"`
	Status        string               `json:"status,omitempty"`
	TrustScore    *int                 `json:"trustScore"`
	Bookings      *BookingsRequest     `json:"bookings"`
	DailyBookings []int                `json:"dailyBookings,omitempty"`
	Reviews       *ReviewsRequest      `json:"reviews"`
	Incidents     *IncidentsRequest    `json:"incidents"`
	Suspensions   *SuspensionsRequest  `json:"suspensions"`
	Disputes      *DisputesRequest     `json:"disputes"`
	Refunds       *RefundsRequest      `json:"refunds"`
	Verification  *domain.Verification `json:"verification,omitempty"`
	CreatedAt     *time.Time           `json:"createdAt"`
	AsOf          *time.Time           `json:"asOf,omitempty"`
}

// BookingsRequest holds the three booking windows.
type BookingsRequest struct {
	AllTime    *WindowRequest `json:"allTime"`
	Last30Days *WindowRequest `json:"last30Days"`
	Last90Days *WindowRequest `json:"last90Days"`
}

// WindowRequest holds one booking window.
type WindowRequest struct {
	Total     *int `json:"total"`
	Completed *int `json:"completed"`
	Cancelled *int `json:"cancelled"`
}

type ReviewsRequest struct {
	Total         *int     `json:"total"`
	AverageRating *float64 `json:"averageRating"`
}

type IncidentsRequest struct {
	Total        *int `json:"total"`
	Unresolved   *int `json:"unresolved"`
	Recent30Days *int `json:"recent30Days"`
}

type SuspensionsRequest struct {
	Total  *int `json:"total"`
	Active *int `json:"active"`
}

type DisputesRequest struct {
	Total      *int `json:"total"`
	Unresolved *int `json:"unresolved"`
}

type RefundsRequest struct {
	Total  *int             `json:"total"`
	Amount *decimal.Decimal `json:"amount"`
}

// fieldReader collects the first missing required field.
type fieldReader struct {
	missing string
}

func (f *fieldReader) int(name string, v *int) int {
	if v == nil {
		if f.missing == "" {
			f.missing = name
		}
		return 0
	}
	return *v
}

func (f *fieldReader) present(name string, ok bool) bool {
	if !ok && f.missing == "" {
		f.missing = name
	}
	return ok
}

func (f *fieldReader) window(name string, w *WindowRequest) domain.BookingWindow {
	if !f.present(name, w != nil) {
		return domain.BookingWindow{}
	}
	return domain.BookingWindow{
		Total:     f.int(name+".total", w.Total),
		Completed: f.int(name+".completed", w.Completed),
		Cancelled: f.int(name+".cancelled", w.Cancelled),
	}
}

// ToSnapshot converts the request into a validated snapshot. now is used
// when asOf is omitted. Errors wrap domain.ErrInvalidSnapshot.
func (r *SnapshotRequest) ToSnapshot(now time.Time) (*domain.ProviderMetricsSnapshot, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: snapshot is required", domain.ErrInvalidSnapshot)
	}

	var f fieldReader
	s := &domain.ProviderMetricsSnapshot{
		ProviderID:    r.ProviderID,
		Name:          r.Name,
		Status:        domain.ProviderStatus(r.Status),
		TrustScore:    f.int("trustScore", r.TrustScore),
		DailyBookings: r.DailyBookings,
		AsOf:          now.UTC(),
	}

	if f.present("bookings", r.Bookings != nil) {
		s.Bookings = domain.BookingStats{
			AllTime:    f.window("bookings.allTime", r.Bookings.AllTime),
			Last30Days: f.window("bookings.last30Days", r.Bookings.Last30Days),
			Last90Days: f.window("bookings.last90Days", r.Bookings.Last90Days),
		}
	}
	if f.present("reviews", r.Reviews != nil) {
		s.Reviews = domain.ReviewStats{
			Total:         f.int("reviews.total", r.Reviews.Total),
			AverageRating: r.Reviews.AverageRating,
		}
	}
	if f.present("incidents", r.Incidents != nil) {
		s.Incidents = domain.IncidentStats{
			Total:        f.int("incidents.total", r.Incidents.Total),
			Unresolved:   f.int("incidents.unresolved", r.Incidents.Unresolved),
			Recent30Days: f.int("incidents.recent30Days", r.Incidents.Recent30Days),
		}
	}
	if f.present("suspensions", r.Suspensions != nil) {
		s.Suspensions = domain.SuspensionStats{
			Total:  f.int("suspensions.total", r.Suspensions.Total),
			Active: f.int("suspensions.active", r.Suspensions.Active),
		}
	}
	if f.present("disputes", r.Disputes != nil) {
		s.Disputes = domain.DisputeStats{
			Total:      f.int("disputes.total", r.Disputes.Total),
			Unresolved: f.int("disputes.unresolved", r.Disputes.Unresolved),
		}
	}
	if f.present("refunds", r.Refunds != nil) {
		s.Refunds.Total = f.int("refunds.total", r.Refunds.Total)
		if f.present("refunds.amount", r.Refunds.Amount != nil) {
			s.Refunds.Amount = *r.Refunds.Amount
		}
	}
	if r.Verification != nil {
		s.Verification = *r.Verification
	}
	if f.present("createdAt", r.CreatedAt != nil) {
		s.CreatedAt = r.CreatedAt.UTC()
	}
	if r.AsOf != nil {
		s.AsOf = r.AsOf.UTC()
	}

	if f.missing != "" {
		id := r.ProviderID
		if id == "" {
			id = "<unknown>"
		}
		return nil, fmt.Errorf("%w: provider %s: %s is required", domain.ErrInvalidSnapshot, id, f.missing)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
