package risk

import "github.com/opensource-finance/harrier/internal/domain"

// Rate returns numerator/denominator as a percentage.
// A zero (or negative) denominator yields 0: no data means no penalty.
func Rate(numerator, denominator int) float64 {
	if denominator <= 0 {
		return 0
	}
	return float64(numerator) / float64(denominator) * 100
}

// BookingFrequency returns bookings per day of tenure, or 0 when the
// provider is less than a day old.
func BookingFrequency(totalBookings, daysSinceCreation int) float64 {
	if daysSinceCreation <= 0 {
		return 0
	}
	return float64(totalBookings) / float64(daysSinceCreation)
}

// DeriveMetrics computes the rates, frequency and trend for a snapshot.
func DeriveMetrics(s *domain.ProviderMetricsSnapshot) domain.AssessmentMetrics {
	b := s.Bookings
	days := s.DaysSinceCreation()
	recent, previous := SplitWindows(s.DailyBookings, 30)

	return domain.AssessmentMetrics{
		CompletionRate:      Rate(b.AllTime.Completed, b.AllTime.Total),
		CancellationRate:    Rate(b.AllTime.Cancelled, b.AllTime.Total),
		CompletionRate30d:   Rate(b.Last30Days.Completed, b.Last30Days.Total),
		CancellationRate30d: Rate(b.Last30Days.Cancelled, b.Last30Days.Total),
		CompletionRate90d:   Rate(b.Last90Days.Completed, b.Last90Days.Total),
		CancellationRate90d: Rate(b.Last90Days.Cancelled, b.Last90Days.Total),
		BookingFrequency:    BookingFrequency(b.AllTime.Total, days),
		Growth30d:           Growth(float64(recent), float64(previous)),
		DaysSinceCreation:   days,
	}
}
