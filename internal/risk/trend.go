package risk

// Growth returns the percentage change from previous to recent.
// When previous is zero the result is 100 if recent is non-zero and 0
// otherwise, so growth from nothing is still visible.
func Growth(recent, previous float64) float64 {
	if previous == 0 {
		if recent != 0 {
			return 100
		}
		return 0
	}
	return (recent - previous) / previous * 100
}

// SplitWindows sums the last n entries of a daily series (oldest first) and
// the n entries immediately before them. Missing days count as zero.
func SplitWindows(daily []int, n int) (recent, previous int) {
	if n <= 0 {
		return 0, 0
	}
	end := len(daily)
	for i := end - 1; i >= 0 && i >= end-n; i-- {
		recent += daily[i]
	}
	for i := end - n - 1; i >= 0 && i >= end-2*n; i-- {
		previous += daily[i]
	}
	return recent, previous
}
