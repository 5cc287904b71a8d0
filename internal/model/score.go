package model

import "time"

// DerivedScore computes the 0-100 session score from the average rate and
// the session duration. The deduction table is fixed: rates outside the
// 10-25/min band and long sessions each cost points.
func DerivedScore(avgRate float64, duration time.Duration) int {
	score := 100

	switch {
	case avgRate < 10:
		score -= 20
	case avgRate > 30:
		score -= 15
	case avgRate > 25:
		score -= 10
	}

	seconds := int64(duration / time.Second)
	switch {
	case seconds > 7200:
		score -= 20
	case seconds > 3600:
		score -= 10
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
