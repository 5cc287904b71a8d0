package server

import "time"

// mergeResult describes how an upload combined with the stored copy.
type mergeResult struct {
	session  Session
	conflict bool
	changed  bool
}

// merge folds an uploaded session into the stored one. Counters take the
// maximum of both sides, a missing end_time fills from the other, and the
// derived score follows whichever side closed the session.
//
// Both sides closed with different end times is a conflict: two devices
// each closed their copy of the same session. The stored record is left
// untouched and the pair is reported so the owner can resolve it.
func merge(stored Session, uploaded Session, now time.Time) mergeResult {
	out := mergeResult{session: stored}

	if stored.EndTime != nil && uploaded.EndTime != nil && !stored.EndTime.Equal(*uploaded.EndTime) {
		out.conflict = true
		return out
	}

	if uploaded.TotalEvents > out.session.TotalEvents {
		out.session.TotalEvents = uploaded.TotalEvents
		out.changed = true
	}
	if uploaded.AvgRate > out.session.AvgRate {
		out.session.AvgRate = uploaded.AvgRate
		out.changed = true
	}
	if uploaded.MaxRate > out.session.MaxRate {
		out.session.MaxRate = uploaded.MaxRate
		out.changed = true
	}

	if out.session.EndTime == nil && uploaded.EndTime != nil {
		end := *uploaded.EndTime
		out.session.EndTime = &end
		if uploaded.DerivedScore != nil {
			score := *uploaded.DerivedScore
			out.session.DerivedScore = &score
		}
		out.changed = true
	}

	if out.session.DerivedScore == nil && uploaded.DerivedScore != nil {
		score := *uploaded.DerivedScore
		out.session.DerivedScore = &score
		out.changed = true
	}

	if out.changed {
		out.session.UpdatedAt = now
	}
	return out
}
