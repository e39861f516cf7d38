package domain

import "time"

// QuotaState is the daily quota bookkeeping for one user. Every server
// instance reads and writes the same copy.
type QuotaState struct {
	DailyCount       int
	LastResetDate    time.Time
	CachedSubscribed bool
	RewardUsedToday  bool
	LastRewardDate   time.Time
}

// OutreachState is the outreach scheduler's bookkeeping for one user.
type OutreachState struct {
	LastOutreachAt     time.Time
	DailyCount         int
	LastCountResetDate time.Time
}

// SameDay reports whether a and b fall on the same calendar day in loc. The
// zero time never matches a real day.
func SameDay(a, b time.Time, loc *time.Location) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	if loc == nil {
		loc = time.Local
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
