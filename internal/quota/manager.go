// Package quota enforces the free-tier daily message limit, the once-a-day
// reward reset, and keeps the cached subscription flag in line with the
// authoritative one.
//
// Every public operation loads the user's QuotaState, applies the lazy day
// rollover, and writes it back. Two calls are never combined into one
// atomic step: a HasReachedLimit followed by a RecordSend can interleave with
// another sender and let the count pass the limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"persona-chat/internal/domain"
)

const (
	// DefaultDailyLimit is the number of user messages a free account may
	// send per calendar day.
	DefaultDailyLimit = 10

	// Unlimited is reported as the remaining count for subscribed users.
	Unlimited = math.MaxInt
)

// Cache persists QuotaState. It must be shared by every instance that
// serves the user.
type Cache interface {
	LoadQuota(ctx context.Context, userID string) (domain.QuotaState, bool, error)
	SaveQuota(ctx context.Context, userID string, state domain.QuotaState) error
	DeleteQuota(ctx context.Context, userID string) error
}

// Status is a snapshot of a user's quota for display.
type Status struct {
	Subscribed     bool
	Count          int
	Limit          int
	Remaining      int
	LimitReached   bool
	CanWatchReward bool
}

// Manager owns QuotaState. It is safe to share between goroutines only in the
// sense that the cache is; it adds no locking of its own.
type Manager struct {
	cache  Cache
	limit  int
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Manager)

// WithDailyLimit overrides DefaultDailyLimit.
func WithDailyLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithLocation sets the time zone whose calendar days drive the rollover.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager backed by cache.
func NewManager(cache Cache, opts ...Option) (*Manager, error) {
	if cache == nil {
		return nil, errors.New("quota: cache must not be nil")
	}
	m := &Manager{
		cache:  cache,
		limit:  DefaultDailyLimit,
		loc:    time.Local,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// DailyLimit returns the configured limit.
func (m *Manager) DailyLimit() int { return m.limit }

// load reads the state and applies the day rollover. changed reports whether
// the rollover modified it, so callers that only read know to persist.
func (m *Manager) load(ctx context.Context, userID string) (state domain.QuotaState, changed bool, err error) {
	if strings.TrimSpace(userID) == "" {
		return domain.QuotaState{}, false, errors.New("quota: user id must not be empty")
	}
	state, _, err = m.cache.LoadQuota(ctx, userID)
	if err != nil {
		return domain.QuotaState{}, false, fmt.Errorf("quota: load: %w", err)
	}
	return state, m.rolloverIfNewDay(&state), nil
}

func (m *Manager) save(ctx context.Context, userID string, state domain.QuotaState) error {
	if err := m.cache.SaveQuota(ctx, userID, state); err != nil {
		return fmt.Errorf("quota: save: %w", err)
	}
	return nil
}

// read loads, rolls over, and persists the rollover if one happened.
func (m *Manager) read(ctx context.Context, userID string) (domain.QuotaState, error) {
	state, changed, err := m.load(ctx, userID)
	if err != nil {
		return domain.QuotaState{}, err
	}
	if changed {
		if err := m.save(ctx, userID, state); err != nil {
			return domain.QuotaState{}, err
		}
	}
	return state, nil
}

// rolloverIfNewDay zeroes the count when today differs from the last reset
// day, and clears a reward flag left over from an earlier day.
func (m *Manager) rolloverIfNewDay(state *domain.QuotaState) bool {
	now := m.now()
	changed := false
	if !domain.SameDay(now, state.LastResetDate, m.loc) {
		state.DailyCount = 0
		state.LastResetDate = now
		changed = true
	}
	if state.RewardUsedToday && !domain.SameDay(now, state.LastRewardDate, m.loc) {
		state.RewardUsedToday = false
		changed = true
	}
	return changed
}

// Remaining returns how many messages may still be sent today, or Unlimited
// for subscribed users.
func (m *Manager) Remaining(ctx context.Context, userID string) (int, error) {
	state, err := m.read(ctx, userID)
	if err != nil {
		return 0, err
	}
	return m.remaining(state), nil
}

func (m *Manager) remaining(state domain.QuotaState) int {
	if state.CachedSubscribed {
		return Unlimited
	}
	return max(m.limit-state.DailyCount, 0)
}

// HasReachedLimit reports whether a free user has used up today's quota.
func (m *Manager) HasReachedLimit(ctx context.Context, userID string) (bool, error) {
	state, err := m.read(ctx, userID)
	if err != nil {
		return false, err
	}
	return m.reached(state), nil
}

func (m *Manager) reached(state domain.QuotaState) bool {
	return !state.CachedSubscribed && state.DailyCount >= m.limit
}

// CurrentCount returns today's count of user messages.
func (m *Manager) CurrentCount(ctx context.Context, userID string) (int, error) {
	state, err := m.read(ctx, userID)
	if err != nil {
		return 0, err
	}
	return state.DailyCount, nil
}

// RecordSend counts one user-authored message. Subscribed users are not
// counted.
func (m *Manager) RecordSend(ctx context.Context, userID string) error {
	state, changed, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	if state.CachedSubscribed {
		if changed {
			return m.save(ctx, userID, state)
		}
		return nil
	}
	state.DailyCount++
	return m.save(ctx, userID, state)
}

// GrantRewardReset resets the count to zero after a completed reward view
// and marks today's reward as used. The reset is absolute, not a credit.
func (m *Manager) GrantRewardReset(ctx context.Context, userID string) error {
	state, changed, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	if state.CachedSubscribed {
		if changed {
			return m.save(ctx, userID, state)
		}
		return nil
	}
	state.DailyCount = 0
	state.RewardUsedToday = true
	state.LastRewardDate = m.now()
	rewardsGrantedTotal.Inc()
	return m.save(ctx, userID, state)
}

// CanWatchReward reports whether the reward override is still available
// today.
func (m *Manager) CanWatchReward(ctx context.Context, userID string) (bool, error) {
	state, err := m.read(ctx, userID)
	if err != nil {
		return false, err
	}
	return m.canWatch(state), nil
}

func (m *Manager) canWatch(state domain.QuotaState) bool {
	if state.CachedSubscribed {
		return false
	}
	return !domain.SameDay(m.now(), state.LastRewardDate, m.loc) || !state.RewardUsedToday
}

// IsSubscribed returns the cached subscription flag.
func (m *Manager) IsSubscribed(ctx context.Context, userID string) (bool, error) {
	state, err := m.read(ctx, userID)
	if err != nil {
		return false, err
	}
	return state.CachedSubscribed, nil
}

// SyncSubscription overwrites the cached flag with the authoritative value.
// A difference means the cache was stale and is logged.
func (m *Manager) SyncSubscription(ctx context.Context, userID string, authoritative bool) error {
	state, _, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	if state.CachedSubscribed != authoritative {
		m.logger.Info("quota: subscription cache was stale",
			"user_id", userID,
			"cached", state.CachedSubscribed,
			"authoritative", authoritative,
		)
		subscriptionCorrectionsTotal.Inc()
	}
	state.CachedSubscribed = authoritative
	return m.save(ctx, userID, state)
}

// Status returns every quota figure from a single read.
func (m *Manager) Status(ctx context.Context, userID string) (Status, error) {
	state, err := m.read(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Subscribed:     state.CachedSubscribed,
		Count:          state.DailyCount,
		Limit:          m.limit,
		Remaining:      m.remaining(state),
		LimitReached:   m.reached(state),
		CanWatchReward: m.canWatch(state),
	}, nil
}

// ResetAll drops the cached state; the next access starts fresh and
// unsubscribed.
func (m *Manager) ResetAll(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("quota: user id must not be empty")
	}
	if err := m.cache.DeleteQuota(ctx, userID); err != nil {
		return fmt.Errorf("quota: reset: %w", err)
	}
	return nil
}
