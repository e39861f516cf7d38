// Package localstore persists quota and outreach state in a sqlite file for
// single-process deployments such as local development. Nothing here is
// synced to the remote store.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"persona-chat/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite file at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("localstore: path must not be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("localstore: open: %w", err)
	}
	// One connection: sqlite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("localstore: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("localstore: create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("localstore: read schema version: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("localstore: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= current {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("localstore: read migration %s: %w", entry.Name(), err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("localstore: begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("localstore: apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("localstore: record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("localstore: commit migration %d: %w", version, err)
		}
		slog.Debug("localstore: applied migration", "version", version, "file", entry.Name())
	}
	return nil
}

// LoadQuota returns the cached quota state for userID. found is false when
// nothing has been cached yet.
func (s *Store) LoadQuota(ctx context.Context, userID string) (state domain.QuotaState, found bool, err error) {
	var (
		count, lastReset, lastReward int64
		subscribed, rewardUsed       bool
	)
	err = s.db.QueryRowContext(ctx, `SELECT daily_message_count, last_reset_date, is_subscribed_cache,
		reward_watched_today, last_reward_date FROM quota_state WHERE user_id = ?`, userID).
		Scan(&count, &lastReset, &subscribed, &rewardUsed, &lastReward)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QuotaState{}, false, nil
	}
	if err != nil {
		return domain.QuotaState{}, false, fmt.Errorf("localstore: LoadQuota: %w", err)
	}
	return domain.QuotaState{
		DailyCount:       int(count),
		LastResetDate:    fromEpoch(lastReset),
		CachedSubscribed: subscribed,
		RewardUsedToday:  rewardUsed,
		LastRewardDate:   fromEpoch(lastReward),
	}, true, nil
}

// SaveQuota replaces the cached quota state for userID.
func (s *Store) SaveQuota(ctx context.Context, userID string, state domain.QuotaState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO quota_state (user_id, daily_message_count, last_reset_date,
		is_subscribed_cache, reward_watched_today, last_reward_date) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			daily_message_count = excluded.daily_message_count,
			last_reset_date = excluded.last_reset_date,
			is_subscribed_cache = excluded.is_subscribed_cache,
			reward_watched_today = excluded.reward_watched_today,
			last_reward_date = excluded.last_reward_date`,
		userID, state.DailyCount, toEpoch(state.LastResetDate), state.CachedSubscribed,
		state.RewardUsedToday, toEpoch(state.LastRewardDate))
	if err != nil {
		return fmt.Errorf("localstore: SaveQuota: %w", err)
	}
	return nil
}

// DeleteQuota drops the cached quota state for userID.
func (s *Store) DeleteQuota(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM quota_state WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("localstore: DeleteQuota: %w", err)
	}
	return nil
}

// LoadOutreach returns the outreach scheduler state for userID, or the zero
// state when none is cached.
func (s *Store) LoadOutreach(ctx context.Context, userID string) (domain.OutreachState, error) {
	var last, count, reset int64
	err := s.db.QueryRowContext(ctx, `SELECT last_outreach_at, daily_count, last_count_reset_date
		FROM outreach_state WHERE user_id = ?`, userID).Scan(&last, &count, &reset)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OutreachState{}, nil
	}
	if err != nil {
		return domain.OutreachState{}, fmt.Errorf("localstore: LoadOutreach: %w", err)
	}
	return domain.OutreachState{
		LastOutreachAt:     fromEpoch(last),
		DailyCount:         int(count),
		LastCountResetDate: fromEpoch(reset),
	}, nil
}

// SaveOutreach replaces the outreach scheduler state for userID.
func (s *Store) SaveOutreach(ctx context.Context, userID string, state domain.OutreachState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO outreach_state (user_id, last_outreach_at, daily_count,
		last_count_reset_date) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_outreach_at = excluded.last_outreach_at,
			daily_count = excluded.daily_count,
			last_count_reset_date = excluded.last_count_reset_date`,
		userID, toEpoch(state.LastOutreachAt), state.DailyCount, toEpoch(state.LastCountResetDate))
	if err != nil {
		return fmt.Errorf("localstore: SaveOutreach: %w", err)
	}
	return nil
}

func toEpoch(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromEpoch(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
