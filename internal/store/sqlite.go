// Package store provides storage backends for LingoPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/lingopipe/LingoPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store and DedupRepo on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// GetSubscriber retrieves a subscriber by phone, or nil when unknown.
func (s *SQLiteStore) GetSubscriber(phone string) (*models.Subscriber, error) {
	row := s.db.QueryRow(`SELECT phone, profile, is_premium, signup_at, conversations_started_today,
		last_conversation_date, last_proactive_sent_date, digests, streak, created_at, updated_at
		FROM subscribers WHERE phone = ?`, phone)
	sub, err := scanSubscriberRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSubscriber not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSubscriber failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get subscriber %s: %w", phone, err)
	}
	return sub, nil
}

// CreateSubscriber inserts a new subscriber record.
func (s *SQLiteStore) CreateSubscriber(sub models.Subscriber) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	profileJSON, digestsJSON, streakJSON, err := marshalSubscriberJSON(&sub)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO subscribers
		(phone, profile, is_premium, signup_at, conversations_started_today,
		 last_conversation_date, last_proactive_sent_date, digests, streak, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.Phone, profileJSON, sub.Metadata.IsPremium, sub.Metadata.SignupTimestamp,
		sub.Metadata.ConversationsStartedToday, nullableTime(sub.Metadata.LastConversationDate),
		nilIfEmpty(sub.Metadata.LastProactiveSentDate), digestsJSON, streakJSON,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			slog.Debug("SQLiteStore CreateSubscriber duplicate", "phone", sub.Phone)
			return models.ErrSubscriberExists
		}
		slog.Error("SQLiteStore CreateSubscriber failed", "error", err, "phone", sub.Phone)
		return fmt.Errorf("failed to create subscriber %s: %w", sub.Phone, err)
	}
	slog.Info("SQLiteStore subscriber created", "phone", sub.Phone)
	return nil
}

// SaveSubscriber updates profile and premium fields of an existing subscriber.
func (s *SQLiteStore) SaveSubscriber(sub models.Subscriber) error {
	profileJSON, _, _, err := marshalSubscriberJSON(&sub)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE subscribers SET profile = ?, is_premium = ?, updated_at = ? WHERE phone = ?`,
		profileJSON, sub.Metadata.IsPremium, time.Now(), sub.Phone)
	if err != nil {
		slog.Error("SQLiteStore SaveSubscriber failed", "error", err, "phone", sub.Phone)
		return fmt.Errorf("failed to save subscriber %s: %w", sub.Phone, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSubscriberNotFound
	}
	return nil
}

// ListSubscribers returns all subscriber records for scheduler sweeps.
func (s *SQLiteStore) ListSubscribers() ([]models.Subscriber, error) {
	rows, err := s.db.Query(`SELECT phone, profile, is_premium, signup_at, conversations_started_today,
		last_conversation_date, last_proactive_sent_date, digests, streak, created_at, updated_at
		FROM subscribers`)
	if err != nil {
		slog.Error("SQLiteStore ListSubscribers query failed", "error", err)
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			slog.Error("SQLiteStore ListSubscribers scan failed", "error", err)
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriber rows: %w", err)
	}
	slog.Debug("SQLiteStore ListSubscribers succeeded", "count", len(subs))
	return subs, nil
}

// IncrementConversationCount atomically bumps the daily counter.
func (s *SQLiteStore) IncrementConversationCount(phone string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE subscribers
		SET conversations_started_today = conversations_started_today + 1,
		    last_conversation_date = ?, updated_at = ?
		WHERE phone = ?`, at, at, phone)
	if err != nil {
		slog.Error("SQLiteStore IncrementConversationCount failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to increment conversation count for %s: %w", phone, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSubscriberNotFound
	}
	slog.Debug("SQLiteStore conversation count incremented", "phone", phone)
	return nil
}

// ResetDailyCountBefore zeroes the daily counter when the last conversation
// predates the subscriber's local midnight. The WHERE guard makes concurrent
// resets idempotent: at most one caller's UPDATE matches.
func (s *SQLiteStore) ResetDailyCountBefore(phone string, localMidnight time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE subscribers
		SET conversations_started_today = 0, updated_at = ?
		WHERE phone = ? AND conversations_started_today > 0
		  AND (last_conversation_date IS NULL OR last_conversation_date < ?)`,
		time.Now(), phone, localMidnight)
	if err != nil {
		slog.Error("SQLiteStore ResetDailyCountBefore failed", "error", err, "phone", phone)
		return false, fmt.Errorf("failed to reset daily count for %s: %w", phone, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore daily count reset", "phone", phone)
	}
	return n > 0, nil
}

// ClaimProactiveSend performs a compare-and-set on last_proactive_sent_date.
func (s *SQLiteStore) ClaimProactiveSend(phone string, localDate string) (bool, error) {
	res, err := s.db.Exec(`UPDATE subscribers
		SET last_proactive_sent_date = ?, updated_at = ?
		WHERE phone = ? AND (last_proactive_sent_date IS NULL OR last_proactive_sent_date <> ?)`,
		localDate, time.Now(), phone, localDate)
	if err != nil {
		slog.Error("SQLiteStore ClaimProactiveSend failed", "error", err, "phone", phone)
		return false, fmt.Errorf("failed to claim proactive send for %s: %w", phone, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseProactiveSend undoes a claim after a failed send.
func (s *SQLiteStore) ReleaseProactiveSend(phone string, localDate string) error {
	_, err := s.db.Exec(`UPDATE subscribers
		SET last_proactive_sent_date = NULL, updated_at = ?
		WHERE phone = ? AND last_proactive_sent_date = ?`,
		time.Now(), phone, localDate)
	if err != nil {
		slog.Error("SQLiteStore ReleaseProactiveSend failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to release proactive send for %s: %w", phone, err)
	}
	return nil
}

// AppendDigest appends a digest to the subscriber's digest list.
func (s *SQLiteStore) AppendDigest(phone string, d models.Digest) error {
	sub, err := s.GetSubscriber(phone)
	if err != nil {
		return err
	}
	if sub == nil {
		return models.ErrSubscriberNotFound
	}
	sub.Metadata.Digests = append(sub.Metadata.Digests, d)
	digestsJSON, err := marshalJSON(sub.Metadata.Digests)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE subscribers SET digests = ?, updated_at = ? WHERE phone = ?`,
		digestsJSON, time.Now(), phone)
	if err != nil {
		slog.Error("SQLiteStore AppendDigest failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to append digest for %s: %w", phone, err)
	}
	return nil
}

// UpdateStreak replaces the subscriber's streak data.
func (s *SQLiteStore) UpdateStreak(phone string, streak models.StreakData) error {
	streakJSON, err := marshalJSON(streak)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE subscribers SET streak = ?, updated_at = ? WHERE phone = ?`,
		streakJSON, time.Now(), phone)
	if err != nil {
		slog.Error("SQLiteStore UpdateStreak failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to update streak for %s: %w", phone, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSubscriberNotFound
	}
	return nil
}

// SetPremium flips the premium flag.
func (s *SQLiteStore) SetPremium(phone string, premium bool) error {
	res, err := s.db.Exec(`UPDATE subscribers SET is_premium = ?, updated_at = ? WHERE phone = ?`,
		premium, time.Now(), phone)
	if err != nil {
		slog.Error("SQLiteStore SetPremium failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to set premium for %s: %w", phone, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSubscriberNotFound
	}
	return nil
}

// GetOnboardingState retrieves the onboarding record for a phone, or nil.
func (s *SQLiteStore) GetOnboardingState(phone string) (*models.OnboardingState, error) {
	row := s.db.QueryRow(`SELECT phone, current_step, gdpr_consented, temp_data, created_at, updated_at
		FROM onboarding_states WHERE phone = ?`, phone)
	st, err := scanOnboardingRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetOnboardingState failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get onboarding state for %s: %w", phone, err)
	}
	return st, nil
}

// SaveOnboardingState inserts or updates an onboarding record.
func (s *SQLiteStore) SaveOnboardingState(st models.OnboardingState) error {
	tempJSON, err := marshalJSON(st.TempData)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO onboarding_states
		(phone, current_step, gdpr_consented, temp_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		st.Phone, string(st.CurrentStep), st.GDPRConsented, tempJSON, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveOnboardingState failed", "error", err, "phone", st.Phone)
		return fmt.Errorf("failed to save onboarding state for %s: %w", st.Phone, err)
	}
	slog.Debug("SQLiteStore SaveOnboardingState succeeded", "phone", st.Phone, "step", st.CurrentStep)
	return nil
}

// DeleteOnboardingState removes an onboarding record.
func (s *SQLiteStore) DeleteOnboardingState(phone string) error {
	_, err := s.db.Exec(`DELETE FROM onboarding_states WHERE phone = ?`, phone)
	if err != nil {
		slog.Error("SQLiteStore DeleteOnboardingState failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete onboarding state for %s: %w", phone, err)
	}
	return nil
}

// DeleteExpiredOnboarding removes onboarding records created before the cutoff.
func (s *SQLiteStore) DeleteExpiredOnboarding(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM onboarding_states WHERE created_at < ?`, olderThan)
	if err != nil {
		slog.Error("SQLiteStore DeleteExpiredOnboarding failed", "error", err)
		return 0, fmt.Errorf("failed to delete expired onboarding states: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore expired onboarding states removed", "count", n)
	}
	return int(n), nil
}

// GetCheckpoint retrieves the conversation checkpoint for a phone, or nil.
func (s *SQLiteStore) GetCheckpoint(phone string) (*models.Checkpoint, error) {
	row := s.db.QueryRow(`SELECT phone, messages, conversation_started_at, last_message_at
		FROM checkpoints WHERE phone = ?`, phone)
	cp, err := scanCheckpointRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCheckpoint failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get checkpoint for %s: %w", phone, err)
	}
	return cp, nil
}

// SaveCheckpoint inserts or replaces a conversation checkpoint.
func (s *SQLiteStore) SaveCheckpoint(cp models.Checkpoint) error {
	messagesJSON, err := marshalJSON(cp.Messages)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO checkpoints
		(phone, messages, conversation_started_at, last_message_at)
		VALUES (?, ?, ?, ?)`,
		cp.Phone, messagesJSON, cp.ConversationStartedAt, cp.LastMessageAt)
	if err != nil {
		slog.Error("SQLiteStore SaveCheckpoint failed", "error", err, "phone", cp.Phone)
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.Phone, err)
	}
	return nil
}

// DeleteCheckpoint removes a conversation checkpoint.
func (s *SQLiteStore) DeleteCheckpoint(phone string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE phone = ?`, phone)
	if err != nil {
		slog.Error("SQLiteStore DeleteCheckpoint failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete checkpoint for %s: %w", phone, err)
	}
	return nil
}
