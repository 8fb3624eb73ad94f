// Package store provides storage backends for LingoPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lingopipe/LingoPipe/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store and DedupRepo on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL connection pool")
	return s.db.Close()
}

// GetSubscriber retrieves a subscriber by phone, or nil when unknown.
func (s *PostgresStore) GetSubscriber(phone string) (*models.Subscriber, error) {
	row := s.db.QueryRow(`SELECT phone, profile, is_premium, signup_at, conversations_started_today,
		last_conversation_date, last_proactive_sent_date, digests, streak, created_at, updated_at
		FROM subscribers WHERE phone = $1`, phone)
	sub, err := scanSubscriberRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSubscriber failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get subscriber %s: %w", phone, err)
	}
	return sub, nil
}

// CreateSubscriber inserts a new subscriber record.
func (s *PostgresStore) CreateSubscriber(sub models.Subscriber) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sub.Phone, profileJSON, sub.Metadata.IsPremium, sub.Metadata.SignupTimestamp,
		sub.Metadata.ConversationsStartedToday, nullableTime(sub.Metadata.LastConversationDate),
		nilIfEmpty(sub.Metadata.LastProactiveSentDate), digestsJSON, streakJSON,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrSubscriberExists
		}
		slog.Error("PostgresStore CreateSubscriber failed", "error", err, "phone", sub.Phone)
		return fmt.Errorf("failed to create subscriber %s: %w", sub.Phone, err)
	}
	slog.Info("PostgresStore subscriber created", "phone", sub.Phone)
	return nil
}

// SaveSubscriber updates profile and premium fields of an existing subscriber.
func (s *PostgresStore) SaveSubscriber(sub models.Subscriber) error {
	profileJSON, _, _, err := marshalSubscriberJSON(&sub)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE subscribers SET profile = $1, is_premium = $2, updated_at = $3 WHERE phone = $4`,
		profileJSON, sub.Metadata.IsPremium, time.Now(), sub.Phone)
	if err != nil {
		slog.Error("PostgresStore SaveSubscriber failed", "error", err, "phone", sub.Phone)
		return fmt.Errorf("failed to save subscriber %s: %w", sub.Phone, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSubscriberNotFound
	}
	return nil
}

// ListSubscribers returns all subscriber records for scheduler sweeps.
func (s *PostgresStore) ListSubscribers() ([]models.Subscriber, error) {
	rows, err := s.db.Query(`SELECT phone, profile, is_premium, signup_at, conversations_started_today,
		last_conversation_date, last_proactive_sent_date, digests, streak, created_at, updated_at
		FROM subscribers`)
	if err != nil {
		slog.Error("PostgresStore ListSubscribers query failed", "error", err)
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriber rows: %w", err)
	}
	return subs, nil
}

// IncrementConversationCount atomically bumps the daily counter.
func (s *PostgresStore) IncrementConversationCount(phone string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE subscribers
		SET conversations_started_today = conversations_started_today + 1,
		    last_conversation_date = $1, updated_at = $2
		WHERE phone = $3`, at, at, phone)
	if err != nil {
		slog.Error("PostgresStore IncrementConversationCount failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to increment conversation count for %s: %w", phone, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSubscriberNotFound
	}
	return nil
}

// ResetDailyCountBefore zeroes the daily counter when the last conversation
// predates the subscriber's local midnight.
func (s *PostgresStore) ResetDailyCountBefore(phone string, localMidnight time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE subscribers
		SET conversations_started_today = 0, updated_at = $1
		WHERE phone = $2 AND conversations_started_today > 0
		  AND (last_conversation_date IS NULL OR last_conversation_date < $3)`,
		time.Now(), phone, localMidnight)
	if err != nil {
		slog.Error("PostgresStore ResetDailyCountBefore failed", "error", err, "phone", phone)
		return false, fmt.Errorf("failed to reset daily count for %s: %w", phone, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimProactiveSend performs a compare-and-set on last_proactive_sent_date.
func (s *PostgresStore) ClaimProactiveSend(phone string, localDate string) (bool, error) {
	res, err := s.db.Exec(`UPDATE subscribers
		SET last_proactive_sent_date = $1, updated_at = $2
		WHERE phone = $3 AND (last_proactive_sent_date IS NULL OR last_proactive_sent_date <> $4)`,
		localDate, time.Now(), phone, localDate)
	if err != nil {
		slog.Error("PostgresStore ClaimProactiveSend failed", "error", err, "phone", phone)
		return false, fmt.Errorf("failed to claim proactive send for %s: %w", phone, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseProactiveSend undoes a claim after a failed send.
func (s *PostgresStore) ReleaseProactiveSend(phone string, localDate string) error {
	_, err := s.db.Exec(`UPDATE subscribers
		SET last_proactive_sent_date = NULL, updated_at = $1
		WHERE phone = $2 AND last_proactive_sent_date = $3`,
		time.Now(), phone, localDate)
	if err != nil {
		slog.Error("PostgresStore ReleaseProactiveSend failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to release proactive send for %s: %w", phone, err)
	}
	return nil
}

// AppendDigest appends a digest to the subscriber's digest list.
func (s *PostgresStore) AppendDigest(phone string, d models.Digest) error {
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
	_, err = s.db.Exec(`UPDATE subscribers SET digests = $1, updated_at = $2 WHERE phone = $3`,
		digestsJSON, time.Now(), phone)
	if err != nil {
		slog.Error("PostgresStore AppendDigest failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to append digest for %s: %w", phone, err)
	}
	return nil
}

// UpdateStreak replaces the subscriber's streak data.
func (s *PostgresStore) UpdateStreak(phone string, streak models.StreakData) error {
	streakJSON, err := marshalJSON(streak)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE subscribers SET streak = $1, updated_at = $2 WHERE phone = $3`,
		streakJSON, time.Now(), phone)
	if err != nil {
		slog.Error("PostgresStore UpdateStreak failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to update streak for %s: %w", phone, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSubscriberNotFound
	}
	return nil
}

// SetPremium flips the premium flag.
func (s *PostgresStore) SetPremium(phone string, premium bool) error {
	res, err := s.db.Exec(`UPDATE subscribers SET is_premium = $1, updated_at = $2 WHERE phone = $3`,
		premium, time.Now(), phone)
	if err != nil {
		slog.Error("PostgresStore SetPremium failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to set premium for %s: %w", phone, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSubscriberNotFound
	}
	return nil
}

// GetOnboardingState retrieves the onboarding record for a phone, or nil.
func (s *PostgresStore) GetOnboardingState(phone string) (*models.OnboardingState, error) {
	row := s.db.QueryRow(`SELECT phone, current_step, gdpr_consented, temp_data, created_at, updated_at
		FROM onboarding_states WHERE phone = $1`, phone)
	st, err := scanOnboardingRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetOnboardingState failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get onboarding state for %s: %w", phone, err)
	}
	return st, nil
}

// SaveOnboardingState inserts or updates an onboarding record.
func (s *PostgresStore) SaveOnboardingState(st models.OnboardingState) error {
	tempJSON, err := marshalJSON(st.TempData)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO onboarding_states
		(phone, current_step, gdpr_consented, temp_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (phone) DO UPDATE SET
		  current_step = EXCLUDED.current_step,
		  gdpr_consented = EXCLUDED.gdpr_consented,
		  temp_data = EXCLUDED.temp_data,
		  updated_at = EXCLUDED.updated_at`,
		st.Phone, string(st.CurrentStep), st.GDPRConsented, tempJSON, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveOnboardingState failed", "error", err, "phone", st.Phone)
		return fmt.Errorf("failed to save onboarding state for %s: %w", st.Phone, err)
	}
	return nil
}

// DeleteOnboardingState removes an onboarding record.
func (s *PostgresStore) DeleteOnboardingState(phone string) error {
	_, err := s.db.Exec(`DELETE FROM onboarding_states WHERE phone = $1`, phone)
	if err != nil {
		slog.Error("PostgresStore DeleteOnboardingState failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete onboarding state for %s: %w", phone, err)
	}
	return nil
}

// DeleteExpiredOnboarding removes onboarding records created before the cutoff.
func (s *PostgresStore) DeleteExpiredOnboarding(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM onboarding_states WHERE created_at < $1`, olderThan)
	if err != nil {
		slog.Error("PostgresStore DeleteExpiredOnboarding failed", "error", err)
		return 0, fmt.Errorf("failed to delete expired onboarding states: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetCheckpoint retrieves the conversation checkpoint for a phone, or nil.
func (s *PostgresStore) GetCheckpoint(phone string) (*models.Checkpoint, error) {
	row := s.db.QueryRow(`SELECT phone, messages, conversation_started_at, last_message_at
		FROM checkpoints WHERE phone = $1`, phone)
	cp, err := scanCheckpointRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCheckpoint failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get checkpoint for %s: %w", phone, err)
	}
	return cp, nil
}

// SaveCheckpoint inserts or replaces a conversation checkpoint.
func (s *PostgresStore) SaveCheckpoint(cp models.Checkpoint) error {
	messagesJSON, err := marshalJSON(cp.Messages)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO checkpoints
		(phone, messages, conversation_started_at, last_message_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (phone) DO UPDATE SET
		  messages = EXCLUDED.messages,
		  conversation_started_at = EXCLUDED.conversation_started_at,
		  last_message_at = EXCLUDED.last_message_at`,
		cp.Phone, messagesJSON, cp.ConversationStartedAt, cp.LastMessageAt)
	if err != nil {
		slog.Error("PostgresStore SaveCheckpoint failed", "error", err, "phone", cp.Phone)
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.Phone, err)
	}
	return nil
}

// DeleteCheckpoint removes a conversation checkpoint.
func (s *PostgresStore) DeleteCheckpoint(phone string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE phone = $1`, phone)
	if err != nil {
		slog.Error("PostgresStore DeleteCheckpoint failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete checkpoint for %s: %w", phone, err)
	}
	return nil
}
