package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lingopipe/LingoPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON marshals v to a JSON string for storage in a text column.
func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal failed: %w", err)
	}
	return string(b), nil
}

// marshalSubscriberJSON produces the profile, digests, and streak columns.
func marshalSubscriberJSON(sub *models.Subscriber) (profile, digests, streak string, err error) {
	if profile, err = marshalJSON(sub.Profile); err != nil {
		return
	}
	if digests, err = marshalJSON(sub.Metadata.Digests); err != nil {
		return
	}
	streak, err = marshalJSON(sub.Metadata.Streak)
	return
}

// isUniqueViolation reports whether err is a primary-key/unique constraint
// failure from either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // lib/pq
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSubscriber scans a Subscriber from a subscribers row.
func scanSubscriber(row rowScanner) (*models.Subscriber, error) {
	var sub models.Subscriber
	var profileJSON string
	var digestsJSON, streakJSON, lastProactive sql.NullString
	var lastConversation sql.NullTime
	err := row.Scan(
		&sub.Phone, &profileJSON, &sub.Metadata.IsPremium, &sub.Metadata.SignupTimestamp,
		&sub.Metadata.ConversationsStartedToday, &lastConversation, &lastProactive,
		&digestsJSON, &streakJSON, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(profileJSON), &sub.Profile); err != nil {
		return nil, fmt.Errorf("scan subscriber profile failed: %w", err)
	}
	if lastConversation.Valid {
		t := lastConversation.Time
		sub.Metadata.LastConversationDate = &t
	}
	sub.Metadata.LastProactiveSentDate = lastProactive.String
	if digestsJSON.Valid && digestsJSON.String != "" {
		if err := json.Unmarshal([]byte(digestsJSON.String), &sub.Metadata.Digests); err != nil {
			return nil, fmt.Errorf("scan subscriber digests failed: %w", err)
		}
	}
	if streakJSON.Valid && streakJSON.String != "" {
		if err := json.Unmarshal([]byte(streakJSON.String), &sub.Metadata.Streak); err != nil {
			return nil, fmt.Errorf("scan subscriber streak failed: %w", err)
		}
	}
	return &sub, nil
}

// scanSubscriberRow scans a Subscriber from a single sql.Row.
func scanSubscriberRow(row *sql.Row) (*models.Subscriber, error) {
	return scanSubscriber(row)
}

// scanOnboardingRow scans an OnboardingState from an onboarding_states row.
func scanOnboardingRow(row rowScanner) (*models.OnboardingState, error) {
	var st models.OnboardingState
	var step string
	var tempJSON sql.NullString
	err := row.Scan(&st.Phone, &step, &st.GDPRConsented, &tempJSON, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.CurrentStep = models.OnboardingStep(step)
	if tempJSON.Valid && tempJSON.String != "" {
		if err := json.Unmarshal([]byte(tempJSON.String), &st.TempData); err != nil {
			return nil, fmt.Errorf("scan onboarding temp data failed: %w", err)
		}
	}
	return &st, nil
}

// scanCheckpointRow scans a Checkpoint from a checkpoints row.
func scanCheckpointRow(row rowScanner) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var messagesJSON sql.NullString
	err := row.Scan(&cp.Phone, &messagesJSON, &cp.ConversationStartedAt, &cp.LastMessageAt)
	if err != nil {
		return nil, err
	}
	if messagesJSON.Valid && messagesJSON.String != "" {
		if err := json.Unmarshal([]byte(messagesJSON.String), &cp.Messages); err != nil {
			return nil, fmt.Errorf("scan checkpoint messages failed: %w", err)
		}
	}
	return &cp, nil
}

// nullableTime converts a *time.Time to a driver-friendly value.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
