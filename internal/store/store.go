// Package store provides storage backends for LingoPipe.
//
// It defines the Store interface over subscriber records, onboarding state,
// and conversation checkpoints, with SQLite, PostgreSQL, and in-memory
// implementations. Counter mutations are exposed as atomic primitives so the
// webhook path and the scheduler can share a subscriber without racing.
package store

import (
	"strings"
	"time"

	"github.com/lingopipe/LingoPipe/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string. File paths select SQLite;
	// postgres:// URLs select PostgreSQL.
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType determines the database type from a DSN string.
// Returns "postgres" for PostgreSQL URLs and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persistence interface shared by the webhook handlers, the
// onboarding machine, the eligibility gate, the session controller, and the
// scheduler.
type Store interface {
	// GetSubscriber returns the subscriber for a phone, or nil when unknown.
	GetSubscriber(phone string) (*models.Subscriber, error)

	// CreateSubscriber inserts a new subscriber. Returns
	// models.ErrSubscriberExists when the phone is already registered; a
	// subscriber is created at most once per phone.
	CreateSubscriber(sub models.Subscriber) error

	// SaveSubscriber updates profile and premium fields of an existing
	// subscriber. Counters are not written through this path.
	SaveSubscriber(sub models.Subscriber) error

	// ListSubscribers returns all subscribers, for scheduler sweeps.
	ListSubscribers() ([]models.Subscriber, error)

	// IncrementConversationCount atomically bumps conversations_started_today
	// and records the conversation instant.
	IncrementConversationCount(phone string, at time.Time) error

	// ResetDailyCountBefore atomically zeroes conversations_started_today if
	// the last conversation happened before the given local-midnight instant.
	// Returns true when a reset occurred. Safe to call concurrently; the
	// guard makes the second caller a no-op.
	ResetDailyCountBefore(phone string, localMidnight time.Time) (bool, error)

	// ClaimProactiveSend marks localDate (YYYY-MM-DD, subscriber-local) as
	// the proactive send date iff it is not already claimed. Returns true
	// when this caller won the claim.
	ClaimProactiveSend(phone string, localDate string) (bool, error)

	// ReleaseProactiveSend undoes a claim after a failed send so the next
	// sweep within the same window retries. A release for a different date
	// is a no-op.
	ReleaseProactiveSend(phone string, localDate string) error

	// AppendDigest appends a conversation digest to the subscriber metadata.
	AppendDigest(phone string, d models.Digest) error

	// UpdateStreak replaces the subscriber's streak data.
	UpdateStreak(phone string, s models.StreakData) error

	// SetPremium flips the premium flag.
	SetPremium(phone string, premium bool) error

	// GetOnboardingState returns the onboarding record for a phone, or nil
	// when the phone is not mid-onboarding.
	GetOnboardingState(phone string) (*models.OnboardingState, error)

	// SaveOnboardingState inserts or updates an onboarding record.
	SaveOnboardingState(st models.OnboardingState) error

	// DeleteOnboardingState removes an onboarding record. Deleting a missing
	// record is not an error.
	DeleteOnboardingState(phone string) error

	// DeleteExpiredOnboarding removes onboarding records created before the
	// cutoff, bounding abandoned-onboarding state. Returns the number removed.
	DeleteExpiredOnboarding(olderThan time.Time) (int, error)

	// GetCheckpoint returns the conversation checkpoint for a phone, or nil.
	GetCheckpoint(phone string) (*models.Checkpoint, error)

	// SaveCheckpoint inserts or replaces a conversation checkpoint.
	SaveCheckpoint(cp models.Checkpoint) error

	// DeleteCheckpoint removes a conversation checkpoint.
	DeleteCheckpoint(phone string) error

	// Close releases backend resources.
	Close() error
}
