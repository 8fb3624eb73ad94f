// Package gate enforces the trial/throttling policy on conversation starts.
//
// Non-premium subscribers inside their trial window get a limited number of
// conversations per local calendar day. All day-boundary decisions use civil
// dates in the subscriber's timezone (configured fallback when unset), never
// server time, so resets land on the subscriber's midnight regardless of
// where the process runs.
package gate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lingopipe/LingoPipe/internal/models"
	"github.com/lingopipe/LingoPipe/internal/store"
	"github.com/lingopipe/LingoPipe/internal/timeutil"
)

// Defaults for the trial policy. The exact values are deployment
// configuration, not invariants.
const (
	DefaultTrialDays  = 7
	DefaultDailyLimit = 3
)

// Config holds the trial policy parameters.
type Config struct {
	// TrialDays is the length of the free trial, counted in civil days
	// since signup in the subscriber's timezone.
	TrialDays int
	// DailyLimit caps conversations started per local day during the trial.
	DailyLimit int
	// DefaultTimezone is used for subscribers with no stored timezone.
	DefaultTimezone *time.Location
}

// Gate decides whether a subscriber may start another conversation today.
type Gate struct {
	store store.Store
	cfg   Config

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Gate. Zero config fields fall back to the documented defaults.
func New(st store.Store, cfg Config) *Gate {
	if cfg.TrialDays <= 0 {
		cfg.TrialDays = DefaultTrialDays
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if cfg.DefaultTimezone == nil {
		cfg.DefaultTimezone = time.UTC
	}
	return &Gate{store: st, cfg: cfg, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (g *Gate) SetNowFunc(now func() time.Time) {
	g.now = now
}

// ShouldThrottle reports whether the daily limit applies to this subscriber:
// non-premium and still inside the trial window.
func (g *Gate) ShouldThrottle(sub *models.Subscriber) bool {
	loc := timeutil.LoadLocation(sub.Profile.Timezone, g.cfg.DefaultTimezone)
	return g.shouldThrottleIn(sub, g.now(), loc)
}

// shouldThrottleIn is ShouldThrottle with the timezone already resolved, so a
// single evaluation never mixes fallback and explicit zones.
func (g *Gate) shouldThrottleIn(sub *models.Subscriber, now time.Time, loc *time.Location) bool {
	if sub.Metadata.IsPremium {
		return false
	}
	days := timeutil.DaysBetween(sub.Metadata.SignupTimestamp, now, loc)
	return days < g.cfg.TrialDays
}

// CanStartConversationToday checks the daily limit for a phone, resetting the
// counter first if the subscriber's local calendar day has rolled over since
// the last conversation. Premium and post-trial subscribers are unlimited.
func (g *Gate) CanStartConversationToday(phone string) (bool, error) {
	sub, err := g.store.GetSubscriber(phone)
	if err != nil {
		return false, fmt.Errorf("gate lookup failed for %s: %w", phone, err)
	}
	if sub == nil {
		return false, models.ErrSubscriberNotFound
	}

	// Resolve the timezone once for the whole evaluation.
	loc := timeutil.LoadLocation(sub.Profile.Timezone, g.cfg.DefaultTimezone)
	now := g.now()

	if !g.shouldThrottleIn(sub, now, loc) {
		return true, nil
	}

	count := sub.Metadata.ConversationsStartedToday
	last := sub.Metadata.LastConversationDate
	if last == nil || !timeutil.SameCivilDay(*last, now, loc) {
		// Day boundary crossed: reset exactly once. The store guard makes a
		// concurrent reset by another handler a no-op.
		reset, err := g.store.ResetDailyCountBefore(phone, timeutil.StartOfCivilDay(now, loc))
		if err != nil {
			return false, fmt.Errorf("gate daily reset failed for %s: %w", phone, err)
		}
		if reset {
			slog.Debug("Gate reset daily conversation count", "phone", phone, "local_date", timeutil.CivilDateOf(now, loc))
		}
		count = 0
	}

	allowed := count < g.cfg.DailyLimit
	if !allowed {
		slog.Info("Gate throttling conversation start", "phone", phone, "count", count, "limit", g.cfg.DailyLimit)
	}
	return allowed, nil
}

// IncrementConversationCount atomically records a conversation start.
func (g *Gate) IncrementConversationCount(phone string) error {
	if err := g.store.IncrementConversationCount(phone, g.now()); err != nil {
		return fmt.Errorf("gate increment failed for %s: %w", phone, err)
	}
	return nil
}
