package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/lingopipe/LingoPipe/internal/gate"
	"github.com/lingopipe/LingoPipe/internal/messaging"
	"github.com/lingopipe/LingoPipe/internal/models"
	"github.com/lingopipe/LingoPipe/internal/store"
	"github.com/lingopipe/LingoPipe/internal/timeutil"
)

// Defaults for the sweeper. Values are deployment configuration.
const (
	// DefaultProactiveSendHour is the local hour (0-23) during which the
	// daily check-in goes out.
	DefaultProactiveSendHour = 19
	// DefaultOnboardingTTL is how long abandoned onboarding records live.
	DefaultOnboardingTTL = 24 * time.Hour
	// DefaultDedupTTL is how long inbound dedup markers live.
	DefaultDedupTTL = 48 * time.Hour
	// DefaultSweepTimeout bounds one full fleet sweep.
	DefaultSweepTimeout = 5 * time.Minute
)

// Initiator starts a proactive conversation for a subscriber and returns the
// opening text. Implemented by the conversation controller.
type Initiator interface {
	InitiateConversation(ctx context.Context, sub *models.Subscriber, humanMessage, systemPromptOverride string) string
}

// Sweeper walks the subscriber fleet once a minute and sends at most one
// proactive message per subscriber per local civil day, during that
// subscriber's configured local send hour. The send-date claim in the store
// is the authority; a crash between claim and send costs at most one
// check-in, never a duplicate.
type Sweeper struct {
	store      store.Store
	dedup      store.DedupRepo
	gate       *gate.Gate
	controller Initiator
	msgService messaging.Service
	locks      *messaging.PhoneLockRegistry

	sendHour        int
	onboardingTTL   time.Duration
	dedupTTL        time.Duration
	defaultTimezone *time.Location

	// now is swappable in tests.
	now func() time.Time
}

// Opts holds configuration options for the sweeper.
type Opts struct {
	SendHour        int
	OnboardingTTL   time.Duration
	DedupTTL        time.Duration
	DefaultTimezone *time.Location
}

// Option defines a configuration option for the sweeper.
type Option func(*Opts)

// WithSendHour sets the local hour for proactive sends.
func WithSendHour(hour int) Option {
	return func(o *Opts) { o.SendHour = hour }
}

// WithOnboardingTTL overrides the abandoned-onboarding expiry.
func WithOnboardingTTL(d time.Duration) Option {
	return func(o *Opts) { o.OnboardingTTL = d }
}

// WithDedupTTL overrides the dedup marker expiry.
func WithDedupTTL(d time.Duration) Option {
	return func(o *Opts) { o.DedupTTL = d }
}

// WithDefaultTimezone sets the fallback timezone for subscribers without one.
func WithDefaultTimezone(loc *time.Location) Option {
	return func(o *Opts) { o.DefaultTimezone = loc }
}

// NewSweeper creates a fleet sweeper. The lock registry must be the same one
// the inbound pipeline uses, so a proactive send and a webhook turn for the
// same phone never interleave.
func NewSweeper(st store.Store, dedup store.DedupRepo, g *gate.Gate, controller Initiator, msgService messaging.Service, locks *messaging.PhoneLockRegistry, opts ...Option) *Sweeper {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if locks == nil {
		locks = messaging.NewPhoneLockRegistry()
	}
	if cfg.SendHour <= 0 || cfg.SendHour > 23 {
		cfg.SendHour = DefaultProactiveSendHour
	}
	if cfg.OnboardingTTL <= 0 {
		cfg.OnboardingTTL = DefaultOnboardingTTL
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.DefaultTimezone == nil {
		cfg.DefaultTimezone = time.UTC
	}
	return &Sweeper{
		store:           st,
		dedup:           dedup,
		gate:            g,
		controller:      controller,
		msgService:      msgService,
		locks:           locks,
		sendHour:        cfg.SendHour,
		onboardingTTL:   cfg.OnboardingTTL,
		dedupTTL:        cfg.DedupTTL,
		defaultTimezone: cfg.DefaultTimezone,
		now:             time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Sweeper) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Register attaches the sweep and housekeeping jobs to the scheduler.
func (s *Sweeper) Register(sched *Scheduler) error {
	if err := sched.AddJob(SweepCronExpr, s.RunSweep); err != nil {
		return err
	}
	return sched.AddJob(HousekeepingCronExpr, s.RunHousekeeping)
}

// RunSweep performs one fleet pass. Per-subscriber failures are logged and
// skipped; one bad record never blocks the rest of the fleet.
func (s *Sweeper) RunSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultSweepTimeout)
	defer cancel()

	subs, err := s.store.ListSubscribers()
	if err != nil {
		slog.Error("Sweeper subscriber list failed", "error", err)
		return
	}

	now := s.now()
	sent := 0
	for i := range subs {
		if ctx.Err() != nil {
			slog.Warn("Sweeper pass timed out", "processed", i, "total", len(subs))
			return
		}
		if s.sweepOne(ctx, &subs[i], now) {
			sent++
		}
	}
	if sent > 0 {
		slog.Info("Sweeper pass complete", "subscribers", len(subs), "sent", sent)
	}
}

// sweepOne decides and, when due, performs the proactive send for one
// subscriber. Reports whether a message went out.
func (s *Sweeper) sweepOne(ctx context.Context, sub *models.Subscriber, now time.Time) bool {
	loc := timeutil.LoadLocation(sub.Profile.Timezone, s.defaultTimezone)
	if now.In(loc).Hour() != s.sendHour {
		return false
	}

	// Serialize with inbound turns for the same phone. The date claim below
	// stops duplicate proactive sends, but only the lock keeps a webhook turn
	// from interleaving with this one and racing the counter or checkpoint.
	s.locks.Lock(sub.Phone)
	defer s.locks.Unlock(sub.Phone)

	localDate := timeutil.CivilDateOf(now, loc).String()
	if sub.Metadata.LastProactiveSentDate == localDate {
		// Already handled today; the claim below would refuse anyway.
		return false
	}

	allowed, err := s.gate.CanStartConversationToday(sub.Phone)
	if err != nil {
		slog.Error("Sweeper gate check failed", "phone", sub.Phone, "error", err)
		return false
	}
	if !allowed {
		slog.Debug("Sweeper skipping throttled subscriber", "phone", sub.Phone)
		return false
	}

	// Claim the local date first. The store-level compare-and-set is what
	// makes a concurrent sweep (or a second process) send nothing.
	claimed, err := s.store.ClaimProactiveSend(sub.Phone, localDate)
	if err != nil {
		slog.Error("Sweeper claim failed", "phone", sub.Phone, "error", err)
		return false
	}
	if !claimed {
		return false
	}

	opening := s.controller.InitiateConversation(ctx, sub, "", "")
	if err := s.msgService.SendMessage(ctx, sub.Phone, messaging.FormatForWhatsApp(opening)); err != nil {
		slog.Error("Sweeper proactive send failed, releasing claim", "phone", sub.Phone, "error", err)
		if relErr := s.store.ReleaseProactiveSend(sub.Phone, localDate); relErr != nil {
			slog.Error("Sweeper claim release failed", "phone", sub.Phone, "error", relErr)
		}
		return false
	}

	if err := s.gate.IncrementConversationCount(sub.Phone); err != nil {
		slog.Error("Sweeper conversation count increment failed", "phone", sub.Phone, "error", err)
	}
	slog.Info("Sweeper proactive message sent", "phone", sub.Phone, "local_date", localDate)
	return true
}

// RunHousekeeping expires abandoned onboarding records and old dedup markers.
func (s *Sweeper) RunHousekeeping() {
	now := s.now()

	if n, err := s.store.DeleteExpiredOnboarding(now.Add(-s.onboardingTTL)); err != nil {
		slog.Error("Sweeper onboarding expiry failed", "error", err)
	} else if n > 0 {
		slog.Info("Sweeper expired abandoned onboarding records", "count", n)
	}

	if s.dedup == nil {
		return
	}
	if n, err := s.dedup.PurgeDedupBefore(now.Add(-s.dedupTTL)); err != nil {
		slog.Error("Sweeper dedup purge failed", "error", err)
	} else if n > 0 {
		slog.Info("Sweeper purged dedup markers", "count", n)
	}
}
