// Package conversation decides whether an inbound message continues an
// existing session or restarts one, builds time-aware context for session
// starts, and delegates the actual dialogue to the conversation agent.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lingopipe/LingoPipe/internal/genai"
	"github.com/lingopipe/LingoPipe/internal/models"
	"github.com/lingopipe/LingoPipe/internal/store"
	"github.com/lingopipe/LingoPipe/internal/timeutil"
	"github.com/lingopipe/LingoPipe/internal/tone"
)

// ApologyMessage is the fixed user-visible fallback when conversation
// initiation cannot reach the agent. Initiation failures must still deliver
// something; see the error-handling note on Initiate vs ProcessUserMessage.
const ApologyMessage = "Sorry, I'm having trouble putting my thoughts together right now. Give me a moment and message me again!"

// DefaultSessionIdleExpiry is how long a checkpoint stays "active" after its
// last message. Beyond this the next message starts a fresh session.
const DefaultSessionIdleExpiry = 24 * time.Hour

// defaultBasePrompt frames the agent as a language practice partner. The
// subscriber profile and session context are appended per call.
const defaultBasePrompt = `You are a friendly language practice partner chatting over WhatsApp.
Keep replies short and conversational, like text messages. Gently correct mistakes.
Prefer the user's target language, falling back to a shared language when they struggle.`

// Controller is the conversation session controller.
type Controller struct {
	store store.Store
	agent genai.ConversationAgent

	basePrompt        string
	sessionIdleExpiry time.Duration
	defaultTimezone   *time.Location

	// now is swappable in tests.
	now func() time.Time
}

// Opts holds configuration options for the controller.
type Opts struct {
	BasePrompt        string
	SessionIdleExpiry time.Duration
	DefaultTimezone   *time.Location
}

// Option defines a configuration option for the controller.
type Option func(*Opts)

// WithBasePrompt overrides the base system prompt.
func WithBasePrompt(p string) Option {
	return func(o *Opts) { o.BasePrompt = p }
}

// WithSessionIdleExpiry overrides the session idle expiry.
func WithSessionIdleExpiry(d time.Duration) Option {
	return func(o *Opts) { o.SessionIdleExpiry = d }
}

// WithDefaultTimezone sets the fallback timezone for local-hour decisions.
func WithDefaultTimezone(loc *time.Location) Option {
	return func(o *Opts) { o.DefaultTimezone = loc }
}

// New creates a session controller.
func New(st store.Store, agent genai.ConversationAgent, opts ...Option) *Controller {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BasePrompt == "" {
		cfg.BasePrompt = defaultBasePrompt
	}
	if cfg.SessionIdleExpiry <= 0 {
		cfg.SessionIdleExpiry = DefaultSessionIdleExpiry
	}
	if cfg.DefaultTimezone == nil {
		cfg.DefaultTimezone = time.UTC
	}
	return &Controller{
		store:             st,
		agent:             agent,
		basePrompt:        cfg.BasePrompt,
		sessionIdleExpiry: cfg.SessionIdleExpiry,
		defaultTimezone:   cfg.DefaultTimezone,
		now:               time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (c *Controller) SetNowFunc(now func() time.Time) {
	c.now = now
}

// CurrentlyInActiveConversation reports whether a checkpoint exists and has
// not logically expired.
func (c *Controller) CurrentlyInActiveConversation(phone string) bool {
	cp, err := c.store.GetCheckpoint(phone)
	if err != nil {
		slog.Error("Controller checkpoint lookup failed", "phone", phone, "error", err)
		return false
	}
	if cp == nil {
		return false
	}
	return c.now().Sub(cp.LastMessageAt) < c.sessionIdleExpiry
}

// ClearConversation removes the checkpoint so the next message starts fresh.
func (c *Controller) ClearConversation(phone string) error {
	if err := c.store.DeleteCheckpoint(phone); err != nil {
		return fmt.Errorf("clear conversation failed for %s: %w", phone, err)
	}
	slog.Debug("Controller conversation cleared", "phone", phone)
	return nil
}

// RecordDigest appends a topic/summary digest for a finished conversation.
func (c *Controller) RecordDigest(phone, topic, summary string) error {
	d := models.Digest{Topic: topic, Summary: summary, Timestamp: c.now()}
	if err := c.store.AppendDigest(phone, d); err != nil {
		return fmt.Errorf("record digest failed for %s: %w", phone, err)
	}
	return nil
}

// InitiateConversation starts (or restarts) a session for the subscriber and
// returns the assistant's opening text. humanMessage may be empty for
// scheduler-driven proactive starts.
//
// Agent errors and timeouts are converted to ApologyMessage and swallowed:
// an initiation must always deliver something to the user. This is
// deliberately asymmetric with ProcessUserMessage, which re-raises so the
// caller can route retries and error messages.
func (c *Controller) InitiateConversation(ctx context.Context, sub *models.Subscriber, humanMessage, systemPromptOverride string) string {
	reply, err := c.startSession(ctx, sub, humanMessage, systemPromptOverride)
	if err != nil {
		slog.Error("Controller initiation degraded to apology", "phone", sub.Phone, "error", err)
		return ApologyMessage
	}
	return reply
}

// ProcessUserMessage handles an inbound turn. When a session is active it
// continues it; otherwise it starts a new one with time-aware context.
// Agent errors are returned to the caller (see InitiateConversation).
func (c *Controller) ProcessUserMessage(ctx context.Context, sub *models.Subscriber, humanMessage, systemPromptOverride string) (string, error) {
	cp, err := c.store.GetCheckpoint(sub.Phone)
	if err != nil {
		return "", fmt.Errorf("process message failed for %s: %w", sub.Phone, err)
	}
	now := c.now()
	if cp == nil || now.Sub(cp.LastMessageAt) >= c.sessionIdleExpiry {
		return c.startSession(ctx, sub, humanMessage, systemPromptOverride)
	}

	// Active session: append the turn and continue with the base prompt.
	cp.Messages = append(cp.Messages, models.AgentMessage{Role: models.RoleUser, Content: humanMessage, Timestamp: now})
	prompt := c.basePrompt + "\n" + profileContext(sub)
	if systemPromptOverride != "" {
		prompt = systemPromptOverride
	}
	reply, err := c.agent.Invoke(ctx, cp.Messages, prompt)
	if err != nil {
		return "", fmt.Errorf("agent turn failed for %s: %w", sub.Phone, err)
	}
	cp.Messages = append(cp.Messages, models.AgentMessage{Role: models.RoleAssistant, Content: reply, Timestamp: c.now()})
	cp.LastMessageAt = c.now()
	if err := c.store.SaveCheckpoint(*cp); err != nil {
		return "", fmt.Errorf("checkpoint save failed for %s: %w", sub.Phone, err)
	}
	return reply, nil
}

// startSession builds the time-aware context prompt, opens a fresh
// checkpoint, and asks the agent for the opening turn.
func (c *Controller) startSession(ctx context.Context, sub *models.Subscriber, humanMessage, systemPromptOverride string) (string, error) {
	now := c.now()
	loc := timeutil.LoadLocation(sub.Profile.Timezone, c.defaultTimezone)

	prompt := systemPromptOverride
	if prompt == "" {
		prompt = c.basePrompt + "\n" + profileContext(sub) + "\n" + c.sessionContextGuide(sub, now, loc)
	}

	var history []models.AgentMessage
	if humanMessage != "" {
		history = append(history, models.AgentMessage{Role: models.RoleUser, Content: humanMessage, Timestamp: now})
	}

	reply, err := c.agent.Invoke(ctx, history, prompt)
	if err != nil {
		return "", fmt.Errorf("agent initiation failed for %s: %w", sub.Phone, err)
	}

	cp := models.Checkpoint{
		Phone:                 sub.Phone,
		Messages:              append(history, models.AgentMessage{Role: models.RoleAssistant, Content: reply, Timestamp: c.now()}),
		ConversationStartedAt: now,
		LastMessageAt:         c.now(),
	}
	if err := c.store.SaveCheckpoint(cp); err != nil {
		return "", fmt.Errorf("checkpoint save failed for %s: %w", sub.Phone, err)
	}
	if err := c.updateStreak(sub, now, loc); err != nil {
		// Streaks are engagement bookkeeping; a failure must not lose the reply.
		slog.Error("Controller streak update failed", "phone", sub.Phone, "error", err)
	}
	slog.Info("Controller session started", "phone", sub.Phone)
	return reply, nil
}

// sessionContextGuide derives the tone guide from the previous checkpoint
// (if any), the subscriber's local hour, and the latest digest topic.
func (c *Controller) sessionContextGuide(sub *models.Subscriber, now time.Time, loc *time.Location) string {
	sc := tone.SessionContext{
		LocalHour: now.In(loc).Hour(),
	}
	if n := len(sub.Metadata.Digests); n > 0 {
		sc.LastDigestTopic = sub.Metadata.Digests[n-1].Topic
	}
	if cp, err := c.store.GetCheckpoint(sub.Phone); err == nil && cp != nil {
		sc.ConversationMinutes = int(now.Sub(cp.ConversationStartedAt).Minutes())
		sc.GapMinutes = int(now.Sub(cp.LastMessageAt).Minutes())
	} else {
		// No prior session on record: treat as a long absence.
		sc.GapMinutes = int(DefaultSessionIdleExpiry.Minutes())
	}
	return tone.BuildGuide(sc)
}

// updateStreak advances the practice streak on session start: consecutive
// local days extend it, a same-day start leaves it, anything else resets it.
func (c *Controller) updateStreak(sub *models.Subscriber, now time.Time, loc *time.Location) error {
	streak := sub.Metadata.Streak
	last := streak.LastActiveDate
	switch {
	case last == nil:
		streak.CurrentStreak = 1
	case timeutil.SameCivilDay(*last, now, loc):
		// Already counted today.
	case timeutil.DaysBetween(*last, now, loc) == 1:
		streak.CurrentStreak++
	default:
		streak.CurrentStreak = 1
	}
	if streak.CurrentStreak > streak.LongestStreak {
		streak.LongestStreak = streak.CurrentStreak
	}
	t := now
	streak.LastActiveDate = &t
	return c.store.UpdateStreak(sub.Phone, streak)
}

// profileContext renders the subscriber profile for the system prompt.
func profileContext(sub *models.Subscriber) string {
	ctx := "<USER PROFILE>\n"
	if sub.Profile.Name != "" {
		ctx += "Name: " + sub.Profile.Name + "\n"
	}
	if len(sub.Profile.SpeakingLanguages) > 0 {
		ctx += "Speaks:"
		for _, l := range sub.Profile.SpeakingLanguages {
			ctx += " " + l.Language
		}
		ctx += "\n"
	}
	if len(sub.Profile.LearningLanguages) > 0 {
		ctx += "Learning:"
		for _, l := range sub.Profile.LearningLanguages {
			ctx += " " + l.Language
			if l.Level != "" {
				ctx += " (" + l.Level + ")"
			}
		}
		ctx += "\n"
	}
	ctx += "</USER PROFILE>"
	return ctx
}
