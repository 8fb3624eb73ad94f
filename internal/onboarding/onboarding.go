// Package onboarding turns unstructured first-contact chat into a structured
// subscriber profile.
//
// The machine walks a fixed linear step order with no back-edges:
// gdpr_consent -> profile_gathering -> target_language -> explaining_features
// -> assessment_conversation -> completed. The per-phone OnboardingState row
// exists only while onboarding is incomplete; completing it materializes the
// Subscriber record and deletes the row in the same operation.
package onboarding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lingopipe/LingoPipe/internal/models"
	"github.com/lingopipe/LingoPipe/internal/store"
)

// DefaultMinAssessmentExchanges gates completion: the assessment conversation
// must have at least this many user turns before the level judgment (made by
// the collaborator agent) may complete onboarding.
const DefaultMinAssessmentExchanges = 4

// Step reply templates. The consent explanation may be redrafted by the
// agent at the API layer; these are the deterministic fallbacks the machine
// itself guarantees.
const (
	ReplyConsentRequest = "Hi! I'm your language practice partner. Before we start, I need your consent to store your name, languages, and timezone so I can personalize our chats. Reply with something like \"I accept\" to continue. You can ask me to delete your data at any time."
	ReplyConsentRepeat  = "No problem - just to be clear, I can only continue once you agree to me storing your profile. Reply \"I accept\" whenever you're ready."
	ReplyAskProfile     = "Great, thank you! What's your name, and which languages do you speak fluently?"
	ReplyProfilePartial = "Thanks! I still need a bit more: your name and at least one language you speak fluently."
	ReplyAskTarget      = "Nice to meet you! Which language would you like to practice with me?"
	ReplyTargetRepeat   = "Which language would you like to learn or practice? For example: \"I'm learning Spanish\"."
	ReplyFeatures       = "Here's how this works: we chat every day in your target language, I correct your mistakes gently, and I'll check in once a day so you keep your streak going. Ready? Let's see where you're at - send me a message in your target language!"
	ReplyAssessment     = "Let's keep going - tell me a bit more, in your target language if you can!"
)

// Machine is the onboarding state machine. Advance is effectively serialized
// per phone by the caller; the machine itself never holds locks across
// extractor calls.
type Machine struct {
	store     store.Store
	extractor Extractor

	minAssessmentExchanges int
	now                    func() time.Time
}

// Opts holds configuration options for the onboarding machine.
type Opts struct {
	MinAssessmentExchanges int
}

// Option defines a configuration option for the onboarding machine.
type Option func(*Opts)

// WithMinAssessmentExchanges overrides the completion gate.
func WithMinAssessmentExchanges(n int) Option {
	return func(o *Opts) { o.MinAssessmentExchanges = n }
}

// New creates an onboarding machine.
func New(st store.Store, extractor Extractor, opts ...Option) *Machine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MinAssessmentExchanges <= 0 {
		cfg.MinAssessmentExchanges = DefaultMinAssessmentExchanges
	}
	return &Machine{
		store:                  st,
		extractor:              extractor,
		minAssessmentExchanges: cfg.MinAssessmentExchanges,
		now:                    time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (m *Machine) SetNowFunc(now func() time.Time) {
	m.now = now
}

// InProgress reports whether a phone has an onboarding record.
func (m *Machine) InProgress(phone string) (bool, error) {
	st, err := m.store.GetOnboardingState(phone)
	if err != nil {
		return false, err
	}
	return st != nil, nil
}

// Advance processes one inbound turn for a phone and returns the reply to
// send plus the state after the turn. A turn that yields no new signal is an
// idempotent no-op: the state is unchanged and the current step's prompt is
// repeated. Advance never fails on extraction problems; it only returns an
// error when the store itself does.
func (m *Machine) Advance(ctx context.Context, phone, incomingText string) (string, models.OnboardingState, error) {
	st, err := m.store.GetOnboardingState(phone)
	if err != nil {
		return "", models.OnboardingState{}, fmt.Errorf("onboarding advance failed for %s: %w", phone, err)
	}

	now := m.now()
	if st == nil {
		// First contact from an unknown phone: create the record and ask for
		// consent. The first message itself is not classified; nothing about
		// the user is stored beyond the phone that contacted us.
		st = &models.OnboardingState{
			Phone:       phone,
			CurrentStep: models.StepGDPRConsent,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := m.store.SaveOnboardingState(*st); err != nil {
			return "", models.OnboardingState{}, fmt.Errorf("onboarding create failed for %s: %w", phone, err)
		}
		slog.Info("Onboarding started", "phone", phone)
		return ReplyConsentRequest, *st, nil
	}

	var reply string
	switch st.CurrentStep {
	case models.StepGDPRConsent:
		reply = m.advanceConsent(ctx, st, incomingText)
	case models.StepProfileGathering:
		reply = m.advanceProfile(ctx, st, incomingText)
	case models.StepTargetLanguage:
		reply = m.advanceTarget(ctx, st, incomingText)
	case models.StepExplainingFeatures:
		// Fixed informational step: the next turn advances unconditionally.
		m.transition(st, models.StepAssessmentConversation)
		st.TempData.AssessmentStarted = true
		reply = ReplyFeatures
	case models.StepAssessmentConversation:
		st.TempData.MessagesInAssessment++
		reply = ReplyAssessment
	default:
		slog.Error("Onboarding in unexpected step", "phone", phone, "step", st.CurrentStep)
		reply = ReplyAssessment
	}

	st.UpdatedAt = m.now()
	if err := m.store.SaveOnboardingState(*st); err != nil {
		return "", models.OnboardingState{}, fmt.Errorf("onboarding save failed for %s: %w", phone, err)
	}
	return reply, *st, nil
}

// advanceConsent handles the gdpr_consent step. Until consent is classified
// affirmative, no personal field is written to temp data even if the message
// happens to contain one.
func (m *Machine) advanceConsent(ctx context.Context, st *models.OnboardingState, text string) string {
	consented, err := m.extractor.ClassifyConsent(ctx, text)
	if err != nil {
		slog.Warn("Onboarding consent classification error, repeating prompt", "phone", st.Phone, "error", err)
		return ReplyConsentRepeat
	}
	if !consented {
		return ReplyConsentRepeat
	}
	st.GDPRConsented = true
	m.transition(st, models.StepProfileGathering)
	return ReplyAskProfile
}

// advanceProfile handles profile_gathering: partial extraction is persisted
// incrementally and re-attempted on subsequent turns.
func (m *Machine) advanceProfile(ctx context.Context, st *models.OnboardingState, text string) string {
	fields, err := m.extractor.ExtractProfile(ctx, text)
	if err != nil {
		slog.Warn("Onboarding profile extraction error, repeating prompt", "phone", st.Phone, "error", err)
		return ReplyProfilePartial
	}
	if fields.Name != "" {
		st.TempData.Name = fields.Name
	}
	if len(fields.NativeLanguages) > 0 {
		st.TempData.NativeLanguages = mergeLanguages(st.TempData.NativeLanguages, fields.NativeLanguages)
	}
	if fields.Timezone != "" {
		st.TempData.Timezone = fields.Timezone
	}
	if st.TempData.Name != "" && len(st.TempData.NativeLanguages) > 0 {
		m.transition(st, models.StepTargetLanguage)
		return ReplyAskTarget
	}
	return ReplyProfilePartial
}

// advanceTarget handles the target_language step.
func (m *Machine) advanceTarget(ctx context.Context, st *models.OnboardingState, text string) string {
	target, err := m.extractor.ExtractTargetLanguage(ctx, text)
	if err != nil {
		slog.Warn("Onboarding target extraction error, repeating prompt", "phone", st.Phone, "error", err)
		return ReplyTargetRepeat
	}
	if target == "" {
		return ReplyTargetRepeat
	}
	st.TempData.TargetLanguage = target
	m.transition(st, models.StepExplainingFeatures)
	return ReplyFeatures
}

// CanComplete reports whether the assessment has accumulated enough
// exchanges for the collaborator's level judgment to finish onboarding.
func (m *Machine) CanComplete(phone string) (bool, error) {
	st, err := m.store.GetOnboardingState(phone)
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, models.ErrOnboardingNotFound
	}
	return st.CurrentStep == models.StepAssessmentConversation &&
		st.TempData.MessagesInAssessment >= m.minAssessmentExchanges, nil
}

// Complete materializes the Subscriber from temp data and deletes the
// onboarding record. It is the explicit, externally triggered final
// transition; it is not automatic on a message count. Missing required
// fields are a hard error and leave the onboarding state untouched.
func (m *Machine) Complete(ctx context.Context, phone string, assessedLevel string) (*models.Subscriber, error) {
	st, err := m.store.GetOnboardingState(phone)
	if err != nil {
		return nil, fmt.Errorf("onboarding complete failed for %s: %w", phone, err)
	}
	if st == nil {
		return nil, models.ErrOnboardingNotFound
	}
	ok, err := m.CanComplete(phone)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("onboarding for %s not ready to complete: %w", phone, models.ErrOnboardingIncomplete)
	}
	if st.TempData.Name == "" || len(st.TempData.NativeLanguages) == 0 || st.TempData.TargetLanguage == "" {
		return nil, fmt.Errorf("onboarding for %s missing required fields: %w", phone, models.ErrOnboardingIncomplete)
	}

	now := m.now()
	speaking := make([]models.LanguageSkill, 0, len(st.TempData.NativeLanguages))
	for _, lang := range st.TempData.NativeLanguages {
		// Native languages carry no assessed level.
		speaking = append(speaking, models.LanguageSkill{Language: lang})
	}
	sub := models.Subscriber{
		Phone: phone,
		Profile: models.Profile{
			Name:              st.TempData.Name,
			SpeakingLanguages: speaking,
			LearningLanguages: []models.LanguageSkill{{Language: st.TempData.TargetLanguage, Level: assessedLevel}},
			Timezone:          st.TempData.Timezone,
		},
		Metadata: models.Metadata{
			SignupTimestamp: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSubscriber(sub); err != nil {
		return nil, fmt.Errorf("onboarding subscriber creation failed for %s: %w", phone, err)
	}

	// Creation extinguishes the onboarding record, and continuity is reset so
	// the next proactive message looks like a fresh day-one session.
	if err := m.store.DeleteOnboardingState(phone); err != nil {
		slog.Error("Onboarding state cleanup failed after completion", "phone", phone, "error", err)
	}
	if err := m.store.DeleteCheckpoint(phone); err != nil {
		slog.Error("Checkpoint cleanup failed after completion", "phone", phone, "error", err)
	}
	slog.Info("Onboarding completed", "phone", phone, "target_language", st.TempData.TargetLanguage)
	return &sub, nil
}

// transition advances the step, enforcing the forward-only order.
func (m *Machine) transition(st *models.OnboardingState, to models.OnboardingStep) {
	if models.StepIndex(to) < models.StepIndex(st.CurrentStep) {
		// Steps never move backwards; refusing is safer than corrupting.
		slog.Error("Onboarding refusing backwards transition", "phone", st.Phone, "from", st.CurrentStep, "to", to)
		return
	}
	slog.Info("Onboarding step transition", "phone", st.Phone, "from", st.CurrentStep, "to", to)
	st.CurrentStep = to
}

// mergeLanguages appends newly seen languages, preserving order and
// deduplicating.
func mergeLanguages(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, l := range existing {
		seen[l] = true
	}
	for _, l := range incoming {
		if l != "" && !seen[l] {
			existing = append(existing, l)
			seen[l] = true
		}
	}
	return existing
}
