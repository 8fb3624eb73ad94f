// Package models defines the core data structures for LingoPipe.
//
// It includes the Subscriber record, onboarding state, conversation
// checkpoints, and webhook payload types shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum accepted inbound message length
	MaxMessageBodyLength = 4096
	// MinPhoneDigits defines the minimum number of digits in a canonical phone number
	MinPhoneDigits = 6
)

// Error variables for better error handling and testability
var (
	ErrEmptyPhone           = errors.New("phone cannot be empty")
	ErrEmptyMessageID       = errors.New("message id cannot be empty")
	ErrMessageBodyTooLong   = errors.New("message body exceeds maximum length")
	ErrSubscriberNotFound   = errors.New("subscriber not found")
	ErrSubscriberExists     = errors.New("subscriber already exists")
	ErrOnboardingNotFound   = errors.New("onboarding state not found")
	ErrOnboardingIncomplete = errors.New("onboarding temp data missing required fields")
	ErrInvalidStepOrder     = errors.New("onboarding steps cannot move backwards")
)

// OnboardingStep identifies a stage of the onboarding flow.
type OnboardingStep string

const (
	// StepGDPRConsent waits for the user to accept data processing.
	StepGDPRConsent OnboardingStep = "gdpr_consent"
	// StepProfileGathering collects name and native languages.
	StepProfileGathering OnboardingStep = "profile_gathering"
	// StepTargetLanguage collects the language the user wants to practice.
	StepTargetLanguage OnboardingStep = "target_language"
	// StepExplainingFeatures is a fixed informational step.
	StepExplainingFeatures OnboardingStep = "explaining_features"
	// StepAssessmentConversation runs the initial level-assessment chat.
	StepAssessmentConversation OnboardingStep = "assessment_conversation"
	// StepCompleted marks a finished onboarding; the state row is deleted at
	// the same moment the Subscriber record is created.
	StepCompleted OnboardingStep = "completed"
)

// stepOrder fixes the total order of onboarding steps. Steps only ever
// advance; there are no back-edges.
var stepOrder = map[OnboardingStep]int{
	StepGDPRConsent:            0,
	StepProfileGathering:       1,
	StepTargetLanguage:         2,
	StepExplainingFeatures:     3,
	StepAssessmentConversation: 4,
	StepCompleted:              5,
}

// StepIndex returns the position of a step in the fixed onboarding order,
// or -1 for an unknown step.
func StepIndex(s OnboardingStep) int {
	if idx, ok := stepOrder[s]; ok {
		return idx
	}
	return -1
}

// IsValidStep checks if the given onboarding step is supported.
func IsValidStep(s OnboardingStep) bool {
	return StepIndex(s) >= 0
}

// OnboardingTempData accumulates profile fields extracted during onboarding.
// Nothing is written here before GDPR consent is recorded.
type OnboardingTempData struct {
	Name                 string   `json:"name,omitempty"`
	NativeLanguages      []string `json:"native_languages,omitempty"`
	Timezone             string   `json:"timezone,omitempty"`
	TargetLanguage       string   `json:"target_language,omitempty"`
	AssessmentStarted    bool     `json:"assessment_started,omitempty"`
	MessagesInAssessment int      `json:"messages_in_assessment,omitempty"`
}

// OnboardingState is the per-phone onboarding record. Its presence is itself
// meaningful: a phone with no OnboardingState and no Subscriber is unknown; a
// phone with an OnboardingState is mid-onboarding. The record is deleted, not
// flagged, when StepCompleted is reached.
type OnboardingState struct {
	Phone         string             `json:"phone"`
	CurrentStep   OnboardingStep     `json:"current_step"`
	GDPRConsented bool               `json:"gdpr_consented"`
	TempData      OnboardingTempData `json:"temp_data"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// LanguageSkill pairs a language with an assessed level. Levels default to
// unassessed until the assessment conversation produces a judgment.
type LanguageSkill struct {
	Language string `json:"language"`
	Level    string `json:"level,omitempty"` // e.g. "A2", empty = unassessed
}

// Profile holds the structured subscriber profile produced by onboarding.
type Profile struct {
	Name              string          `json:"name"`
	SpeakingLanguages []LanguageSkill `json:"speaking_languages"`
	LearningLanguages []LanguageSkill `json:"learning_languages"`
	Timezone          string          `json:"timezone,omitempty"` // e.g. "America/New_York"
}

// Digest is a stored summary of a past conversation, used to give continuity
// context to future sessions.
type Digest struct {
	Topic     string    `json:"topic"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// StreakData tracks consecutive practice days.
type StreakData struct {
	CurrentStreak  int        `json:"current_streak"`
	LongestStreak  int        `json:"longest_streak"`
	LastActiveDate *time.Time `json:"last_active_date,omitempty"`
}

// Metadata holds trial/usage counters and engagement bookkeeping for a
// subscriber. Counter mutations go through atomic store primitives, never
// read-modify-write in application code.
type Metadata struct {
	SignupTimestamp           time.Time  `json:"signup_timestamp"`
	IsPremium                 bool       `json:"is_premium"`
	ConversationsStartedToday int        `json:"conversations_started_today"`
	LastConversationDate      *time.Time `json:"last_conversation_date,omitempty"`
	Digests                   []Digest   `json:"digests,omitempty"`
	Streak                    StreakData `json:"streak"`
	// LastProactiveSentDate is the local civil date (YYYY-MM-DD) of the most
	// recent scheduler-initiated message, preventing more than one per day.
	LastProactiveSentDate string `json:"last_proactive_sent_date,omitempty"`
}

// Subscriber is the durable per-phone record owned by the store.
type Subscriber struct {
	Phone     string    `json:"phone"`
	Profile   Profile   `json:"profile"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate performs basic validation on a Subscriber record.
func (s *Subscriber) Validate() error {
	if s.Phone == "" {
		return ErrEmptyPhone
	}
	return nil
}

// AgentRole tags a message in agent-bound conversation history.
type AgentRole string

const (
	// RoleSystem carries instructions for the conversation agent.
	RoleSystem AgentRole = "system"
	// RoleUser is a message authored by the subscriber.
	RoleUser AgentRole = "user"
	// RoleAssistant is a message authored by the bot.
	RoleAssistant AgentRole = "assistant"
)

// AgentMessage is a single role-tagged message passed to the conversation
// agent collaborator.
type AgentMessage struct {
	Role      AgentRole `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Checkpoint is the persisted conversation history plus session metadata
// consumed by the session controller. The controller reads and appends but
// does not define its storage format; that belongs to the store backends.
type Checkpoint struct {
	Phone                 string         `json:"phone"`
	Messages              []AgentMessage `json:"messages"`
	ConversationStartedAt time.Time      `json:"conversation_started_at"`
	LastMessageAt         time.Time      `json:"last_message_at"`
}

// WebhookMessageType identifies the payload kind of an inbound message.
type WebhookMessageType string

const (
	// WebhookMessageText is a plain text message.
	WebhookMessageText WebhookMessageType = "text"
	// WebhookMessageUnsupported covers media and other payloads the bot does
	// not process; they still get a fixed reply and a read receipt.
	WebhookMessageUnsupported WebhookMessageType = "unsupported"
)

// WebhookText wraps the text body of an inbound message.
type WebhookText struct {
	Body string `json:"body"`
}

// WebhookMessage is the abstracted inbound webhook payload.
type WebhookMessage struct {
	From string             `json:"from"`
	ID   string             `json:"id"`
	Type WebhookMessageType `json:"type"`
	Text *WebhookText       `json:"text,omitempty"`
}

// Validate checks the inbound payload for the fields every path requires.
func (m *WebhookMessage) Validate() error {
	if m.From == "" {
		return ErrEmptyPhone
	}
	if m.ID == "" {
		return ErrEmptyMessageID
	}
	if m.Type == WebhookMessageText {
		if m.Text != nil && len(m.Text.Body) > MaxMessageBodyLength {
			return ErrMessageBodyTooLong
		}
	}
	return nil
}

// Body returns the text body of a text message, or "" for other types.
func (m *WebhookMessage) Body() string {
	if m.Type != WebhookMessageText || m.Text == nil {
		return ""
	}
	return m.Text.Body
}

// MessageStatus represents the delivery state of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the provider accepted the message.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message reached the device.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the recipient read the message.
	MessageStatusRead MessageStatus = "read"
)

// Receipt is a delivery status event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
