// Package onboarding turns unstructured first-contact chat into a structured
// subscriber profile.
//
// This file defines the Extractor capability interface and its agent-backed
// implementation. Free-text classification (consent, names, languages) is
// delegated to the conversation agent rather than regexes, so rule-based or
// mocked extractors can be swapped in for tests.
package onboarding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lingopipe/LingoPipe/internal/genai"
)

// ProfileFields holds fields extracted from a single onboarding turn. Empty
// fields mean the turn carried no signal for them.
type ProfileFields struct {
	Name            string   `json:"name,omitempty"`
	NativeLanguages []string `json:"native_languages,omitempty"`
	Timezone        string   `json:"timezone,omitempty"`
}

// Extractor classifies and extracts structured fields from onboarding turns.
type Extractor interface {
	// ClassifyConsent reports whether the reply is affirmative GDPR consent.
	ClassifyConsent(ctx context.Context, text string) (bool, error)

	// ExtractProfile pulls name, native languages, and timezone out of a
	// free-text turn. Missing fields come back empty, not as errors.
	ExtractProfile(ctx context.Context, text string) (ProfileFields, error)

	// ExtractTargetLanguage pulls the language the user wants to learn, or
	// "" when the turn names none.
	ExtractTargetLanguage(ctx context.Context, text string) (string, error)
}

// Extraction prompts for the agent-backed extractor. The agent must answer
// with bare JSON; anything unparseable is treated as no signal.
const (
	consentClassifierPrompt = `You classify whether a chat message is an affirmative consent to data processing.
Reply with exactly one word: "yes" if the message clearly agrees or accepts, otherwise "no".`

	profileExtractorPrompt = `Extract profile fields from the user's message.
Reply with bare JSON only: {"name": string or omit, "native_languages": [lowercase english language names] or omit, "timezone": IANA name or omit}.
Only include fields the message actually states. Do not guess.`

	targetLanguageExtractorPrompt = `Extract the language the user wants to learn or practice from their message.
Reply with bare JSON only: {"target_language": lowercase english language name or omit}.
Only include the field if the message actually states one.`
)

// AgentExtractor implements Extractor on the conversation agent.
type AgentExtractor struct {
	agent genai.ConversationAgent
}

// Compile-time check.
var _ Extractor = (*AgentExtractor)(nil)

// NewAgentExtractor creates an Extractor backed by the given agent.
func NewAgentExtractor(agent genai.ConversationAgent) *AgentExtractor {
	return &AgentExtractor{agent: agent}
}

// ClassifyConsent asks the agent for a yes/no consent judgment.
func (e *AgentExtractor) ClassifyConsent(ctx context.Context, text string) (bool, error) {
	reply, err := e.agent.OneShot(ctx, consentClassifierPrompt, text)
	if err != nil {
		return false, fmt.Errorf("consent classification failed: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(reply))
	return strings.HasPrefix(answer, "yes"), nil
}

// ExtractProfile asks the agent for name/native-language/timezone fields.
func (e *AgentExtractor) ExtractProfile(ctx context.Context, text string) (ProfileFields, error) {
	reply, err := e.agent.OneShot(ctx, profileExtractorPrompt, text)
	if err != nil {
		return ProfileFields{}, fmt.Errorf("profile extraction failed: %w", err)
	}
	var fields ProfileFields
	if err := json.Unmarshal([]byte(cleanJSONReply(reply)), &fields); err != nil {
		slog.Warn("AgentExtractor unparseable profile reply, treating as no signal", "error", err)
		return ProfileFields{}, nil
	}
	for i, lang := range fields.NativeLanguages {
		fields.NativeLanguages[i] = strings.ToLower(strings.TrimSpace(lang))
	}
	return fields, nil
}

// ExtractTargetLanguage asks the agent for the learning target.
func (e *AgentExtractor) ExtractTargetLanguage(ctx context.Context, text string) (string, error) {
	reply, err := e.agent.OneShot(ctx, targetLanguageExtractorPrompt, text)
	if err != nil {
		return "", fmt.Errorf("target language extraction failed: %w", err)
	}
	var out struct {
		TargetLanguage string `json:"target_language"`
	}
	if err := json.Unmarshal([]byte(cleanJSONReply(reply)), &out); err != nil {
		slog.Warn("AgentExtractor unparseable target language reply, treating as no signal", "error", err)
		return "", nil
	}
	return strings.ToLower(strings.TrimSpace(out.TargetLanguage)), nil
}

// cleanJSONReply strips markdown code fences some models wrap around JSON.
func cleanJSONReply(reply string) string {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	return strings.TrimSpace(reply)
}
