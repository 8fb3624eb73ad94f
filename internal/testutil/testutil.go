// Package testutil provides common test fakes and helpers for LingoPipe
// tests.
package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/lingopipe/LingoPipe/internal/models"
	"github.com/lingopipe/LingoPipe/internal/onboarding"
)

// ScriptedAgent implements genai.ConversationAgent with canned replies.
// Replies are consumed in order; when the script runs out, the last reply
// repeats. A configured error is returned instead when set.
type ScriptedAgent struct {
	mu      sync.Mutex
	Replies []string
	Err     error

	// Calls records every invocation's system prompt for assertions.
	Calls []string
	next  int
}

// Invoke returns the next scripted reply.
func (a *ScriptedAgent) Invoke(ctx context.Context, history []models.AgentMessage, systemPrompt string) (string, error) {
	return a.reply(systemPrompt)
}

// OneShot returns the next scripted reply.
func (a *ScriptedAgent) OneShot(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return a.reply(systemPrompt)
}

func (a *ScriptedAgent) reply(systemPrompt string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, systemPrompt)
	if a.Err != nil {
		return "", a.Err
	}
	if len(a.Replies) == 0 {
		return "ok", nil
	}
	if a.next >= len(a.Replies) {
		return a.Replies[len(a.Replies)-1], nil
	}
	r := a.Replies[a.next]
	a.next++
	return r, nil
}

// knownLanguages is the vocabulary the rule-based extractor recognizes.
var knownLanguages = []string{
	"english", "german", "spanish", "french", "italian", "portuguese",
	"dutch", "polish", "russian", "turkish", "japanese", "korean", "mandarin",
}

var nameRegex = regexp.MustCompile(`(?i)my name is ([A-Za-z]+)`)

// RuleExtractor is a deterministic onboarding.Extractor for tests. It
// replaces the agent-backed extractor so onboarding scenarios do not depend
// on model output.
type RuleExtractor struct{}

// Compile-time check.
var _ onboarding.Extractor = (*RuleExtractor)(nil)

// ClassifyConsent treats accept/agree/yes as consent.
func (RuleExtractor) ClassifyConsent(ctx context.Context, text string) (bool, error) {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "accept") || strings.Contains(lower, "agree") || strings.Contains(lower, "yes"), nil
}

// ExtractProfile pulls "my name is X" and any known language names.
func (RuleExtractor) ExtractProfile(ctx context.Context, text string) (onboarding.ProfileFields, error) {
	var fields onboarding.ProfileFields
	if m := nameRegex.FindStringSubmatch(text); m != nil {
		fields.Name = m[1]
	}
	lower := strings.ToLower(text)
	for _, lang := range knownLanguages {
		if strings.Contains(lower, lang) {
			fields.NativeLanguages = append(fields.NativeLanguages, lang)
		}
	}
	return fields, nil
}

// ExtractTargetLanguage returns the first known language named in the text.
func (RuleExtractor) ExtractTargetLanguage(ctx context.Context, text string) (string, error) {
	lower := strings.ToLower(text)
	for _, lang := range knownLanguages {
		if strings.Contains(lower, lang) {
			return lang, nil
		}
	}
	return "", nil
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONField checks one string field of a decoded JSON object.
func AssertJSONField(t *testing.T, obj map[string]interface{}, field, expected string) {
	t.Helper()
	got, ok := obj[field].(string)
	if !ok {
		t.Fatalf("field %q missing or not a string: %v", field, obj[field])
	}
	if got != expected {
		t.Errorf("field %q: expected %q, got %q", field, expected, got)
	}
}

// RecorderBody formats a response body for failure messages.
func RecorderBody(rr *httptest.ResponseRecorder) string {
	return fmt.Sprintf("body: %s", rr.Body.String())
}
