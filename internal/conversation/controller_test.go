package conversation_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lingopipe/LingoPipe/internal/conversation"
	"github.com/lingopipe/LingoPipe/internal/models"
	"github.com/lingopipe/LingoPipe/internal/store"
	"github.com/lingopipe/LingoPipe/internal/testutil"
)

func newController(t *testing.T, agent *testutil.ScriptedAgent, now time.Time) (*conversation.Controller, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	c := conversation.New(st, agent)
	c.SetNowFunc(func() time.Time { return now })
	return c, st
}

func testSubscriber(phone string) models.Subscriber {
	return models.Subscriber{
		Phone: phone,
		Profile: models.Profile{
			Name:              "Ben",
			SpeakingLanguages: []models.LanguageSkill{{Language: "english"}},
			LearningLanguages: []models.LanguageSkill{{Language: "spanish", Level: "A2"}},
		},
		Metadata: models.Metadata{SignupTimestamp: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)},
	}
}

func TestInitiateConversationSwallowsAgentErrors(t *testing.T) {
	agent := &testutil.ScriptedAgent{Err: errors.New("model down")}
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	c, st := newController(t, agent, now)
	sub := testSubscriber("15550001")
	if err := st.CreateSubscriber(sub); err != nil {
		t.Fatal(err)
	}

	got := c.InitiateConversation(context.Background(), &sub, "", "")
	if got != conversation.ApologyMessage {
		t.Errorf("expected apology fallback, got %q", got)
	}
	// A failed initiation must not leave a checkpoint behind.
	if cp, _ := st.GetCheckpoint(sub.Phone); cp != nil {
		t.Error("failed initiation should not persist a checkpoint")
	}
}

func TestProcessUserMessageRaisesAgentErrors(t *testing.T) {
	agent := &testutil.ScriptedAgent{Err: errors.New("model down")}
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	c, st := newController(t, agent, now)
	sub := testSubscriber("15550002")
	if err := st.CreateSubscriber(sub); err != nil {
		t.Fatal(err)
	}

	_, err := c.ProcessUserMessage(context.Background(), &sub, "hola", "")
	if err == nil {
		t.Error("expected agent error to propagate")
	}
}

func TestProcessUserMessageStartsAndContinuesSession(t *testing.T) {
	agent := &testutil.ScriptedAgent{Replies: []string{"¡Hola Ben!", "Muy bien."}}
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	c, st := newController(t, agent, now)
	sub := testSubscriber("15550003")
	if err := st.CreateSubscriber(sub); err != nil {
		t.Fatal(err)
	}

	reply, err := c.ProcessUserMessage(context.Background(), &sub, "hola", "")
	if err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if reply != "¡Hola Ben!" {
		t.Errorf("reply = %q", reply)
	}
	if !c.CurrentlyInActiveConversation(sub.Phone) {
		t.Fatal("expected active conversation after first turn")
	}

	cp, err := st.GetCheckpoint(sub.Phone)
	if err != nil || cp == nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
	if len(cp.Messages) != 2 {
		t.Fatalf("checkpoint has %d messages, want 2", len(cp.Messages))
	}

	if _, err := c.ProcessUserMessage(context.Background(), &sub, "estoy bien", ""); err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	cp, _ = st.GetCheckpoint(sub.Phone)
	if len(cp.Messages) != 4 {
		t.Errorf("checkpoint has %d messages after second turn, want 4", len(cp.Messages))
	}

	// The continuation turn must not re-inject session context.
	lastPrompt := agent.Calls[len(agent.Calls)-1]
	if strings.Contains(lastPrompt, "<SESSION CONTEXT>") {
		t.Error("continuation turn should not rebuild session context")
	}
}

func TestSessionContextInjectedOnStart(t *testing.T) {
	agent := &testutil.ScriptedAgent{Replies: []string{"hello again"}}
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	c, st := newController(t, agent, now)
	sub := testSubscriber("15550004")
	if err := st.CreateSubscriber(sub); err != nil {
		t.Fatal(err)
	}
	sub.Metadata.Digests = []models.Digest{{Topic: "ordering food", Summary: "menus", Timestamp: now.AddDate(0, 0, -3)}}

	// Stale checkpoint from two days ago: the next message starts fresh.
	old := now.Add(-48 * time.Hour)
	if err := st.SaveCheckpoint(models.Checkpoint{
		Phone:                 sub.Phone,
		Messages:              []models.AgentMessage{{Role: models.RoleUser, Content: "hola"}},
		ConversationStartedAt: old,
		LastMessageAt:         old,
	}); err != nil {
		t.Fatal(err)
	}
	if c.CurrentlyInActiveConversation(sub.Phone) {
		t.Fatal("48h-old checkpoint should not count as active")
	}

	if _, err := c.ProcessUserMessage(context.Background(), &sub, "hola otra vez", ""); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	prompt := agent.Calls[0]
	if !strings.Contains(prompt, "<SESSION CONTEXT>") {
		t.Fatalf("system prompt missing session context: %s", prompt)
	}
	if !strings.Contains(prompt, "Warmly welcome") {
		t.Errorf("48h gap should select the welcome-back band: %s", prompt)
	}
	if !strings.Contains(prompt, "ordering food") {
		t.Errorf("welcome-back prompt should reference the last digest: %s", prompt)
	}
	if !strings.Contains(prompt, "<USER PROFILE>") || !strings.Contains(prompt, "spanish") {
		t.Errorf("system prompt missing profile context: %s", prompt)
	}
}

func TestStreakAdvancesAcrossConsecutiveDays(t *testing.T) {
	agent := &testutil.ScriptedAgent{Replies: []string{"hi"}}
	day1 := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	c, st := newController(t, agent, day1)
	sub := testSubscriber("15550005")
	if err := st.CreateSubscriber(sub); err != nil {
		t.Fatal(err)
	}

	if _, err := c.ProcessUserMessage(context.Background(), &sub, "hola", ""); err != nil {
		t.Fatal(err)
	}
	stored, _ := st.GetSubscriber(sub.Phone)
	if stored.Metadata.Streak.CurrentStreak != 1 {
		t.Fatalf("streak = %d, want 1", stored.Metadata.Streak.CurrentStreak)
	}

	// Next day: stale session expiry forces a new session, streak extends.
	day2 := day1.Add(25 * time.Hour)
	c.SetNowFunc(func() time.Time { return day2 })
	sub = *stored
	if _, err := c.ProcessUserMessage(context.Background(), &sub, "hola", ""); err != nil {
		t.Fatal(err)
	}
	stored, _ = st.GetSubscriber(sub.Phone)
	if stored.Metadata.Streak.CurrentStreak != 2 {
		t.Errorf("streak = %d, want 2", stored.Metadata.Streak.CurrentStreak)
	}
	if stored.Metadata.Streak.LongestStreak != 2 {
		t.Errorf("longest = %d, want 2", stored.Metadata.Streak.LongestStreak)
	}
}

func TestStreakResetsAfterMissedDay(t *testing.T) {
	agent := &testutil.ScriptedAgent{Replies: []string{"hi"}}
	day1 := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	c, st := newController(t, agent, day1)
	sub := testSubscriber("15550006")
	if err := st.CreateSubscriber(sub); err != nil {
		t.Fatal(err)
	}
	last := day1.AddDate(0, 0, -3)
	if err := st.UpdateStreak(sub.Phone, models.StreakData{CurrentStreak: 5, LongestStreak: 5, LastActiveDate: &last}); err != nil {
		t.Fatal(err)
	}
	stored, _ := st.GetSubscriber(sub.Phone)
	sub = *stored

	if _, err := c.ProcessUserMessage(context.Background(), &sub, "hola", ""); err != nil {
		t.Fatal(err)
	}
	stored, _ = st.GetSubscriber(sub.Phone)
	if stored.Metadata.Streak.CurrentStreak != 1 {
		t.Errorf("streak = %d, want reset to 1", stored.Metadata.Streak.CurrentStreak)
	}
	if stored.Metadata.Streak.LongestStreak != 5 {
		t.Errorf("longest = %d, want preserved 5", stored.Metadata.Streak.LongestStreak)
	}
}

func TestClearConversationAndRecordDigest(t *testing.T) {
	agent := &testutil.ScriptedAgent{Replies: []string{"hi"}}
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	c, st := newController(t, agent, now)
	sub := testSubscriber("15550007")
	if err := st.CreateSubscriber(sub); err != nil {
		t.Fatal(err)
	}

	if _, err := c.ProcessUserMessage(context.Background(), &sub, "hola", ""); err != nil {
		t.Fatal(err)
	}
	if err := c.ClearConversation(sub.Phone); err != nil {
		t.Fatal(err)
	}
	if c.CurrentlyInActiveConversation(sub.Phone) {
		t.Error("conversation should be inactive after clear")
	}

	if err := c.RecordDigest(sub.Phone, "greetings", "practiced hellos"); err != nil {
		t.Fatal(err)
	}
	stored, _ := st.GetSubscriber(sub.Phone)
	if len(stored.Metadata.Digests) != 1 || stored.Metadata.Digests[0].Topic != "greetings" {
		t.Errorf("digest not recorded: %+v", stored.Metadata.Digests)
	}
}
