package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lingopipe/LingoPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "lingopipe_test.db")
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSubscriberRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	signup := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	sub := models.Subscriber{
		Phone: "4915550001",
		Profile: models.Profile{
			Name:              "Ben",
			Timezone:          "Europe/Berlin",
			SpeakingLanguages: []models.LanguageSkill{{Language: "english"}},
			LearningLanguages: []models.LanguageSkill{{Language: "spanish", Level: "A2"}},
		},
		Metadata:  models.Metadata{SignupTimestamp: signup},
		CreatedAt: signup,
		UpdatedAt: signup,
	}
	if err := s.CreateSubscriber(sub); err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}

	got, err := s.GetSubscriber("4915550001")
	if err != nil {
		t.Fatalf("GetSubscriber failed: %v", err)
	}
	if got == nil {
		t.Fatal("subscriber not found after create")
	}
	if got.Profile.Name != "Ben" || got.Profile.Timezone != "Europe/Berlin" {
		t.Errorf("profile round trip wrong: %+v", got.Profile)
	}
	if len(got.Profile.LearningLanguages) != 1 || got.Profile.LearningLanguages[0].Level != "A2" {
		t.Errorf("learning languages round trip wrong: %+v", got.Profile.LearningLanguages)
	}
	if !got.Metadata.SignupTimestamp.Equal(signup) {
		t.Errorf("signup timestamp = %v, want %v", got.Metadata.SignupTimestamp, signup)
	}

	if err := s.CreateSubscriber(sub); !errors.Is(err, models.ErrSubscriberExists) {
		t.Errorf("duplicate create: expected ErrSubscriberExists, got %v", err)
	}

	if missing, err := s.GetSubscriber("400000000"); err != nil || missing != nil {
		t.Errorf("unknown phone should be nil, nil; got %v, %v", missing, err)
	}
}

func TestSQLiteSaveSubscriberUpdatesProfileAndPremium(t *testing.T) {
	s := newTestSQLiteStore(t)
	sub := models.Subscriber{
		Phone:    "4915550002",
		Metadata: models.Metadata{SignupTimestamp: time.Now().UTC()},
	}
	if err := s.CreateSubscriber(sub); err != nil {
		t.Fatal(err)
	}

	sub.Profile.Name = "Ana"
	sub.Metadata.IsPremium = true
	if err := s.SaveSubscriber(sub); err != nil {
		t.Fatalf("SaveSubscriber failed: %v", err)
	}
	got, _ := s.GetSubscriber("4915550002")
	if got.Profile.Name != "Ana" || !got.Metadata.IsPremium {
		t.Errorf("update not applied: %+v", got)
	}

	if err := s.SaveSubscriber(models.Subscriber{Phone: "400000000"}); !errors.Is(err, models.ErrSubscriberNotFound) {
		t.Errorf("expected ErrSubscriberNotFound, got %v", err)
	}
}

func TestSQLiteDailyCounterPrimitives(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.CreateSubscriber(models.Subscriber{
		Phone:    "4915550003",
		Metadata: models.Metadata{SignupTimestamp: time.Now().UTC()},
	}); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2024, 6, 3, 22, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if err := s.IncrementConversationCount("4915550003", at); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}
	got, _ := s.GetSubscriber("4915550003")
	if got.Metadata.ConversationsStartedToday != 2 {
		t.Fatalf("count = %d, want 2", got.Metadata.ConversationsStartedToday)
	}
	if got.Metadata.LastConversationDate == nil || !got.Metadata.LastConversationDate.Equal(at) {
		t.Errorf("last conversation date = %v, want %v", got.Metadata.LastConversationDate, at)
	}

	reset, err := s.ResetDailyCountBefore("4915550003", time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if reset {
		t.Error("guard should refuse reset while last conversation is after midnight")
	}

	reset, err = s.ResetDailyCountBefore("4915550003", time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if !reset {
		t.Error("expected reset once the counter is stale")
	}
	got, _ = s.GetSubscriber("4915550003")
	if got.Metadata.ConversationsStartedToday != 0 {
		t.Errorf("count = %d after reset, want 0", got.Metadata.ConversationsStartedToday)
	}

	if reset, _ = s.ResetDailyCountBefore("4915550003", time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)); reset {
		t.Error("second reset should be a no-op")
	}
}

func TestSQLiteClaimProactiveSendCAS(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.CreateSubscriber(models.Subscriber{
		Phone:    "4915550004",
		Metadata: models.Metadata{SignupTimestamp: time.Now().UTC()},
	}); err != nil {
		t.Fatal(err)
	}

	won, err := s.ClaimProactiveSend("4915550004", "2024-06-03")
	if err != nil || !won {
		t.Fatalf("first claim = %v, %v; want true, nil", won, err)
	}
	if won, _ = s.ClaimProactiveSend("4915550004", "2024-06-03"); won {
		t.Error("second claim for the same date must lose")
	}

	if err := s.ReleaseProactiveSend("4915550004", "2024-06-03"); err != nil {
		t.Fatal(err)
	}
	if won, _ = s.ClaimProactiveSend("4915550004", "2024-06-03"); !won {
		t.Error("claim after release should win again")
	}

	if err := s.ReleaseProactiveSend("4915550004", "2024-06-02"); err != nil {
		t.Fatal(err)
	}
	if won, _ = s.ClaimProactiveSend("4915550004", "2024-06-03"); won {
		t.Error("mismatched release must not clear the claim")
	}

	if won, _ = s.ClaimProactiveSend("4915550004", "2024-06-04"); !won {
		t.Error("new date should win the claim")
	}
}

func TestSQLiteStreakAndDigest(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.CreateSubscriber(models.Subscriber{
		Phone:    "4915550005",
		Metadata: models.Metadata{SignupTimestamp: time.Now().UTC()},
	}); err != nil {
		t.Fatal(err)
	}

	last := time.Date(2024, 6, 3, 19, 0, 0, 0, time.UTC)
	if err := s.UpdateStreak("4915550005", models.StreakData{CurrentStreak: 4, LongestStreak: 9, LastActiveDate: &last}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendDigest("4915550005", models.Digest{Topic: "ordering food", Summary: "menus", Timestamp: last}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSubscriber("4915550005")
	if got.Metadata.Streak.CurrentStreak != 4 || got.Metadata.Streak.LongestStreak != 9 {
		t.Errorf("streak round trip wrong: %+v", got.Metadata.Streak)
	}
	if got.Metadata.Streak.LastActiveDate == nil || !got.Metadata.Streak.LastActiveDate.Equal(last) {
		t.Errorf("last active date = %v", got.Metadata.Streak.LastActiveDate)
	}
	if len(got.Metadata.Digests) != 1 || got.Metadata.Digests[0].Topic != "ordering food" {
		t.Errorf("digest round trip wrong: %+v", got.Metadata.Digests)
	}
}

func TestSQLiteOnboardingLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	st := models.OnboardingState{
		Phone:         "4915550006",
		CurrentStep:   models.StepProfileGathering,
		GDPRConsented: true,
		TempData:      models.OnboardingTempData{Name: "Ben", NativeLanguages: []string{"english"}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.SaveOnboardingState(st); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOnboardingState("4915550006")
	if err != nil || got == nil {
		t.Fatalf("GetOnboardingState = %v, %v", got, err)
	}
	if got.CurrentStep != models.StepProfileGathering || !got.GDPRConsented {
		t.Errorf("state round trip wrong: %+v", got)
	}
	if got.TempData.Name != "Ben" || len(got.TempData.NativeLanguages) != 1 {
		t.Errorf("temp data round trip wrong: %+v", got.TempData)
	}

	// Upsert replaces the step in place.
	st.CurrentStep = models.StepTargetLanguage
	if err := s.SaveOnboardingState(st); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetOnboardingState("4915550006")
	if got.CurrentStep != models.StepTargetLanguage {
		t.Errorf("upsert did not replace step: %s", got.CurrentStep)
	}

	if err := s.DeleteOnboardingState("4915550006"); err != nil {
		t.Fatal(err)
	}
	if got, _ = s.GetOnboardingState("4915550006"); got != nil {
		t.Error("state should be gone after delete")
	}
	// Deleting a missing record is not an error.
	if err := s.DeleteOnboardingState("4915550006"); err != nil {
		t.Errorf("double delete should be a no-op: %v", err)
	}
}

func TestSQLiteDeleteExpiredOnboarding(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC()

	old := models.OnboardingState{Phone: "4915550007", CurrentStep: models.StepGDPRConsent, CreatedAt: now.Add(-30 * time.Hour), UpdatedAt: now}
	recent := models.OnboardingState{Phone: "4915550008", CurrentStep: models.StepGDPRConsent, CreatedAt: now.Add(-time.Hour), UpdatedAt: now}
	if err := s.SaveOnboardingState(old); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveOnboardingState(recent); err != nil {
		t.Fatal(err)
	}

	removed, err := s.DeleteExpiredOnboarding(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if st, _ := s.GetOnboardingState("4915550008"); st == nil {
		t.Error("recent onboarding state should survive")
	}
}

func TestSQLiteCheckpointRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	started := time.Date(2024, 6, 3, 19, 0, 0, 0, time.UTC)
	cp := models.Checkpoint{
		Phone: "4915550009",
		Messages: []models.AgentMessage{
			{Role: models.RoleUser, Content: "hola", Timestamp: started},
			{Role: models.RoleAssistant, Content: "¡Hola!", Timestamp: started.Add(time.Second)},
		},
		ConversationStartedAt: started,
		LastMessageAt:         started.Add(time.Second),
	}
	if err := s.SaveCheckpoint(cp); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCheckpoint("4915550009")
	if err != nil || got == nil {
		t.Fatalf("GetCheckpoint = %v, %v", got, err)
	}
	if len(got.Messages) != 2 || got.Messages[1].Role != models.RoleAssistant {
		t.Errorf("messages round trip wrong: %+v", got.Messages)
	}
	if !got.ConversationStartedAt.Equal(started) {
		t.Errorf("started at = %v, want %v", got.ConversationStartedAt, started)
	}

	if err := s.DeleteCheckpoint("4915550009"); err != nil {
		t.Fatal(err)
	}
	if got, _ = s.GetCheckpoint("4915550009"); got != nil {
		t.Error("checkpoint should be gone after delete")
	}
}
