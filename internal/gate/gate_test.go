package gate

import (
	"errors"
	"testing"
	"time"

	"github.com/lingopipe/LingoPipe/internal/models"
	"github.com/lingopipe/LingoPipe/internal/store"
)

func newTestGate(t *testing.T, cfg Config, now time.Time) (*Gate, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	g := New(st, cfg)
	g.SetNowFunc(func() time.Time { return now })
	return g, st
}

func addSubscriber(t *testing.T, st *store.InMemoryStore, sub models.Subscriber) {
	t.Helper()
	if err := st.CreateSubscriber(sub); err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}
}

func TestShouldThrottle(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	signup := time.Date(2024, 6, 1, 10, 0, 0, 0, ny)

	tests := []struct {
		name string
		sub  models.Subscriber
		now  time.Time
		want bool
	}{
		{
			name: "premium never throttled",
			sub: models.Subscriber{Phone: "15550001", Metadata: models.Metadata{
				SignupTimestamp: signup, IsPremium: true,
			}},
			now:  signup.Add(24 * time.Hour),
			want: false,
		},
		{
			name: "trial day six still throttled",
			sub: models.Subscriber{
				Phone:    "15550002",
				Profile:  models.Profile{Timezone: "America/New_York"},
				Metadata: models.Metadata{SignupTimestamp: signup},
			},
			now:  time.Date(2024, 6, 7, 20, 0, 0, 0, ny),
			want: true,
		},
		{
			name: "day seven ends the trial",
			sub: models.Subscriber{
				Phone:    "15550003",
				Profile:  models.Profile{Timezone: "America/New_York"},
				Metadata: models.Metadata{SignupTimestamp: signup},
			},
			now:  time.Date(2024, 6, 8, 9, 0, 0, 0, ny),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGate(t, Config{}, tt.now)
			if got := g.ShouldThrottle(&tt.sub); got != tt.want {
				t.Errorf("ShouldThrottle = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanStartConversationTodayTrialLimit(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	signup := time.Date(2024, 6, 1, 10, 0, 0, 0, ny)
	now := time.Date(2024, 6, 7, 20, 0, 0, 0, ny) // trial day 6

	g, st := newTestGate(t, Config{TrialDays: 7, DailyLimit: 3}, now)
	addSubscriber(t, st, models.Subscriber{
		Phone:    "15550100",
		Profile:  models.Profile{Timezone: "America/New_York"},
		Metadata: models.Metadata{SignupTimestamp: signup},
	})

	// Two conversations already started today.
	for i := 0; i < 2; i++ {
		if err := g.IncrementConversationCount("15550100"); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}

	allowed, err := g.CanStartConversationToday("15550100")
	if err != nil {
		t.Fatalf("CanStartConversationToday failed: %v", err)
	}
	if !allowed {
		t.Error("expected third conversation of the day to be allowed")
	}

	if err := g.IncrementConversationCount("15550100"); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	allowed, err = g.CanStartConversationToday("15550100")
	if err != nil {
		t.Fatalf("CanStartConversationToday failed: %v", err)
	}
	if allowed {
		t.Error("expected fourth conversation of the day to be refused")
	}
}

func TestCanStartConversationTodayResetsAtLocalMidnight(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	signup := time.Date(2024, 6, 1, 10, 0, 0, 0, ny)
	yesterday := time.Date(2024, 6, 3, 22, 0, 0, 0, ny)

	g, st := newTestGate(t, Config{TrialDays: 7, DailyLimit: 3}, yesterday)
	addSubscriber(t, st, models.Subscriber{
		Phone:    "15550200",
		Profile:  models.Profile{Timezone: "America/New_York"},
		Metadata: models.Metadata{SignupTimestamp: signup},
	})
	for i := 0; i < 3; i++ {
		if err := g.IncrementConversationCount("15550200"); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}
	if allowed, _ := g.CanStartConversationToday("15550200"); allowed {
		t.Fatal("expected limit reached before midnight")
	}

	// 00:30 the next local day: counter resets, starts allowed again.
	g.SetNowFunc(func() time.Time { return time.Date(2024, 6, 4, 0, 30, 0, 0, ny) })
	allowed, err := g.CanStartConversationToday("15550200")
	if err != nil {
		t.Fatalf("CanStartConversationToday failed: %v", err)
	}
	if !allowed {
		t.Error("expected counter reset after local midnight")
	}

	sub, err := st.GetSubscriber("15550200")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Metadata.ConversationsStartedToday != 0 {
		t.Errorf("expected stored count 0 after reset, got %d", sub.Metadata.ConversationsStartedToday)
	}
}

func TestCanStartConversationTodayPostTrialUnlimited(t *testing.T) {
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	g, st := newTestGate(t, Config{TrialDays: 7, DailyLimit: 3}, now)
	addSubscriber(t, st, models.Subscriber{
		Phone:    "15550300",
		Metadata: models.Metadata{SignupTimestamp: now.AddDate(0, 0, -30)},
	})
	for i := 0; i < 10; i++ {
		if err := g.IncrementConversationCount("15550300"); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}

	allowed, err := g.CanStartConversationToday("15550300")
	if err != nil {
		t.Fatalf("CanStartConversationToday failed: %v", err)
	}
	if !allowed {
		t.Error("post-trial subscriber should be unlimited")
	}
}

func TestCanStartConversationTodayUnknownPhone(t *testing.T) {
	g, _ := newTestGate(t, Config{}, time.Now())
	_, err := g.CanStartConversationToday("19999999")
	if !errors.Is(err, models.ErrSubscriberNotFound) {
		t.Errorf("expected ErrSubscriberNotFound, got %v", err)
	}
}
