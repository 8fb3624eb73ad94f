package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lingopipe/LingoPipe/internal/billing"
	"github.com/lingopipe/LingoPipe/internal/conversation"
	"github.com/lingopipe/LingoPipe/internal/gate"
	"github.com/lingopipe/LingoPipe/internal/models"
	"github.com/lingopipe/LingoPipe/internal/onboarding"
	"github.com/lingopipe/LingoPipe/internal/store"
	"github.com/lingopipe/LingoPipe/internal/testutil"
)

type serverFixture struct {
	server *Server
	store  *store.InMemoryStore
	msgs   *testutil.FakeMessagingService
	agent  *testutil.ScriptedAgent
	gate   *gate.Gate
	now    time.Time
}

func newServerFixture(t *testing.T, billingProvider billing.Provider) *serverFixture {
	t.Helper()
	now := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	st := store.NewInMemoryStore()
	msgs := testutil.NewFakeMessagingService()
	agent := &testutil.ScriptedAgent{Replies: []string{"¡Hola! ¿Cómo estás?"}}

	g := gate.New(st, gate.Config{TrialDays: 7, DailyLimit: 3})
	g.SetNowFunc(func() time.Time { return now })
	ctrl := conversation.New(st, agent)
	ctrl.SetNowFunc(func() time.Time { return now })
	onboard := onboarding.New(st, testutil.RuleExtractor{})

	server := NewServer(st, st, msgs, onboard, g, ctrl, agent, billingProvider, "")
	return &serverFixture{server: server, store: st, msgs: msgs, agent: agent, gate: g, now: now}
}

func (f *serverFixture) seedSubscriber(t *testing.T, phone string) {
	t.Helper()
	err := f.store.CreateSubscriber(models.Subscriber{
		Phone: phone,
		Profile: models.Profile{
			Name:              "Ben",
			LearningLanguages: []models.LanguageSkill{{Language: "spanish", Level: "A2"}},
		},
		Metadata: models.Metadata{SignupTimestamp: f.now.AddDate(0, 0, -2)},
	})
	if err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}
}

func (f *serverFixture) postWebhook(t *testing.T, msg models.WebhookMessage) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.webhookHandler(rec, req)
	return rec
}

func textMessage(id, from, body string) models.WebhookMessage {
	return models.WebhookMessage{
		ID:   id,
		From: from,
		Type: models.WebhookMessageText,
		Text: &models.WebhookText{Body: body},
	}
}

func TestWebhookFirstContactStartsOnboarding(t *testing.T) {
	f := newServerFixture(t, &billing.StaticProvider{})

	rec := f.postWebhook(t, textMessage("msg_1", "+49 155 50001", "hello"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	bodies := f.msgs.SentBodies()
	if len(bodies) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bodies))
	}
	if bodies[0] != onboarding.ReplyConsentRequest {
		t.Errorf("first reply = %q, want consent request", bodies[0])
	}

	// The sender phone is canonicalized before any state is keyed on it.
	state, err := f.store.GetOnboardingState("4915550001")
	if err != nil || state == nil {
		t.Fatalf("onboarding state missing for canonical phone: %v", err)
	}
	if state.CurrentStep != models.StepGDPRConsent {
		t.Errorf("step = %s, want %s", state.CurrentStep, models.StepGDPRConsent)
	}
}

func TestWebhookRedeliveredMessageIsDropped(t *testing.T) {
	f := newServerFixture(t, &billing.StaticProvider{})

	first := f.postWebhook(t, textMessage("msg_dup", "4915550002", "hello"))
	second := f.postWebhook(t, textMessage("msg_dup", "4915550002", "hello"))
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d; want 200, 200", first.Code, second.Code)
	}

	if got := len(f.msgs.Sent()); got != 1 {
		t.Errorf("sent %d messages for a redelivered id, want 1", got)
	}
}

// markTrackingDedup records which message ids get their processed stamp.
type markTrackingDedup struct {
	*store.InMemoryStore
	marked []string
}

func (d *markTrackingDedup) MarkProcessed(id string) error {
	d.marked = append(d.marked, id)
	return d.InMemoryStore.MarkProcessed(id)
}

func TestWebhookMarksHandledMessageProcessed(t *testing.T) {
	now := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	st := store.NewInMemoryStore()
	dedup := &markTrackingDedup{InMemoryStore: st}
	msgs := testutil.NewFakeMessagingService()
	agent := &testutil.ScriptedAgent{Replies: []string{"¡Hola!"}}
	g := gate.New(st, gate.Config{TrialDays: 7, DailyLimit: 3})
	g.SetNowFunc(func() time.Time { return now })
	ctrl := conversation.New(st, agent)
	ctrl.SetNowFunc(func() time.Time { return now })
	server := NewServer(st, dedup, msgs, onboarding.New(st, testutil.RuleExtractor{}), g, ctrl, agent, &billing.StaticProvider{}, "")

	post := func(msg models.WebhookMessage) {
		body, err := json.Marshal(msg)
		if err != nil {
			t.Fatal(err)
		}
		rec := httptest.NewRecorder()
		server.webhookHandler(rec, httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body)))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	}

	post(textMessage("msg_p1", "4915550020", "hello"))
	if len(dedup.marked) != 1 || dedup.marked[0] != "msg_p1" {
		t.Fatalf("marked = %v, want [msg_p1]", dedup.marked)
	}

	// A redelivered id is dropped before processing and never re-stamped.
	post(textMessage("msg_p1", "4915550020", "hello"))
	if len(dedup.marked) != 1 {
		t.Errorf("redelivered id re-marked: %v", dedup.marked)
	}
}

func TestWebhookNonTextGetsUnsupportedReply(t *testing.T) {
	f := newServerFixture(t, &billing.StaticProvider{})

	rec := f.postWebhook(t, models.WebhookMessage{
		ID:   "msg_3",
		From: "4915550003",
		Type: models.WebhookMessageUnsupported,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	bodies := f.msgs.SentBodies()
	if len(bodies) != 1 || bodies[0] != ReplyUnsupported {
		t.Errorf("bodies = %v, want just the unsupported notice", bodies)
	}
	// A media message must not open an onboarding record.
	if state, _ := f.store.GetOnboardingState("4915550003"); state != nil {
		t.Error("non-text message should not advance onboarding")
	}
}

func TestWebhookRejectsInvalidJSON(t *testing.T) {
	f := newServerFixture(t, &billing.StaticProvider{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.server.webhookHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookGeneratesMissingMessageID(t *testing.T) {
	f := newServerFixture(t, &billing.StaticProvider{})

	rec := f.postWebhook(t, textMessage("", "4915550004", "hello"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := len(f.msgs.Sent()); got != 1 {
		t.Errorf("sent %d messages, want 1", got)
	}
}

func TestSubscriberTurnContinuesConversation(t *testing.T) {
	f := newServerFixture(t, &billing.StaticProvider{})
	f.seedSubscriber(t, "4915550005")

	rec := f.postWebhook(t, textMessage("msg_5", "4915550005", "hola"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	bodies := f.msgs.SentBodies()
	if len(bodies) != 1 || bodies[0] != "¡Hola! ¿Cómo estás?" {
		t.Fatalf("bodies = %v", bodies)
	}

	sub, _ := f.store.GetSubscriber("4915550005")
	if sub.Metadata.ConversationsStartedToday != 1 {
		t.Errorf("count = %d, want 1", sub.Metadata.ConversationsStartedToday)
	}

	// A follow-up inside the active session does not pass the gate again.
	f.postWebhook(t, textMessage("msg_6", "4915550005", "bien, ¿y tú?"))
	sub, _ = f.store.GetSubscriber("4915550005")
	if sub.Metadata.ConversationsStartedToday != 1 {
		t.Errorf("continuation bumped the count to %d", sub.Metadata.ConversationsStartedToday)
	}
}

func TestThrottledSubscriberGetsPaymentLink(t *testing.T) {
	f := newServerFixture(t, &billing.StaticProvider{PaymentLink: "https://pay.example/abc"})
	f.seedSubscriber(t, "4915550006")
	for i := 0; i < 3; i++ {
		if err := f.store.IncrementConversationCount("4915550006", f.now.Add(-time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	f.postWebhook(t, textMessage("msg_7", "4915550006", "hola"))
	bodies := f.msgs.SentBodies()
	if len(bodies) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bodies))
	}
	if !strings.Contains(bodies[0], "https://pay.example/abc") {
		t.Errorf("throttle reply missing payment link: %q", bodies[0])
	}
	if len(f.agent.Calls) != 0 {
		t.Error("throttled turn must not reach the agent")
	}
}

func TestThrottledPremiumIsReconciledFromBilling(t *testing.T) {
	f := newServerFixture(t, &billing.StaticProvider{Active: true})
	f.seedSubscriber(t, "4915550007")
	for i := 0; i < 3; i++ {
		if err := f.store.IncrementConversationCount("4915550007", f.now.Add(-time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	f.postWebhook(t, textMessage("msg_8", "4915550007", "hola"))
	bodies := f.msgs.SentBodies()
	if len(bodies) != 1 || bodies[0] != "¡Hola! ¿Cómo estás?" {
		t.Fatalf("paying subscriber should get a real reply: %v", bodies)
	}

	sub, _ := f.store.GetSubscriber("4915550007")
	if !sub.Metadata.IsPremium {
		t.Error("premium flag should be synced from the billing provider")
	}
}

func TestInitiateHandler(t *testing.T) {
	f := newServerFixture(t, &billing.StaticProvider{})
	f.seedSubscriber(t, "4915550008")

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/initiate", strings.NewReader(body))
		rec := httptest.NewRecorder()
		f.server.initiateHandler(rec, req)
		return rec
	}

	if rec := post(`{"to": "400000000"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown subscriber: status = %d, want 404", rec.Code)
	}
	if rec := post(`{"to": "??"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid phone: status = %d, want 400", rec.Code)
	}

	rec := post(`{"to": "4915550008", "message": "time to practice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if got := len(f.msgs.Sent()); got != 1 {
		t.Errorf("sent %d messages, want 1", got)
	}

	// Exhaust the daily limit: further initiations are refused with 429.
	for i := 0; i < 2; i++ {
		if err := f.store.IncrementConversationCount("4915550008", f.now); err != nil {
			t.Fatal(err)
		}
	}
	if rec := post(`{"to": "4915550008"}`); rec.Code != http.StatusTooManyRequests {
		t.Errorf("throttled initiate: status = %d, want 429", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	f := newServerFixture(t, &billing.StaticProvider{})
	f.seedSubscriber(t, "4915550009")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.healthHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var health map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "healthy" {
		t.Errorf("status field = %v", health["status"])
	}
	if health["subscribers"] != float64(1) {
		t.Errorf("subscribers = %v, want 1", health["subscribers"])
	}

	if rec := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/health", nil)
		w := httptest.NewRecorder()
		f.server.healthHandler(w, r)
		return w
	}(); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health: status = %d, want 405", rec.Code)
	}
}
