// Package api provides HTTP handlers for LingoPipe endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lingopipe/LingoPipe/internal/messaging"
	"github.com/lingopipe/LingoPipe/internal/models"
	"github.com/lingopipe/LingoPipe/internal/util"
)

// Fixed replies the pipeline guarantees without reaching the agent.
const (
	// ReplyUnsupported acknowledges media and other non-text payloads.
	ReplyUnsupported = "I can only read text messages for now - send me a few words instead!"
	// ReplyTransientError is sent when an inbound turn fails mid-processing.
	ReplyTransientError = "Sorry, something went wrong on my end. Please send that again in a moment!"
)

// assessmentLevelPrompt asks the agent for a CEFR judgment of the user's
// latest assessment turn.
const assessmentLevelPrompt = `You rate language proficiency. Based on the user's message, reply with exactly one CEFR level: A1, A2, B1, B2, C1, or C2. Reply with the level only.`

// cefrLevels is the set of valid assessment outcomes.
var cefrLevels = map[string]bool{"A1": true, "A2": true, "B1": true, "B2": true, "C1": true, "C2": true}

// handleInbound is the single pipeline for every inbound message, whether it
// arrived over the live transport or the webhook endpoint. Exactly-once
// semantics come from the dedup record: a redelivered message id performs no
// state mutation and triggers no outbound send.
func (s *Server) handleInbound(ctx context.Context, msg models.WebhookMessage) {
	if err := msg.Validate(); err != nil {
		slog.Warn("Inbound message failed validation", "error", err, "from", msg.From)
		return
	}
	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Warn("Inbound message from invalid sender", "error", err, "from", msg.From)
		return
	}

	// Same-phone turns are serialized; different phones proceed concurrently.
	s.locks.Lock(phone)
	defer s.locks.Unlock(phone)

	if err := s.msgService.MarkMessageAsRead(ctx, msg.ID, phone); err != nil {
		slog.Warn("Failed to mark message as read", "error", err, "message_id", msg.ID)
	}

	fresh, err := s.dedup.RecordInbound(msg.ID, phone)
	recorded := err == nil
	if err != nil {
		// Processing anyway risks a duplicate reply; losing the message
		// entirely is worse.
		slog.Error("Dedup record failed, processing without protection", "error", err, "message_id", msg.ID)
	} else if !fresh {
		slog.Debug("Dropping redelivered message", "message_id", msg.ID, "phone", phone)
		return
	}

	s.routeInbound(ctx, phone, msg)

	if recorded {
		if err := s.dedup.MarkProcessed(msg.ID); err != nil {
			slog.Warn("Dedup processed mark failed", "error", err, "message_id", msg.ID)
		}
	}
}

// routeInbound dispatches a deduplicated inbound message to the onboarding
// or subscriber pipeline.
func (s *Server) routeInbound(ctx context.Context, phone string, msg models.WebhookMessage) {
	if msg.Type != models.WebhookMessageText {
		s.sendReply(ctx, phone, ReplyUnsupported)
		return
	}
	body := strings.TrimSpace(msg.Body())
	if body == "" {
		return
	}

	sub, err := s.store.GetSubscriber(phone)
	if err != nil {
		slog.Error("Subscriber lookup failed", "error", err, "phone", phone)
		s.sendReply(ctx, phone, ReplyTransientError)
		return
	}
	if sub == nil {
		s.handleOnboardingTurn(ctx, phone, body)
		return
	}
	s.handleSubscriberTurn(ctx, sub, body)
}

// handleOnboardingTurn advances the onboarding machine and completes it once
// the assessment has enough exchanges for a level judgment.
func (s *Server) handleOnboardingTurn(ctx context.Context, phone, body string) {
	reply, state, err := s.onboard.Advance(ctx, phone, body)
	if err != nil {
		slog.Error("Onboarding advance failed", "error", err, "phone", phone)
		s.sendReply(ctx, phone, ReplyTransientError)
		return
	}

	if state.CurrentStep == models.StepAssessmentConversation {
		if ok, err := s.onboard.CanComplete(phone); err == nil && ok {
			level := s.assessLevel(ctx, body)
			sub, err := s.onboard.Complete(ctx, phone, level)
			if err != nil {
				slog.Error("Onboarding completion failed", "error", err, "phone", phone)
			} else {
				reply = fmt.Sprintf("You're all set, %s! I'd place your %s around %s. We'll practice every day - I'll check in if you go quiet. Talk soon!",
					sub.Profile.Name, sub.Profile.LearningLanguages[0].Language, level)
			}
		}
	}

	s.sendReply(ctx, phone, reply)
}

// handleSubscriberTurn routes a known subscriber's message: continue the
// active session if one exists, otherwise pass the eligibility gate and
// start a new one.
func (s *Server) handleSubscriberTurn(ctx context.Context, sub *models.Subscriber, body string) {
	phone := sub.Phone

	if s.controller.CurrentlyInActiveConversation(phone) {
		reply, err := s.controller.ProcessUserMessage(ctx, sub, body, "")
		if err != nil {
			slog.Error("Conversation turn failed", "error", err, "phone", phone)
			s.sendReply(ctx, phone, ReplyTransientError)
			return
		}
		s.sendReply(ctx, phone, reply)
		return
	}

	allowed, err := s.gate.CanStartConversationToday(phone)
	if err != nil {
		slog.Error("Gate check failed", "error", err, "phone", phone)
		s.sendReply(ctx, phone, ReplyTransientError)
		return
	}
	if !allowed {
		// The local premium flag may lag the billing provider; reconcile
		// before refusing a paying subscriber.
		if active, berr := s.billing.CheckSubscription(ctx, phone); berr == nil && active {
			if uerr := s.store.SetPremium(phone, true); uerr != nil {
				slog.Error("Premium flag sync failed", "error", uerr, "phone", phone)
			}
			sub.Metadata.IsPremium = true
			allowed = true
			slog.Info("Premium flag synced from billing provider", "phone", phone)
		}
	}
	if !allowed {
		s.sendReply(ctx, phone, s.throttleMessage(ctx, phone))
		return
	}

	reply, err := s.controller.ProcessUserMessage(ctx, sub, body, "")
	if err != nil {
		slog.Error("Conversation start failed", "error", err, "phone", phone)
		s.sendReply(ctx, phone, ReplyTransientError)
		return
	}
	if err := s.gate.IncrementConversationCount(phone); err != nil {
		slog.Error("Conversation count increment failed", "error", err, "phone", phone)
	}
	s.sendReply(ctx, phone, reply)
}

// assessLevel asks the agent for a CEFR judgment, defaulting to A1 when the
// answer is unusable.
func (s *Server) assessLevel(ctx context.Context, text string) string {
	reply, err := s.agent.OneShot(ctx, assessmentLevelPrompt, text)
	if err != nil {
		slog.Warn("Level assessment failed, defaulting to A1", "error", err)
		return "A1"
	}
	level := strings.ToUpper(strings.TrimSpace(reply))
	if !cefrLevels[level] {
		slog.Warn("Level assessment returned unexpected value, defaulting to A1", "value", level)
		return "A1"
	}
	return level
}

// throttleMessage builds the daily-limit refusal, including a payment link
// when the billing provider has one.
func (s *Server) throttleMessage(ctx context.Context, phone string) string {
	msg := "You've used today's free conversations - come back tomorrow and we'll pick up where we left off!"
	link, err := s.billing.GetPaymentLink(ctx, phone)
	if err != nil {
		slog.Warn("Payment link fetch failed", "error", err, "phone", phone)
		return msg
	}
	if link != "" {
		msg += " Or go unlimited here: " + link
	}
	return msg
}

// sendReply formats and delivers an outbound reply. Delivery failures are
// logged; the inbound pipeline never retries sends itself.
func (s *Server) sendReply(ctx context.Context, phone, text string) {
	if text == "" {
		return
	}
	if err := s.msgService.SendMessage(ctx, phone, messaging.FormatForWhatsApp(text)); err != nil {
		slog.Error("Reply delivery failed", "error", err, "phone", phone)
	}
}

// webhookHandler accepts a provider-agnostic inbound message payload and
// runs it through the same pipeline as transport-delivered messages. The
// response is 200 whenever the payload was parseable, so upstream gateways
// do not retry messages we chose not to act on.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var msg models.WebhookMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Webhook payload decode failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if msg.ID == "" {
		// Gateways without message ids forfeit redelivery protection.
		msg.ID = util.GenerateMessageID()
	}
	if err := msg.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	s.handleInbound(r.Context(), msg)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// initiateRequest is the POST /initiate payload.
type initiateRequest struct {
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
}

// initiateHandler starts a proactive conversation with a known subscriber,
// subject to the same eligibility gate as inbound starts.
func (s *Server) initiateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(req.To)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	s.locks.Lock(phone)
	defer s.locks.Unlock(phone)

	sub, err := s.store.GetSubscriber(phone)
	if err != nil {
		slog.Error("Initiate subscriber lookup failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Subscriber lookup failed"))
		return
	}
	if sub == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown subscriber"))
		return
	}

	allowed, err := s.gate.CanStartConversationToday(phone)
	if err != nil {
		slog.Error("Initiate gate check failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Eligibility check failed"))
		return
	}
	if !allowed {
		writeJSONResponse(w, http.StatusTooManyRequests, models.Error("Daily conversation limit reached"))
		return
	}

	reply := s.controller.InitiateConversation(r.Context(), sub, req.Message, "")
	if err := s.msgService.SendMessage(r.Context(), phone, messaging.FormatForWhatsApp(reply)); err != nil {
		slog.Error("Initiate delivery failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Message delivery failed"))
		return
	}
	if err := s.gate.IncrementConversationCount(phone); err != nil {
		slog.Error("Initiate count increment failed", "error", err, "phone", phone)
	}

	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"reply": reply}))
}

// healthHandler reports service health plus a subscriber count as a cheap
// storage liveness probe.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	statusCode := http.StatusOK
	if subs, err := s.store.ListSubscribers(); err != nil {
		slog.Warn("Health check: subscriber count failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to fetch subscriber metrics"
		statusCode = http.StatusServiceUnavailable
	} else {
		healthData["subscribers"] = len(subs)
	}

	writeJSONResponse(w, statusCode, healthData)
}
