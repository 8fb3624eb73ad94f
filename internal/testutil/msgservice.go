package testutil

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/lingopipe/LingoPipe/internal/messaging"
	"github.com/lingopipe/LingoPipe/internal/models"
)

var digitsOnly = regexp.MustCompile(`[^0-9]`)

// Compile-time check.
var _ messaging.Service = (*FakeMessagingService)(nil)

// FakeMessagingService implements messaging.Service in memory, recording
// outbound traffic for assertions.
type FakeMessagingService struct {
	mu       sync.Mutex
	sent     []models.WebhookMessage
	marked   []string
	SendErr  error
	messages chan models.WebhookMessage
	receipts chan models.Receipt
}

// NewFakeMessagingService creates a FakeMessagingService.
func NewFakeMessagingService() *FakeMessagingService {
	return &FakeMessagingService{
		messages: make(chan models.WebhookMessage, 16),
		receipts: make(chan models.Receipt, 16),
	}
}

// ValidateAndCanonicalizeRecipient strips non-digits, mirroring production.
func (f *FakeMessagingService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical := digitsOnly.ReplaceAllString(recipient, "")
	if len(canonical) < models.MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number %q", recipient)
	}
	return canonical, nil
}

// SendMessage records the outbound message.
func (f *FakeMessagingService) SendMessage(ctx context.Context, to string, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, models.WebhookMessage{
		From: to,
		Type: models.WebhookMessageText,
		Text: &models.WebhookText{Body: body},
	})
	return nil
}

// MarkMessageAsRead records the message id.
func (f *FakeMessagingService) MarkMessageAsRead(ctx context.Context, messageID, sender string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, messageID)
	return nil
}

// Start is a no-op.
func (f *FakeMessagingService) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (f *FakeMessagingService) Stop() error { return nil }

// Messages returns the inbound channel; tests may push into it via Inject.
func (f *FakeMessagingService) Messages() <-chan models.WebhookMessage { return f.messages }

// Receipts returns the receipts channel.
func (f *FakeMessagingService) Receipts() <-chan models.Receipt { return f.receipts }

// Inject delivers an inbound message as if the transport produced it.
func (f *FakeMessagingService) Inject(msg models.WebhookMessage) {
	f.messages <- msg
}

// Sent returns a copy of recorded outbound messages.
func (f *FakeMessagingService) Sent() []models.WebhookMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.WebhookMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentBodies returns just the outbound message texts, in order.
func (f *FakeMessagingService) SentBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Text.Body)
	}
	return out
}

// MarkedRead returns recorded read-receipt message ids.
func (f *FakeMessagingService) MarkedRead() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.marked))
	copy(out, f.marked)
	return out
}
