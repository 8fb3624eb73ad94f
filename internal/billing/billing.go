// Package billing wraps the external subscription provider.
//
// LingoPipe only needs two answers from billing: is this phone a paying
// subscriber, and where do they go to pay. Both are specified at the
// interface; the HTTP client here is the default implementation against a
// configured provider endpoint.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultRequestTimeout bounds billing API calls.
const DefaultRequestTimeout = 10 * time.Second

// Provider is the billing collaborator interface.
type Provider interface {
	// CheckSubscription reports whether the phone has an active paid plan.
	CheckSubscription(ctx context.Context, phone string) (bool, error)

	// GetPaymentLink returns the checkout URL for the phone.
	GetPaymentLink(ctx context.Context, phone string) (string, error)
}

// HTTPProvider implements Provider against a JSON billing API.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// Compile-time check.
var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a billing client for the given base URL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultRequestTimeout},
	}
}

// CheckSubscription calls GET {base}/subscriptions/{phone}.
func (p *HTTPProvider) CheckSubscription(ctx context.Context, phone string) (bool, error) {
	endpoint := fmt.Sprintf("%s/subscriptions/%s", p.baseURL, url.PathEscape(phone))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("billing request build failed: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Error("Billing subscription check failed", "error", err, "phone", phone)
		return false, fmt.Errorf("billing subscription check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("billing subscription check returned status %d", resp.StatusCode)
	}
	var out struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("billing subscription decode failed: %w", err)
	}
	return out.Active, nil
}

// GetPaymentLink calls GET {base}/payment-links/{phone}.
func (p *HTTPProvider) GetPaymentLink(ctx context.Context, phone string) (string, error) {
	endpoint := fmt.Sprintf("%s/payment-links/%s", p.baseURL, url.PathEscape(phone))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("billing request build failed: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Error("Billing payment link fetch failed", "error", err, "phone", phone)
		return "", fmt.Errorf("billing payment link fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("billing payment link returned status %d", resp.StatusCode)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("billing payment link decode failed: %w", err)
	}
	return out.URL, nil
}

// StaticProvider is a fixed-answer Provider for development and tests.
type StaticProvider struct {
	Active      bool
	PaymentLink string
}

// Compile-time check.
var _ Provider = (*StaticProvider)(nil)

// CheckSubscription returns the configured answer.
func (p *StaticProvider) CheckSubscription(ctx context.Context, phone string) (bool, error) {
	return p.Active, nil
}

// GetPaymentLink returns the configured link.
func (p *StaticProvider) GetPaymentLink(ctx context.Context, phone string) (string, error) {
	return p.PaymentLink, nil
}
