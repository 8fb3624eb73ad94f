package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPProviderCheckSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/subscriptions/4915550001":
			w.Write([]byte(`{"active": true}`))
		case "/subscriptions/4915550002":
			w.Write([]byte(`{"active": false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	p := NewHTTPProvider(srv.URL)

	active, err := p.CheckSubscription(context.Background(), "4915550001")
	if err != nil || !active {
		t.Errorf("paying phone: active = %v, err = %v", active, err)
	}
	active, err = p.CheckSubscription(context.Background(), "4915550002")
	if err != nil || active {
		t.Errorf("lapsed phone: active = %v, err = %v", active, err)
	}
	// Unknown phones are simply not subscribed, not an error.
	active, err = p.CheckSubscription(context.Background(), "400000000")
	if err != nil || active {
		t.Errorf("unknown phone: active = %v, err = %v", active, err)
	}
}

func TestHTTPProviderCheckSubscriptionServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	p := NewHTTPProvider(srv.URL)

	if _, err := p.CheckSubscription(context.Background(), "4915550003"); err == nil {
		t.Error("expected error on 500 response")
	}
}

func TestHTTPProviderGetPaymentLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payment-links/4915550004" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"url": "https://pay.example/abc"}`))
	}))
	defer srv.Close()
	p := NewHTTPProvider(srv.URL)

	link, err := p.GetPaymentLink(context.Background(), "4915550004")
	if err != nil {
		t.Fatalf("GetPaymentLink failed: %v", err)
	}
	if link != "https://pay.example/abc" {
		t.Errorf("link = %q", link)
	}

	if _, err := p.GetPaymentLink(context.Background(), "400000000"); err == nil {
		t.Error("expected error when no link exists")
	}
}

func TestStaticProvider(t *testing.T) {
	p := &StaticProvider{Active: true, PaymentLink: "https://pay.example/xyz"}
	active, err := p.CheckSubscription(context.Background(), "4915550005")
	if err != nil || !active {
		t.Errorf("active = %v, err = %v", active, err)
	}
	link, err := p.GetPaymentLink(context.Background(), "4915550005")
	if err != nil || link != "https://pay.example/xyz" {
		t.Errorf("link = %q, err = %v", link, err)
	}
}
