// Package api provides the HTTP surface and the main server logic for
// LingoPipe.
//
// It wires the store, messaging service, onboarding machine, eligibility
// gate, session controller, and fleet sweeper together, consumes inbound
// messages, and exposes the webhook, initiate, and health endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lingopipe/LingoPipe/internal/billing"
	"github.com/lingopipe/LingoPipe/internal/conversation"
	"github.com/lingopipe/LingoPipe/internal/gate"
	"github.com/lingopipe/LingoPipe/internal/genai"
	"github.com/lingopipe/LingoPipe/internal/messaging"
	"github.com/lingopipe/LingoPipe/internal/onboarding"
	"github.com/lingopipe/LingoPipe/internal/scheduler"
	"github.com/lingopipe/LingoPipe/internal/store"
	"github.com/lingopipe/LingoPipe/internal/timeutil"
	"github.com/lingopipe/LingoPipe/internal/twiliowhatsapp"
	"github.com/lingopipe/LingoPipe/internal/whatsapp"
)

// DefaultAddr is the default API listen address.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	TrialDays       int
	DailyLimit      int
	SendHour        int
	DefaultTimezone string
	BillingBaseURL  string
	UseTwilio       bool
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTrialDays sets the trial length in civil days.
func WithTrialDays(days int) Option {
	return func(o *Opts) { o.TrialDays = days }
}

// WithDailyLimit sets the trial daily conversation limit.
func WithDailyLimit(limit int) Option {
	return func(o *Opts) { o.DailyLimit = limit }
}

// WithSendHour sets the local hour for proactive check-ins.
func WithSendHour(hour int) Option {
	return func(o *Opts) { o.SendHour = hour }
}

// WithDefaultTimezone sets the IANA timezone used for subscribers that have
// not stated one.
func WithDefaultTimezone(name string) Option {
	return func(o *Opts) { o.DefaultTimezone = name }
}

// WithBillingBaseURL points the billing provider at a real endpoint.
func WithBillingBaseURL(url string) Option {
	return func(o *Opts) { o.BillingBaseURL = url }
}

// WithTwilio selects the Twilio transport instead of a live Whatsmeow session.
func WithTwilio() Option {
	return func(o *Opts) { o.UseTwilio = true }
}

// Server holds the wired modules behind the HTTP handlers.
type Server struct {
	store      store.Store
	dedup      store.DedupRepo
	msgService messaging.Service
	onboard    *onboarding.Machine
	gate       *gate.Gate
	controller *conversation.Controller
	agent      genai.ConversationAgent
	billing    billing.Provider
	locks      *messaging.PhoneLockRegistry

	addr string
}

// NewServer assembles a Server from already constructed modules. Run is the
// production composition path; NewServer exists so tests can inject fakes.
func NewServer(st store.Store, dedup store.DedupRepo, msgService messaging.Service, onboard *onboarding.Machine, g *gate.Gate, controller *conversation.Controller, agent genai.ConversationAgent, billingProvider billing.Provider, addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		store:      st,
		dedup:      dedup,
		msgService: msgService,
		onboard:    onboard,
		gate:       g,
		controller: controller,
		agent:      agent,
		billing:    billingProvider,
		locks:      messaging.NewPhoneLockRegistry(),
		addr:       addr,
	}
}

// Run builds every module from options and serves until SIGINT/SIGTERM.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	defaultLoc := timeutil.LoadLocation(cfg.DefaultTimezone, time.UTC)

	// Storage. A DSN selects SQLite or Postgres; no DSN means in-memory,
	// which is only suitable for development.
	var storeCfg store.Opts
	for _, opt := range storeOpts {
		opt(&storeCfg)
	}
	var (
		st    store.Store
		dedup store.DedupRepo
		err   error
	)
	switch {
	case storeCfg.DSN == "":
		slog.Warn("No database DSN provided, using in-memory store")
		mem := store.NewInMemoryStore()
		st, dedup = mem, mem
	case store.DetectDSNType(storeCfg.DSN) == "postgres":
		pg, perr := store.NewPostgresStore(storeOpts...)
		if perr != nil {
			return fmt.Errorf("failed to initialize postgres store: %w", perr)
		}
		st, dedup = pg, pg
	default:
		sq, serr := store.NewSQLiteStore(storeOpts...)
		if serr != nil {
			return fmt.Errorf("failed to initialize sqlite store: %w", serr)
		}
		st, dedup = sq, sq
	}
	defer st.Close()

	// Conversation agent.
	agent, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize genai client: %w", err)
	}

	// Messaging transport.
	var msgService messaging.Service
	if cfg.UseTwilio {
		twClient, terr := twilioClient()
		if terr != nil {
			return fmt.Errorf("failed to initialize twilio client: %w", terr)
		}
		msgService = messaging.NewTwilioService(twClient)
	} else {
		waClient, werr := whatsapp.NewClient(waOpts...)
		if werr != nil {
			return fmt.Errorf("failed to initialize whatsapp client: %w", werr)
		}
		msgService = messaging.NewWhatsAppService(waClient)
	}

	// Billing.
	var billingProvider billing.Provider
	if cfg.BillingBaseURL != "" {
		billingProvider = billing.NewHTTPProvider(cfg.BillingBaseURL)
	} else {
		slog.Warn("No billing base URL provided, treating everyone as unpaid")
		billingProvider = &billing.StaticProvider{}
	}

	// Domain modules.
	g := gate.New(st, gate.Config{
		TrialDays:       cfg.TrialDays,
		DailyLimit:      cfg.DailyLimit,
		DefaultTimezone: defaultLoc,
	})
	onboard := onboarding.New(st, onboarding.NewAgentExtractor(agent))
	controller := conversation.New(st, agent, conversation.WithDefaultTimezone(defaultLoc))

	server := NewServer(st, dedup, msgService, onboard, g, controller, agent, billingProvider, cfg.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()
	go server.consumeMessages(ctx)
	go server.drainReceipts(ctx)

	// Scheduler: proactive sweep plus housekeeping.
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	// The sweeper shares the server's phone locks so a proactive send and an
	// inbound turn for the same subscriber never interleave.
	sweeper := scheduler.NewSweeper(st, dedup, g, controller, msgService, server.locks,
		scheduler.WithSendHour(cfg.SendHour),
		scheduler.WithDefaultTimezone(defaultLoc),
	)
	if err := sweeper.Register(sched); err != nil {
		return fmt.Errorf("failed to register scheduler jobs: %w", err)
	}

	mux := http.NewServeMux()
	server.registerRoutes(mux)

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("LingoPipe API listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	case sig := <-sigCh:
		slog.Info("Shutting down on signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	return nil
}

// twilioClient builds the Twilio sender from TWILIO_* environment variables.
func twilioClient() (twiliowhatsapp.Sender, error) {
	return twiliowhatsapp.NewClient()
}

// registerRoutes mounts the HTTP endpoints on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/initiate", s.initiateHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if tw, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/twilio/webhook", tw.TwilioWebhookHandler)
	}
}

// consumeMessages feeds transport-delivered inbound messages through the
// same pipeline as the webhook endpoint.
func (s *Server) consumeMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.msgService.Messages():
			if !ok {
				return
			}
			s.handleInbound(ctx, msg)
		}
	}
}

// drainReceipts logs delivery receipts. Nothing downstream consumes them yet.
func (s *Server) drainReceipts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-s.msgService.Receipts():
			if !ok {
				return
			}
			slog.Debug("Delivery receipt", "to", receipt.To, "status", receipt.Status)
		}
	}
}
