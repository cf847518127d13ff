// Package api provides the HTTP server for ScanPipe.
//
// It exposes the reminder trigger, the inbound message webhooks (generic JSON and Twilio
// form posts), read and cancel routes for active conversations, and the health and
// Prometheus endpoints. Every inbound path goes through processInbound, which canonicalizes
// the sender and hands the message, with its provider id for redelivery checks, to the
// orchestrator.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/conversation"
	"github.com/BTreeMap/ScanPipe/internal/messaging"
	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server defaults.
const (
	DefaultAddr        = ":8080"
	maxRequestBodySize = 1 << 20
	readTimeout        = 15 * time.Second
	writeTimeout       = 30 * time.Second
	idleTimeout        = 60 * time.Second
	shutdownTimeout    = 30 * time.Second
)

// SignatureValidator checks a webhook signature against the public URL and form parameters.
type SignatureValidator interface {
	Validate(url string, params map[string]string, signature string) bool
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr               string
	SignatureValidator SignatureValidator
	PublicWebhookURL   string // URL Twilio signs; derived from the request when empty
	MetricsHandler     http.Handler
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithSignatureValidator enables X-Twilio-Signature checks on /webhook/twilio.
func WithSignatureValidator(v SignatureValidator) Option {
	return func(o *Opts) {
		o.SignatureValidator = v
	}
}

// WithPublicWebhookURL sets the externally visible URL of /webhook/twilio.
func WithPublicWebhookURL(u string) Option {
	return func(o *Opts) {
		o.PublicWebhookURL = u
	}
}

// WithMetricsHandler overrides the handler mounted at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) {
		o.MetricsHandler = h
	}
}

// Server routes HTTP requests to the orchestrator.
type Server struct {
	orchestrator *conversation.Orchestrator
	cfg          Opts
	router       chi.Router
}

// NewServer builds the router.
func NewServer(orchestrator *conversation.Orchestrator, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	s := &Server{orchestrator: orchestrator, cfg: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", s.cfg.MetricsHandler)

	r.Post("/remind", s.remindHandler)
	r.Post("/webhook", s.webhookHandler)
	r.Post("/webhook/twilio", s.twilioWebhookHandler)

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", s.listConversationsHandler)
		r.Get("/{phone}", s.getConversationHandler)
		r.Delete("/{phone}", s.cancelConversationHandler)
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	slog.Info("Server.Run: stopped")
	return nil
}

// inboundOutcome is what processInbound did with one message.
type inboundOutcome struct {
	PatientID string
	Result    conversation.Result
}

// processInbound runs one validated inbound message through the orchestrator.
func (s *Server) processInbound(ctx context.Context, evt models.InboundEvent) (inboundOutcome, error) {
	patientID, err := messaging.CanonicalizePhone(evt.From)
	if err != nil {
		return inboundOutcome{}, err
	}
	result, err := s.orchestrator.HandleInboundMessage(ctx, evt.ID, patientID, evt.Text)
	if err != nil {
		return inboundOutcome{PatientID: patientID}, err
	}
	return inboundOutcome{PatientID: patientID, Result: result}, nil
}

// HandleInboundEvent adapts processInbound to messaging.InboundHandler for push-based sinks.
func (s *Server) HandleInboundEvent(ctx context.Context, evt models.InboundEvent) {
	if err := evt.Validate(); err != nil {
		slog.Debug("Server.HandleInboundEvent: ignoring event", "from", evt.From, "error", err)
		return
	}
	out, err := s.processInbound(ctx, evt)
	if err != nil {
		slog.Error("Server.HandleInboundEvent: inbound message failed", "from", evt.From, "message_id", evt.ID, "error", err)
		return
	}
	slog.Debug("Server.HandleInboundEvent: handled", "patient_id", out.PatientID, "duplicate", out.Result.Duplicate, "stage", out.Result.Stage)
}
