// Package api exposes the conversation engine over HTTP: inbound webhooks, the
// conversation state query, operator actions, flow administration, health and
// metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/workspacemrqz/crmportilho-sub001/internal/flow"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/orchestrator"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// Engine is the engine surface used by the handlers.
type Engine interface {
	HandleInbound(ctx context.Context, msg models.InboundMessage) (*orchestrator.InboundResult, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CloseConversation(ctx context.Context, id string) (*models.Conversation, error)
	SendOperatorMessage(ctx context.Context, conversationID, text string) error
}

var _ Engine = (*orchestrator.Engine)(nil)

// Opts holds configuration options for the Server.
type Opts struct {
	Registry      *flow.Registry
	Metrics       http.Handler
	TwilioWebhook http.HandlerFunc
}

// Option is a functional option for configuring the Server.
type Option func(*Opts)

// WithRegistry enables the flow administration endpoints.
func WithRegistry(r *flow.Registry) Option {
	return func(o *Opts) { o.Registry = r }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.Metrics = h }
}

// WithTwilioWebhook serves h on POST /webhook/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server holds the HTTP handlers.
type Server struct {
	engine   Engine
	registry *flow.Registry
	router   chi.Router
}

// NewServer builds the router.
func NewServer(engine Engine, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{engine: engine, registry: cfg.Registry}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.healthHandler)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Post("/webhook/inbound", s.inboundHandler)
	if cfg.TwilioWebhook != nil {
		r.Post("/webhook/twilio", cfg.TwilioWebhook)
	}
	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Get("/", s.getConversationHandler)
		r.Post("/close", s.closeConversationHandler)
		r.Post("/messages", s.operatorMessageHandler)
	})
	if s.registry != nil {
		r.Get("/flow", s.getFlowHandler)
		r.Put("/flow", s.publishFlowHandler)
		r.Post("/flows/{flowID}/steps/{stepID}/rename", s.renameStepHandler)
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("API server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}
