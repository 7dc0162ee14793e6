package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/imoveisdaher/crm-gateway/internal/http/handlers"
	httpmiddleware "github.com/imoveisdaher/crm-gateway/internal/http/middleware"
	"github.com/imoveisdaher/crm-gateway/internal/ingestion"
	"github.com/imoveisdaher/crm-gateway/internal/whatsapp"
	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger             *logging.Logger
	CaptureLead        *ingestion.Handler
	WhatsAppWebhook    *whatsapp.WebhookHandler
	SendHandler        *whatsapp.SendHandler
	AdminConversations *handlers.AdminConversationsHandler
	AdminAuthSecret    string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
	WebhookRatePerSec  float64
	WebhookBurst       int
}

// New creates the chi router with all gateway routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints: health, metrics and the inbound webhooks.
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}

		rate := cfg.WebhookRatePerSec
		if rate <= 0 {
			rate = 5
		}
		burst := cfg.WebhookBurst
		if burst <= 0 {
			burst = 20
		}
		public.Group(func(hooks chi.Router) {
			hooks.Use(httpmiddleware.RateLimit(rate, burst))
			if cfg.CaptureLead != nil {
				hooks.Post("/capture-lead", cfg.CaptureLead.CaptureLead)
			}
			if cfg.WhatsAppWebhook != nil {
				hooks.Post("/webhooks/whatsapp", cfg.WhatsAppWebhook.Receive)
			}
		})
	})

	// Admin endpoints, called by the console with a bearer token.
	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			if cfg.SendHandler != nil {
				admin.Post("/whatsapp/send", cfg.SendHandler.Send)
			}
			if cfg.AdminConversations != nil {
				admin.Get("/conversations", cfg.AdminConversations.ListOpen)
				admin.Get("/conversations/{id}", cfg.AdminConversations.Get)
				admin.Get("/conversations/{id}/messages", cfg.AdminConversations.ListMessages)
				admin.Post("/conversations/{id}/read", cfg.AdminConversations.MarkRead)
				admin.Post("/conversations/{id}/archive", cfg.AdminConversations.Archive)
				admin.Get("/leads/{id}/activity", cfg.AdminConversations.LeadActivity)
			}
		})
	}

	return r
}
