package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/imoveisdaher/crm-gateway/cmd/mainconfig"
	"github.com/imoveisdaher/crm-gateway/internal/api/router"
	"github.com/imoveisdaher/crm-gateway/internal/audit"
	appconfig "github.com/imoveisdaher/crm-gateway/internal/config"
	"github.com/imoveisdaher/crm-gateway/internal/conversations"
	"github.com/imoveisdaher/crm-gateway/internal/http/handlers"
	"github.com/imoveisdaher/crm-gateway/internal/ingestion"
	"github.com/imoveisdaher/crm-gateway/internal/leads"
	"github.com/imoveisdaher/crm-gateway/internal/notify"
	"github.com/imoveisdaher/crm-gateway/internal/observability/metrics"
	"github.com/imoveisdaher/crm-gateway/internal/properties"
	"github.com/imoveisdaher/crm-gateway/internal/whatsapp"
	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

func main() {
	// Load .env in development; production injects real env vars.
	_ = godotenv.Load()

	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting crm-gateway API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	gwMetrics := metrics.NewGatewayMetrics(nil)

	// Storage layer
	leadsRepo := leads.NewPostgresRepository(pool)
	propsRepo := properties.NewPostgresRepository(pool)
	convStore := conversations.NewStore(pool)
	auditRec := audit.NewRecorder(pool, logger)

	// WhatsApp provider wiring
	waClient := whatsapp.NewClient(cfg.WhatsAppBaseURL, cfg.WhatsAppSession, cfg.WhatsAppToken, logger)
	resolver := whatsapp.NewResolver(waClient, cfg.CountryCode, cfg.AreaCodePriority, gwMetrics, logger)
	dispatcher := whatsapp.NewDispatcher(resolver, waClient, convStore, leadsRepo, auditRec, gwMetrics,
		cfg.PacingMinDelay, cfg.PacingMaxDelay, logger)

	// Lead ingestion
	redisClient := buildRedisClient(ctx, cfg, logger)
	dedup := ingestion.NewDeduplicator(redisClient, cfg.WebhookDedupTTL, logger)

	var notifier ingestion.LeadNotifier
	if svc := buildNotifyService(ctx, cfg, logger); svc != nil {
		notifier = svc
	}

	processor := ingestion.NewProcessor(leadsRepo, propsRepo, convStore, auditRec, notifier, gwMetrics, logger)

	// Handlers
	captureHandler := ingestion.NewHandler(processor, dedup, cfg.LeadWebhookSecret, gwMetrics, logger)
	webhookHandler := whatsapp.NewWebhookHandler(convStore, leadsRepo, cfg.WhatsAppToken, gwMetrics, logger)
	sendHandler := whatsapp.NewSendHandler(dispatcher, logger)
	adminConvs := handlers.NewAdminConversationsHandler(convStore, leadsRepo, auditRec, logger)

	routerCfg := &router.Config{
		Logger:             logger,
		CaptureLead:        captureHandler,
		WhatsAppWebhook:    webhookHandler,
		SendHandler:        sendHandler,
		AdminConversations: adminConvs,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		MetricsHandler:     promhttp.Handler(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WebhookRatePerSec:  cfg.WebhookRatePerSec,
		WebhookBurst:       cfg.WebhookRateBurst,
	}
	r := router.New(routerCfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// buildRedisClient returns nil when redis is not configured or unreachable;
// webhook dedup degrades to pass-through in that case.
func buildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, webhook dedup disabled", "error", err)
		return nil
	}
	return client
}

// buildNotifyService picks the email backend from EMAIL_PROVIDER. It returns
// nil when no recipients or no backend are configured, which silences new-lead
// notifications without affecting ingestion.
func buildNotifyService(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *notify.Service {
	recipients := splitRecipients(cfg.NotifyEmail)
	if len(recipients) == 0 {
		return nil
	}

	var sender notify.EmailSender
	switch cfg.EmailProvider {
	case "ses":
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config for SES", "error", err)
			return nil
		}
		sender = notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	case "sendgrid":
		if s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); s != nil {
			sender = s
		}
	case "stub":
		sender = notify.NewStubEmailSender(logger)
	}
	if sender == nil {
		logger.Warn("new-lead notifications disabled", "provider", cfg.EmailProvider)
		return nil
	}
	return notify.NewService(sender, recipients, cfg.PublicBaseURL, logger)
}

func splitRecipients(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
