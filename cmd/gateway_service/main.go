package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	agentapp "github.com/baderhq/wagateway/internal/agent_service/app"
	agentrepo "github.com/baderhq/wagateway/internal/agent_service/repository/postgres"
	agenthttp "github.com/baderhq/wagateway/internal/agent_service/transport/http"
	"github.com/baderhq/wagateway/internal/campaign_service/adapters/crm"
	campaignapp "github.com/baderhq/wagateway/internal/campaign_service/app"
	campaigndomain "github.com/baderhq/wagateway/internal/campaign_service/domain"
	campaignrepo "github.com/baderhq/wagateway/internal/campaign_service/repository/postgres"
	campaignhttp "github.com/baderhq/wagateway/internal/campaign_service/transport/http"
	"github.com/baderhq/wagateway/internal/gateway_service/adapters/provider"
	gwapp "github.com/baderhq/wagateway/internal/gateway_service/app"
	gwdomain "github.com/baderhq/wagateway/internal/gateway_service/domain"
	"github.com/baderhq/wagateway/internal/gateway_service/middleware"
	gwrepo "github.com/baderhq/wagateway/internal/gateway_service/repository/postgres"
	gwhttp "github.com/baderhq/wagateway/internal/gateway_service/transport/http"
	"github.com/baderhq/wagateway/internal/platform/config"
	"github.com/baderhq/wagateway/internal/platform/database"
	"github.com/baderhq/wagateway/internal/platform/logger"
	"github.com/baderhq/wagateway/internal/platform/messagebroker"
)

const serviceName = "gateway_service"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Gateway service starting...", "port", cfg.GatewayServicePort)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(rootCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Gateway service connected to PostgreSQL database")

	natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("Successfully connected to NATS")

	// Repositories.
	gatewayRepo := gwrepo.NewPgGatewayRepository(dbPool, appLogger)
	convRepo := gwrepo.NewPgConversationRepository(dbPool, appLogger)
	msgRepo := gwrepo.NewPgMessageRepository(dbPool, appLogger)
	statusRepo := gwrepo.NewPgStatusRecordRepository(dbPool, appLogger)
	campaignRepo := campaignrepo.NewPgCampaignRepository(dbPool, appLogger)
	campaignMsgRepo := campaignrepo.NewPgCampaignMessageRepository(dbPool, appLogger)
	contactRepo := campaignrepo.NewPgContactRepository(dbPool, appLogger)
	queueRepo := agentrepo.NewPgQueueRepository(dbPool, appLogger)
	assignmentRepo := agentrepo.NewPgAssignmentRepository(dbPool, appLogger)
	agentStatusRepo := agentrepo.NewPgAgentStatusRepository(dbPool, appLogger)

	// Provider adapters.
	registry := provider.NewRegistry()
	registry.Register(gwdomain.GatewayTypeCloud,
		provider.NewCloudProvider(appLogger, "https://graph.facebook.com", "19.0", cfg.ProviderSendTimeout, cfg.ProviderMediaTimeout))
	registry.Register(gwdomain.GatewayTypeInstance,
		provider.NewInstanceProvider(appLogger, cfg.ProviderSendTimeout))

	// Application services.
	ledger := gwapp.NewStatusLedger(statusRepo, appLogger)
	correlator := campaignapp.NewStatusCorrelator(campaignMsgRepo, campaignRepo, appLogger)
	ledger.AddFailureListener(correlator)
	ledger.AddStatusListener(correlator)

	windowTracker := gwapp.NewWindowTracker(convRepo, appLogger)
	sender := gwapp.NewOutboundSender(registry, ledger, appLogger)
	processor := gwapp.NewInboundProcessor(convRepo, msgRepo, windowTracker, ledger, registry, natsClient, appLogger)

	router := agentapp.NewRouter(queueRepo, assignmentRepo, agentStatusRepo, natsClient, appLogger)
	processor.SetAssignmentHook(router)
	presence := agentapp.NewPresence(agentStatusRepo, appLogger)

	var leadSearcher campaigndomain.LeadSearcher
	if cfg.CRMBaseURL != "" {
		leadSearcher = crm.NewLeadClient(cfg.CRMBaseURL, cfg.CRMAPIToken, cfg.CRMSearchTimeout, appLogger)
	}
	dispatcher := campaignapp.NewDispatcher(
		campaignRepo, campaignMsgRepo, contactRepo, leadSearcher, gatewayRepo,
		sender, natsClient, campaignapp.ClockSleeper{}, appLogger)

	// HTTP transport.
	validate := validator.New()
	authMW := middleware.AuthMiddleware(cfg.JWTSecret, appLogger)

	webhookHandler := gwhttp.NewWebhookHandler(gatewayRepo, processor, appLogger)
	messageHandler := gwhttp.NewMessageHandler(gatewayRepo, convRepo, statusRepo, sender, windowTracker, registry, ledger, validate, appLogger)
	messageHandler.SetFirstResponseRecorder(router)
	campaignHandler := campaignhttp.NewCampaignHandler(campaignRepo, dispatcher, validate, appLogger)
	assignmentHandler := agenthttp.NewAssignmentHandler(router, presence, validate, appLogger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(gwhttp.PrometheusMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "Gateway service is healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Webhook routes are authenticated by signature, not JWT.
	webhookHandler.RegisterRoutes(r)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(authMW)
		messageHandler.RegisterRoutes(v1)
		campaignHandler.RegisterRoutes(v1)
		assignmentHandler.RegisterRoutes(v1)
	})

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.GatewayServicePort), Handler: r}

	g, gCtx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		appLogger.Info(fmt.Sprintf("Gateway HTTP server listening on port %d", cfg.GatewayServicePort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		appLogger.Info("Shutdown signal received, shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := presence.RunSweeper(gCtx, cfg.AgentOfflineSweepInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Gateway service terminated with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Gateway service shut down gracefully.")
}
