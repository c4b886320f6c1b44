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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/baderhq/wagateway/internal/campaign_service/adapters/crm"
	campaignapp "github.com/baderhq/wagateway/internal/campaign_service/app"
	campaigndomain "github.com/baderhq/wagateway/internal/campaign_service/domain"
	campaignrepo "github.com/baderhq/wagateway/internal/campaign_service/repository/postgres"
	"github.com/baderhq/wagateway/internal/gateway_service/adapters/provider"
	gwapp "github.com/baderhq/wagateway/internal/gateway_service/app"
	gwdomain "github.com/baderhq/wagateway/internal/gateway_service/domain"
	gwrepo "github.com/baderhq/wagateway/internal/gateway_service/repository/postgres"
	"github.com/baderhq/wagateway/internal/platform/config"
	"github.com/baderhq/wagateway/internal/platform/database"
	"github.com/baderhq/wagateway/internal/platform/logger"
	"github.com/baderhq/wagateway/internal/platform/messagebroker"
)

const serviceName = "campaign_worker"

// metricsPort is fixed: the worker exposes no API surface, only
// liveness and Prometheus scraping.
const metricsPort = 9091

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Campaign worker starting...", "poll_interval", cfg.CampaignPollInterval.String())

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(rootCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Campaign worker connected to PostgreSQL database")

	natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("Successfully connected to NATS")

	gatewayRepo := gwrepo.NewPgGatewayRepository(dbPool, appLogger)
	statusRepo := gwrepo.NewPgStatusRecordRepository(dbPool, appLogger)
	campaignRepo := campaignrepo.NewPgCampaignRepository(dbPool, appLogger)
	campaignMsgRepo := campaignrepo.NewPgCampaignMessageRepository(dbPool, appLogger)
	contactRepo := campaignrepo.NewPgContactRepository(dbPool, appLogger)

	registry := provider.NewRegistry()
	registry.Register(gwdomain.GatewayTypeCloud,
		provider.NewCloudProvider(appLogger, "https://graph.facebook.com", "19.0", cfg.ProviderSendTimeout, cfg.ProviderMediaTimeout))
	registry.Register(gwdomain.GatewayTypeInstance,
		provider.NewInstanceProvider(appLogger, cfg.ProviderSendTimeout))

	ledger := gwapp.NewStatusLedger(statusRepo, appLogger)
	correlator := campaignapp.NewStatusCorrelator(campaignMsgRepo, campaignRepo, appLogger)
	ledger.AddFailureListener(correlator)
	ledger.AddStatusListener(correlator)

	sender := gwapp.NewOutboundSender(registry, ledger, appLogger)
	var leadSearcher campaigndomain.LeadSearcher
	if cfg.CRMBaseURL != "" {
		leadSearcher = crm.NewLeadClient(cfg.CRMBaseURL, cfg.CRMAPIToken, cfg.CRMSearchTimeout, appLogger)
	}
	dispatcher := campaignapp.NewDispatcher(
		campaignRepo, campaignMsgRepo, contactRepo, leadSearcher, gatewayRepo,
		sender, natsClient, campaignapp.ClockSleeper{}, appLogger)

	poller := campaignapp.NewCampaignPoller(campaignRepo, dispatcher, natsClient, appLogger, campaignapp.PollerConfig{
		PollingInterval: cfg.CampaignPollInterval,
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "Campaign worker is healthy"})
	})
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", metricsPort), Handler: metricsMux}

	g, gCtx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		err := poller.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		appLogger.Info(fmt.Sprintf("Campaign worker metrics listening on port %d", metricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		appLogger.Info("Shutdown signal received, shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Campaign worker terminated with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Campaign worker shut down gracefully.")
}
