package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wakala/fulfillment/internal/config"
	"github.com/wakala/fulfillment/internal/events"
	"github.com/wakala/fulfillment/internal/httpx"
	"github.com/wakala/fulfillment/internal/idempotency"
	"github.com/wakala/fulfillment/internal/inventory"
	"github.com/wakala/fulfillment/internal/ledger"
	"github.com/wakala/fulfillment/internal/payment"
	"github.com/wakala/fulfillment/internal/payment/breaker"
	"github.com/wakala/fulfillment/internal/payment/gateway"
	"github.com/wakala/fulfillment/internal/pkg/telemetry"
	"github.com/wakala/fulfillment/internal/saga"
	sagalogsqlite "github.com/wakala/fulfillment/internal/saga/sagalog/sqlite"
	"github.com/wakala/fulfillment/internal/webhook"
)

const sweepInterval = time.Minute

func main() {
	telemetry.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	shutdown, err := telemetry.SetupTracer(ctx, cfg.ServiceName)
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	// Backing stores fall back to in-memory adapters when unconfigured so
	// the service boots on a laptop with no containers running.
	var store ledger.Store
	if cfg.PostgresDSN != "" {
		pg, err := ledger.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			slog.Error("failed to open ledger", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	} else {
		slog.Warn("POSTGRES_DSN not set, using in-memory ledger")
		store = ledger.NewMemoryStore()
	}

	var idem idempotency.Store
	var lease saga.Lease
	if cfg.RedisAddr != "" {
		idem = idempotency.NewRedisStore(cfg.RedisAddr)
		lease = saga.NewRedisLease(cfg.RedisAddr)
	} else {
		slog.Warn("REDIS_ADDR not set, using in-memory idempotency and leases")
		idem = idempotency.NewMemoryStore()
		lease = saga.NewMemoryLease()
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	} else {
		slog.Warn("KAFKA_BROKERS not set, events stay in memory")
		publisher = events.NewMemoryPublisher()
	}

	sagaLog, err := sagalogsqlite.Open(cfg.SagaLogPath)
	if err != nil {
		slog.Error("failed to open saga log", "path", cfg.SagaLogPath, "error", err)
		os.Exit(1)
	}
	defer sagaLog.Close()

	var inv inventory.Client
	if cfg.InventoryURL != "" {
		inv = inventory.NewHTTPClient(cfg.InventoryURL, cfg.InventoryTimeout)
	} else {
		slog.Warn("INVENTORY_URL not set, using in-memory inventory")
		inv = inventory.NewMemoryClient(nil, 0)
	}

	gw := cfg.Gateways
	gateways := []gateway.Gateway{
		gateway.NewCardGateway(gw.CardName, gw.CardURL, gw.CardAPIKey, gw.CardPriority, gw.Timeout),
		gateway.NewEFTGateway(gw.EFTName, gw.EFTURL, gw.EFTAPIKey, gw.EFTPriority, gw.Timeout),
		gateway.NewCODGateway(gw.CODPriority),
	}
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	for _, g := range gateways {
		breakers.Register(g.Name(), g.Priority())
	}

	orchestrator := payment.NewOrchestrator(gateways, breakers, idem, store)
	coordinator := saga.NewCoordinator(inv, orchestrator, store, publisher, lease, idem, sagaLog)

	dispatcher := webhook.NewDispatcher(coordinator, idem, 2, 128)
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Stop()

	go sweepLoop(ctx, coordinator)

	handler := httpx.NewHandler(coordinator, store, sagaLog, cfg.WebhookSecrets, dispatcher, breakers)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpx.NewRouter(handler),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
	}()

	slog.Info("fulfillment service running", "addr", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("failed to serve", "error", err)
		os.Exit(1)
	}
}

// sweepLoop releases expired inventory reservations on a timer.
func sweepLoop(ctx context.Context, c *saga.Coordinator) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SweepExpiredReservations(ctx); err != nil {
				slog.ErrorContext(ctx, "reservation sweep failed", "error", err)
			}
		}
	}
}
