package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wakala/fulfillment/internal/config"
	"github.com/wakala/fulfillment/internal/events"
	"github.com/wakala/fulfillment/internal/ledger"
	"github.com/wakala/fulfillment/internal/payment/gateway"
	"github.com/wakala/fulfillment/internal/pkg/telemetry"
	"github.com/wakala/fulfillment/internal/reconcile"
)

func main() {
	telemetry.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	shutdown, err := telemetry.SetupTracer(ctx, cfg.ServiceName+"-reconciler")
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

	if cfg.PostgresDSN == "" {
		slog.Error("POSTGRES_DSN is required: reconciliation needs the durable intent ledger")
		os.Exit(1)
	}
	store, err := ledger.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		slog.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	} else {
		slog.Warn("KAFKA_BROKERS not set, discrepancy events stay in memory")
		publisher = events.NewMemoryPublisher()
	}

	gw := cfg.Gateways
	engine := reconcile.NewEngine(store, publisher)
	engine.Register(gw.CardName, gateway.NewCardGateway(gw.CardName, gw.CardURL, gw.CardAPIKey, gw.CardPriority, gw.Timeout))
	engine.Register(gw.EFTName, gateway.NewEFTGateway(gw.EFTName, gw.EFTURL, gw.EFTAPIKey, gw.EFTPriority, gw.Timeout))

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		slog.Error("TENANT_IDS is required: reconciliation runs per tenant")
		os.Exit(1)
	}

	slog.Info("reconciler running", "interval", cfg.ReconcileInterval, "tenants", len(tenants))

	// Reconcile yesterday immediately on boot, then on the timer.
	runAll(ctx, engine, tenants)
	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			runAll(ctx, engine, tenants)
		}
	}
}

func runAll(ctx context.Context, engine *reconcile.Engine, tenants []string) {
	day := time.Now().UTC().AddDate(0, 0, -1)
	for _, tenant := range tenants {
		reports, err := engine.Run(ctx, tenant, day)
		if err != nil {
			slog.ErrorContext(ctx, "reconciliation run failed", "tenant", tenant, "error", err)
			continue
		}
		for _, rep := range reports {
			slog.InfoContext(ctx, "reconciliation report",
				"tenant", tenant,
				"gateway", rep.Gateway,
				"matched", rep.Matched,
				"discrepancies", len(rep.Discrepancies))
		}
	}
}
