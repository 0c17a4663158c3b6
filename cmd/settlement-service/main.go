package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/restro77/settlement-service/internal/cart"
	"github.com/restro77/settlement-service/internal/config"
	dfpg "github.com/restro77/settlement-service/internal/deliveryfee/postgres"
	"github.com/restro77/settlement-service/internal/gateway"
	loyaltypg "github.com/restro77/settlement-service/internal/loyalty/postgres"
	"github.com/restro77/settlement-service/internal/order/application"
	orderhttp "github.com/restro77/settlement-service/internal/order/infrastructure/http"
	orderkafka "github.com/restro77/settlement-service/internal/order/infrastructure/kafka"
	orderpg "github.com/restro77/settlement-service/internal/order/infrastructure/postgres"
	"github.com/restro77/settlement-service/internal/realtime"
	"github.com/restro77/settlement-service/internal/storage"
	"github.com/restro77/settlement-service/pkg/idempotency"
	"github.com/restro77/settlement-service/pkg/logging"
	"github.com/restro77/settlement-service/pkg/outbox"
	"github.com/restro77/settlement-service/pkg/shutdown"
	"github.com/restro77/settlement-service/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(slog.LevelInfo).Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logging.New(logging.ParseLevel(cfg.LogLevel))

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "settlement-service", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := storage.RunMigrations(ctx, pool); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	writer := orderkafka.NewWriter(cfg.KafkaBrokers)
	defer writer.Close()

	repo := orderpg.NewRepository(log, pool)
	store := orderpg.NewOutboxStore(log, pool)
	dispatch := outbox.NewDispatcher(log, writer, cfg.OutboxTopic)
	relay := outbox.NewRelay(log, store, dispatch, "settlement-relay")

	ledger := loyaltypg.NewStore(log, pool)
	gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayKeyID, cfg.GatewaySecret, cfg.GatewayTimeout)
	carts := cart.NewClient(rdb)
	catalog := dfpg.NewCatalog(log, pool)

	svc := application.NewService(log, repo, ledger, gw, carts, cfg.Currency)
	handler := orderhttp.NewHandler(log, svc, catalog, ledger, cfg.StaffAPIKey)

	hub := realtime.NewHub()
	go hub.Run(ctx)

	idem := idempotency.NewStore(rdb, cfg.IdempotencyTTL)
	consumer := realtime.NewConsumer(log, cfg.KafkaBrokers, cfg.OutboxTopic, "settlement-realtime", hub, idem)
	wsHandler := realtime.NewHandler(hub, cfg.StaffAPIKey, log)

	r := chi.NewRouter()
	r.Mount("/api", handler.Routes())
	r.Get("/ws/orders/{orderID}", wsHandler.ServeOrder)
	r.Get("/ws/staff", wsHandler.ServeStaff)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped with error", "err", err)
		}
	}()

	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("realtime consumer stopped", "err", err)
			cancel()
		}
	}()

	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Info("settlement-service shutdown complete")
}
