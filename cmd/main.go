/**
 * @description
 * This is the main entry point for the packet service. It is responsible for
 * initializing all components of the service, including configuration, storage,
 * message brokers, the claim engine, background workers and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver for the durable packet store and ledger.
 * - github.com/redis/go-redis/v9: optional fast working store for claims.
 * - github.com/joho/godotenv: .env loading for local development.
 * - golang.org/x/sync/errgroup: lifecycle of the background workers.
 * - internal/*: engine, storage, workers and HTTP adapter.
 * - pkg/rabbitmq, pkg/identityclient: collaborators.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/api"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/app"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/claim"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/config"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/distribution"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/ledger"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/outbox"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/reconcile"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/scheduler"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/store"
	"github.com/victor2025PH/hoongbao1127-sub000/pkg/identityclient"
	rmrabbit "github.com/victor2025PH/hoongbao1127-sub000/pkg/rabbitmq"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=bootstrap msg=\".env load failed\" err=%v", err)
	}

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting packet-service\" port=%s store=%s working_store=%s", cfg.ServerPort, cfg.StoreDriver, cfg.WorkingStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable packet store and ledger.
	var (
		packets     store.PacketRepository
		ledgerStore ledger.Store
	)
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		if cfg.AutoMigrate {
			migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := store.AutoMigrate(migrateCtx, cfg.DatabaseURL); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
			}
			cancel()
			log.Println("level=info component=bootstrap msg=\"schema migrated\"")
		}
		dbpool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		packets = store.NewPostgresRepository(dbpool)
		ledgerStore = store.NewPostgresLedgerStore(dbpool)
	default:
		log.Println("level=warn component=bootstrap msg=\"using in-memory stores; state is lost on restart\"")
		packets = store.NewMemoryRepository()
		ledgerStore = store.NewMemoryLedgerStore()
	}

	// Working store the coordinator commits claims to.
	working := store.WorkingStore(packets)
	var replayQueue reconcile.Queue
	if cfg.WorkingStore == config.WorkingStoreRedis {
		redisClient, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"redis working store unavailable\" err=%v", err)
		}
		defer redisClient.Close()
		log.Println("level=info component=bootstrap msg=\"redis connected\"")
		redisStore := store.NewRedisWorkingStore(redisClient, cfg.RedisKeyPrefix)
		working = redisStore
		replayQueue = redisStore
	}

	// Initialize the RabbitMQ producer to publish events.
	var producer rmrabbit.Publisher
	if eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		producer = eventProducer
	}
	defer producer.Close()

	var (
		sink      claim.EventSink = outbox.NewDirectSink(producer, cfg.EventExchange)
		boltSpool *outbox.BoltOutbox
	)
	if strings.TrimSpace(cfg.OutboxPath) != "" {
		boltSpool, err = outbox.Open(cfg.OutboxPath, producer, cfg.EventExchange)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"outbox open failed\" path=%s err=%v", cfg.OutboxPath, err)
		}
		defer boltSpool.Close()
		sink = boltSpool
		log.Printf("level=info component=bootstrap msg=\"notification outbox enabled\" path=%s", cfg.OutboxPath)
	}

	var identity app.IdentityResolver
	if strings.TrimSpace(cfg.IdentityServiceURL) != "" {
		identity = identityclient.NewClient(cfg.IdentityServiceURL, cfg.InternalAPIKey)
	} else {
		log.Println("level=warn component=bootstrap msg=\"identity service not configured; token subjects are used as account ids\"")
	}

	// Engine.
	ledgerService := ledger.New(ledgerStore)
	settler := claim.NewSettler(ledgerService)
	allocator := distribution.NewAllocator(distribution.Config{
		AverageMultiplier: cfg.RandomAverageMultiplier,
		CeilingRatio:      cfg.RandomCeilingRatio,
	}, nil)
	coordinator := claim.NewCoordinator(working, settler, allocator, claim.WithEventSink(sink))
	packetService := app.NewService(packets, working, ledgerService, settler, coordinator, identity, app.Options{
		MaxShares:       cfg.PacketMaxShares,
		DefaultTTL:      cfg.PacketDefaultTTL(),
		MaxAmount:       cfg.PacketMaxAmount,
		ClaimTimeout:    cfg.ClaimTimeout(),
		ExpiryBatchSize: cfg.ExpiryBatchSize,
	})

	worker := reconcile.NewWorker(packets, replayQueue, settler,
		reconcile.WithBatchSize(cfg.ReconcileBatchSize),
		reconcile.WithPollInterval(cfg.ReconcileInterval()),
		reconcile.WithSettleAfter(cfg.ReconcileSettleAfter()),
	)

	// Background workers stop when ctx is cancelled.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		worker.Run(groupCtx)
		return nil
	})
	if boltSpool != nil {
		group.Go(func() error {
			boltSpool.Run(groupCtx)
			return nil
		})
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cronScheduler := scheduler.NewScheduler(packetService, logger, cfg.ExpirySchedule)
	if err := cronScheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" schedule=%q err=%v", cfg.ExpirySchedule, err)
	}

	// Funding events from payment-gateway adapters.
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; funding consumer disabled\" env=RABBITMQ_URL")
	} else {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer rabbitConsumer.Close()

		fundingConsumer := app.NewFundingConsumer(ledgerService)
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventExchange, cfg.FundingEventQueue, fundingConsumer.Bindings()); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"funding consumer start failed\" err=%v", err)
		}
	}

	handlers := api.NewPacketHandlers(packetService, worker)
	router := api.PacketRoutes(handlers, api.AuthConfig{
		JWKSURL:  cfg.JWKSURL,
		Audience: cfg.JWTAudience,
		Issuer:   cfg.JWTIssuer,
	}, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	<-ctx.Done()
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-cronScheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Println("level=warn component=scheduler msg=\"running job did not finish before shutdown\"")
	}
	if err := group.Wait(); err != nil {
		log.Printf("level=error component=bootstrap msg=\"background worker failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openPool establishes a connection pool to PostgreSQL.
func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL is required when WORKING_STORE=redis")
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url parse failed: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
