package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-settlement/pkg/logger"
	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
	"github.com/matheusmosca/checkout-settlement/pkg/telemetry"
	"github.com/matheusmosca/checkout-settlement/services/cart"
	"github.com/matheusmosca/checkout-settlement/services/inventory"
	"github.com/matheusmosca/checkout-settlement/services/orders"
	"github.com/matheusmosca/checkout-settlement/services/providers"
	"github.com/matheusmosca/checkout-settlement/services/refunds"
	"github.com/matheusmosca/checkout-settlement/services/settlement"
	"github.com/matheusmosca/checkout-settlement/services/transactions"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:   "checkout-service",
		Usage:  "order settlement and refund reconciliation API",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the HTTP API",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply the database migrations",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "down", Usage: "roll back every migration"},
				},
				Action: migrateDatabase,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func migrateDatabase(c *cli.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	return postgres.Migrate(cfg.Database, c.Bool("down"), log)
}

func serve(c *cli.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
	telemetryCfg := telemetry.Config{ServiceName: cfg.ServiceName, OTLPEndpoint: cfg.OTLPEndpoint}
	tp, err := telemetry.InitTracer(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	mp, err := telemetry.InitMetrics(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			log.Warn("Error shutting down meter", zap.Error(err))
		}
	}()

	// Initialize database
	pool, err := postgres.Connect(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.Migrate(cfg.Database, false, log); err != nil {
			return err
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("⚠️ Redis unavailable, guest carts will fail until it is reachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	metrics, err := settlement.NewMetrics(mp.Meter(cfg.ServiceName))
	if err != nil {
		return err
	}

	// Initialize dependencies
	ledger := inventory.NewLedger(inventory.NewRepository(), log)
	orderRepository := orders.NewRepository()
	transactionRepository := transactions.NewRepository()
	refundRepository := refunds.NewRepository()
	carts := cart.NewStore(cart.NewRepository(pool), cart.NewGuestRepository(rdb, cfg.ServiceName))
	paypal := providers.NewPayPalClient(cfg.PayPal)
	nets := providers.NewNETSClient(cfg.NETS)

	settler := settlement.NewOrchestrator(pool, ledger, orderRepository, transactionRepository, carts, metrics, log)
	refunder := settlement.NewRefundOrchestrator(pool, orderRepository, transactionRepository, refundRepository, paypal, metrics, log)
	admin := settlement.NewOrderAdmin(pool, ledger, orderRepository, refundRepository, log)
	quotes := cart.NewQuoteRepository(rdb, cfg.ServiceName)
	handler := NewHandler(carts, quotes, settler, refunder, admin, paypal, nets, cfg.Currency, log)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(logger.RequestLogger(log))
	handler.Register(r)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// sem WriteTimeout: o stream SSE do NETS dura até MaxPolls * PollInterval
		IdleTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 Checkout Service listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
