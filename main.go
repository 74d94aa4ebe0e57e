package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"marketplace/backend/config"
	"marketplace/backend/database"
	"marketplace/backend/handlers"
	"marketplace/backend/logger"
	"marketplace/backend/metrics"
	"marketplace/backend/middleware"
	"marketplace/backend/services"
)

const serviceName = "marketplace-payments"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logg := logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "server exited with error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	if err := database.ConnectDB(ctx, cfg.Database, logg); err != nil {
		return err
	}
	defer database.CloseDB()

	var (
		guard       services.HandoffGuard
		redisClient *redis.Client
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return multierr.Append(fmt.Errorf("redis ping: %w", err), redisClient.Close())
		}
		if guard, err = services.NewRedisHandoffGuard(redisClient, cfg.Redis.HandoffTTL); err != nil {
			return err
		}
		logg.Info(ctx, "payment handoff guard backed by redis")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	paymentMetrics := metrics.NewPaymentMetrics(registry)

	backend, err := services.NewBackendClient(cfg.Payments, logg)
	if err != nil {
		return err
	}

	var tokenizer services.CardTokenizer
	if t, err := services.NewStripeCardTokenizer(cfg.Stripe.PublishableKey); err != nil {
		logg.Warn(ctx, "credit card payments disabled", err)
	} else {
		tokenizer = t
	}

	store := services.NewPaymentRecordStore(database.DB)
	feed := services.NewNotificationFeed(cfg.Payments.NotificationCap, cfg.Payments.StateRetention)
	reconciler, err := services.NewOutcomeReconciler(services.ReconcilerParams{
		Logger:     logg,
		Notifier:   services.MultiNotifier{services.NewLogNotifier(logg), feed},
		Guard:      guard,
		HandoffTTL: cfg.Redis.HandoffTTL,
		Failures:   store,
		Metrics:    paymentMetrics,
	})
	if err != nil {
		return err
	}

	poller, err := services.NewStatusPoller(services.PollerParams{
		Logger:            logg,
		Fetcher:           backend,
		Reconciler:        reconciler,
		Store:             store,
		Metrics:           paymentMetrics,
		PollInterval:      cfg.Payments.PollInterval,
		MaxPollDuration:   cfg.Payments.MaxPollDuration,
		FinishedRetention: cfg.Payments.StateRetention,
	})
	if err != nil {
		return err
	}
	defer poller.Close()

	paymentService, err := services.NewPaymentService(services.PaymentServiceParams{
		Logger:     logg,
		Backend:    backend,
		Tokenizer:  tokenizer,
		Poller:     poller,
		Reconciler: reconciler,
		Store:      store,
		Metrics:    paymentMetrics,
	})
	if err != nil {
		return err
	}
	bookingService := services.NewBookingService(database.DB, logg)

	app := fiber.New(fiber.Config{AppName: serviceName, DisableStartupMessage: !cfg.App.IsDev()})
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	app.Get("/", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok", "message": "Marketplace payments backend"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	apiV1 := app.Group("/api/v1")
	authMiddleware := middleware.Protected(cfg.JWT.Secret, logg)
	paymentHandler := handlers.NewPaymentHandler(paymentService, bookingService, feed, logg)
	handlers.SetupPaymentRoutes(apiV1, paymentHandler, authMiddleware)

	listenErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting server on port "+cfg.App.Port)
		listenErr <- app.Listen(":" + cfg.App.Port)
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	logg.Info(context.Background(), "shutting down")
	poller.Close()
	err = app.ShutdownWithTimeout(10 * time.Second)
	if redisClient != nil {
		err = multierr.Append(err, redisClient.Close())
	}
	if lerr := <-listenErr; lerr != nil && !errors.Is(lerr, context.Canceled) {
		err = multierr.Append(err, lerr)
	}
	return err
}
