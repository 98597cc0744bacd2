package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/example/mentwel/internal/config"
	"github.com/example/mentwel/internal/database"
	"github.com/example/mentwel/internal/events"
	"github.com/example/mentwel/internal/handlers"
	"github.com/example/mentwel/internal/lock"
	"github.com/example/mentwel/internal/middleware"
	"github.com/example/mentwel/internal/payment_gateway/paystack"
	"github.com/example/mentwel/internal/routes"
	"github.com/example/mentwel/internal/services"
)

func main() {
	cfg := config.Load()
	db := database.Connect(cfg.DatabaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var locker lock.Locker
	if cfg.RedisURL != "" {
		redisLocker, err := lock.NewRedisLockerFromURL(ctx, cfg.RedisURL, "mentwel:lock:")
		if err != nil {
			log.Fatalf("redis locker: %v", err)
		}
		defer redisLocker.Close()
		locker = redisLocker
		log.Info("using redis for unit-of-work locks")
	}

	publishers := []events.Publisher{events.LogPublisher{}}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("rabbitmq publisher: %v", err)
		}
		defer amqpPublisher.Close()
		publishers = append(publishers, amqpPublisher)
	}
	if telegram := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat); telegram.Enabled() {
		publishers = append(publishers, telegram)
	}
	publisher := events.NewFanout(publishers...)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := publisher.Close(flushCtx); err != nil {
			log.Warnf("[Events] flush on shutdown: %v", err)
		}
	}()

	var gateway services.CheckoutGateway
	if cfg.PaystackSecretKey != "" {
		gateway = paystack.NewClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey)
	}

	uow := services.NewUnitOfWork(db, locker)
	catalog := services.NewCatalogService(db)
	ledger := services.NewLedgerService(uow, nil)
	payments := services.NewPaymentService(uow, ledger, services.PaymentConfig{
		WebhookSecret: cfg.PaystackSecretKey,
		Currency:      cfg.Currency,
		CallbackURL:   cfg.PaystackCallbackURL,
	}, gateway, publisher, nil)
	bookings := services.NewBookingService(uow, ledger, services.BookingPolicy{
		CancellationLeadTime: cfg.CancellationLeadTime,
		NoShowGrace:          cfg.NoShowGrace,
		EarlyJoinWindow:      cfg.EarlyJoinWindow,
		RequestTimeout:       cfg.RequestTimeout,
		SessionDuration:      cfg.SessionDuration,
		AutoConfirm:          cfg.AutoConfirmBookings,
	}, publisher, nil)

	if n, err := catalog.SeedDefaults(ctx); err != nil {
		log.Warnf("[Catalog] seeding default packages failed: %v", err)
	} else if n > 0 {
		log.Infof("[Catalog] seeded %d default packages", n)
	}

	services.NewSweeper(bookings, cfg.SweepInterval).Start(ctx)

	limiter := middleware.NewWebhookLimiter(cfg.WebhookRateLimitRPS, cfg.WebhookRateLimitBurst)
	limiter.StartPruning(5*time.Minute, ctx.Done())

	app := fiber.New(fiber.Config{
		AppName:      "MentWel Backend",
		ErrorHandler: handlers.ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	routes.Register(app, routes.Deps{
		DB:       db,
		Config:   cfg,
		Catalog:  catalog,
		Ledger:   ledger,
		Payments: payments,
		Bookings: bookings,
		Webhooks: limiter,
	})

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	log.Infof("Starting server on :%s", cfg.AppPort)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatalf("fiber.Listen error: %v", err)
	}
}
