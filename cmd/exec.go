package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	pubnub "github.com/pubnub/go/v7"

	"ticket-settlement/config"
	"ticket-settlement/internal/cache"
	"ticket-settlement/internal/clock"
	"ticket-settlement/internal/handlers"
	"ticket-settlement/internal/scheduler"
	"ticket-settlement/internal/services"
	"ticket-settlement/internal/services/provider"
	"ticket-settlement/internal/services/provider/mercadopago"
	"ticket-settlement/internal/store"
	"ticket-settlement/internal/store/memstore"
	"ticket-settlement/internal/store/pbstore"
	_ "ticket-settlement/migrations"
	"ticket-settlement/monitoring"
	"ticket-settlement/security"
	"ticket-settlement/utils"
)

const (
	qrFailureLimit  = 5
	qrFailureWindow = 15 * time.Minute
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	redisClient, err := utils.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// Initialize PubNub
	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PubNubUserID))
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey
	pn := pubnub.NewPubNub(pnConfig)
	notifier := services.NewPubNubNotifier(pn)

	monitor := monitoring.NewMonitor()
	if cfg.EnableMetrics {
		go monitoring.Serve(ctx, cfg.MetricsPort)
	}

	// Payment provider, always behind the circuit breaker
	base, err := provider.New(provider.Config{
		Kind: cfg.PaymentProvider,
		MercadoPago: mercadopago.Config{
			BaseURL:     cfg.MPBaseURL,
			AccessToken: cfg.MPAccessToken,
		},
		SandboxBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		return err
	}
	breaker := provider.NewBreaker(base, provider.DefaultBreakerSettings(), monitor)
	registry := provider.NewRegistry()
	registry.Register(breaker)
	primary, err := registry.Primary()
	if err != nil {
		return err
	}
	sandbox, _ := base.(*provider.Sandbox)

	var st store.Store
	if cfg.Environment == "test" {
		slog.Warn("using the in-memory store; nothing will be persisted")
		st = memstore.New()
	} else {
		st = pbstore.New(app)
	}

	counter := security.NewRedisCounter(redisClient)
	engine := services.NewEngine(services.Deps{
		Store:    st,
		Provider: primary,
		Notifier: notifier,
		Cache:    cache.NewRedis(redisClient, "cache:"),
		Clock:    clock.Real{},
		Monitor:  monitor,
		QR:       services.NewQRCodec(cfg.QRSigningKey),
		Failures: security.NewAttemptTracker(counter, "qr", qrFailureLimit, qrFailureWindow),
	}, engineOptions(cfg))

	health := services.NewHealthService(clock.Real{}, 5*time.Second)
	health.AddCheck("store", st.Ping)
	health.AddCheck("redis", func(ctx context.Context) error { return utils.RedisHealthCheck(ctx, redisClient) })
	health.SetBreaker(breaker.State)

	sched := scheduler.New(scheduler.NewRedisLease(redisClient), monitor)
	if err := sched.RegisterAll(scheduler.EngineJobs(engine, health, scheduler.Intervals{
		Reconcile:     cfg.ReconcileInterval,
		TransferSweep: cfg.TransferSweepInterval,
		CouponSweep:   cfg.CouponSweepInterval,
		Health:        cfg.HealthInterval,
	})); err != nil {
		return err
	}

	routes := handlers.New(handlers.Deps{
		Engine:              engine,
		Health:              health,
		Jobs:                sched,
		Limiter:             security.NewRateLimiter(counter, cfg.RateLimitPerMinute),
		Sandbox:             sandbox,
		Publisher:           notifier,
		NotificationChannel: cfg.PaymentNotificationChannel,
		Development:         cfg.IsDevelopment(),
	})

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.IsDevelopment(),
	})

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		routes.Register(e.Router)

		if cfg.PubNubSubscribeKey != "" {
			listener := services.NewNotificationListener(pn, cfg.PaymentNotificationChannel, engine.Settlement)
			go listener.Run(ctx)
		}
		sched.Start(ctx)
		health.Probe(ctx)

		slog.Info("server routes registered",
			"provider", primary.Name(),
			"environment", cfg.Environment,
			"jobs", sched.Jobs(),
		)
		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		cancel()
		sched.Stop()
		pn.Destroy()
		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

func engineOptions(cfg *config.Config) services.Options {
	opts := services.DefaultOptions()
	opts.Currency = cfg.Currency
	opts.PaymentExpiration = cfg.PaymentExpiration
	opts.TransferExpiration = cfg.TransferExpiration
	opts.TicketGracePeriod = cfg.TicketGracePeriod
	opts.TransferFeePercent = cfg.TransferFeePercent
	opts.MaxTicketsPerPurchase = cfg.MaxTicketsPerPurchase
	opts.PublicBaseURL = cfg.PublicBaseURL
	opts.WebhookSecret = cfg.MPWebhookSecret
	opts.BatchSize = cfg.SweepBatchSize
	opts.CacheTTL = cfg.AvailabilityCacheTTL
	return opts
}

// handleShutdown cancels background work on SIGINT/SIGTERM
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("shutdown signal received, cleaning up")
	cancel()
}
