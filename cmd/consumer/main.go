package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/streadway/amqp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/apns"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/config"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/consumer"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/repository"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/routes"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/services"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/pkg/logger"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/pkg/metrics"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logr := logger.NewWithWriter(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logr.Info("starting apns service", slog.String("app", cfg.AppName))

	endpoint, err := cfg.Endpoint()
	if err != nil {
		logr.Error("invalid gateway uri", slog.Any("error", err))
		os.Exit(1)
	}

	var credential *apns.Credential
	if cfg.CertificatePath != "" {
		credential, err = apns.LoadCredentialFile(cfg.CertificatePath, cfg.CertificatePassphrase)
		if err != nil {
			logr.Error("failed to load gateway credential", slog.Any("error", err))
			os.Exit(1)
		}
	}

	metricsCollector := metrics.New()

	retryCfg := retry.Config{
		MaxAttempts:    cfg.RetryMaxAttempts,
		InitialBackoff: cfg.RetryInitialBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
	}
	client := apns.NewClient(endpoint, credential, logger.Component(logr, "apns"),
		apns.WithGroupSize(cfg.GroupSize),
		apns.WithMetrics(metricsCollector),
		apns.WithReportUnanswered(cfg.ReportUnanswered),
		apns.WithSessionOptions(apns.WithDialTimeout(cfg.DialTimeout)),
		apns.WithConnectRetry(retryCfg),
	)
	logr.Info("apns gateway configured", slog.String("gateway", client.Endpoint().String()))

	checks := map[string]routes.Check{}

	var statusUpdater *services.StatusUpdater
	if cfg.DatabaseURL != "" {
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{Logger: gormlogger.Discard})
		if err != nil {
			logr.Error("failed to connect database", slog.Any("error", err))
			os.Exit(1)
		}
		statusStore, err := repository.NewStatusStore(db, cfg.StatusTable)
		if err != nil {
			logr.Error("failed to prepare status table", slog.Any("error", err))
			os.Exit(1)
		}
		statusUpdater = services.NewStatusUpdater(statusStore, logger.Component(logr, "status"))
		checks["postgres"] = statusStore.Ping
	}

	var cache services.TokenCache
	if cfg.RedisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		redisRepo := repository.NewRedisRepository(rdb, cfg.SuppressionTTL)
		defer redisRepo.Close()
		cache = redisRepo
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	templateClient := services.NewTemplateClient(cfg.TemplateServiceURL, cfg.ProviderTimeout, retryCfg)
	processor := services.NewPushProcessor(
		templateClient,
		client,
		cache,
		metricsCollector,
		logger.Component(logr, "processor"),
		cfg.Topic,
		cfg.PushTimeout,
	)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logr.Error("failed to connect rabbitmq", slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()
	checks["rabbitmq"] = func(context.Context) error {
		if conn.IsClosed() {
			return amqp.ErrClosed
		}
		return nil
	}

	base := consumer.NewBaseConsumer(conn, consumer.QueueConfig{
		Queue:      cfg.PushQueue,
		DeadLetter: cfg.DeadLetterQueue,
		Prefetch:   cfg.PrefetchCount,
		Workers:    cfg.WorkerCount,
	}, logger.Component(logr, "consumer"))
	pushConsumer := consumer.NewPushConsumer(base, processor, statusUpdater, logr, cfg.RetryMaxAttempts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	httpSrv := startHTTPServer(cfg.HTTPPort, routes.NewRouter(metricsCollector, client.Endpoint().String(), started, checks), logr)

	if err := pushConsumer.Start(ctx); err != nil && err != context.Canceled {
		logr.Error("push consumer exited", slog.Any("error", err))
	}

	shutdownHTTP(httpSrv, logr)
	logr.Info("apns service stopped")
}

func startHTTPServer(port string, handler http.Handler, logr *slog.Logger) *http.Server {
	if port == "" {
		port = "8082"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("http server error", slog.Any("error", err))
		}
	}()
	return srv
}

func shutdownHTTP(srv *http.Server, logr *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Error("failed to shutdown http server", slog.Any("error", err))
	}
}
