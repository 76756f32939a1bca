package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"atlaslibrary/internal/lock"
	"atlaslibrary/internal/ratelimit"
	"atlaslibrary/internal/util"
	"atlaslibrary/pkg/auth"
	"atlaslibrary/pkg/notify"
	"atlaslibrary/pkg/queue"
	"atlaslibrary/pkg/store"
	"atlaslibrary/services/library/internal/app"
	"atlaslibrary/services/library/internal/config"
	"atlaslibrary/services/library/internal/scheduler"
	"atlaslibrary/services/library/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	fineAmount, err := config.ParseFineAmount(cfg.FineAmount)
	if err != nil {
		log.Fatalf("failed to parse fine amount: %v", err)
	}
	jwtTTL, err := config.ParseJWTTTL(cfg.JWTTTL)
	if err != nil {
		log.Fatalf("failed to parse jwt ttl: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	var (
		locker  lock.Locker       = lock.NewLocal()
		revoker auth.TokenRevoker = auth.NewMemoryTokenRevoker()
		limiter ratelimit.Limiter
		rdb     *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		locker = lock.NewRedis(rdb, lock.RedisOptions{})
		revoker = auth.NewRedisTokenRevoker(rdb, "")
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(rdb, "atlas:library:ratelimit:login", cfg.LoginRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init login limiter: %v", err)
		}
	} else {
		logger.Warn("redis not configured, using in-process lock, token revoker and rate limiter")
		limiter, err = ratelimit.NewLocalLimiter(cfg.LoginRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init login limiter: %v", err)
		}
	}

	var mailer notify.Sender = notify.LogSender{}
	if cfg.EmailUser != "" {
		smtpSender, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.EmailUser,
			Password: cfg.EmailPassword,
		})
		if err != nil {
			log.Fatalf("failed to init smtp sender: %v", err)
		}
		mailer = smtpSender
	} else {
		logger.Warn("emailUser not configured, notifications are only logged")
	}
	notifier := mailer
	if cfg.MailQueueEnabled {
		outbox, err := queue.New(rdb, queue.Options{
			Stream: "atlas:library:mail",
			Group:  "atlas-library-mailer",
		})
		if err != nil {
			log.Fatalf("failed to init mail queue: %v", err)
		}
		notify.StartDelivery(ctx, outbox, cfg.MailWorkers, mailer)
		notifier = notify.NewQueueSender(outbox)
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret, auth.TokenOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      jwtTTL,
		Revoker:  revoker,
	})
	if err != nil {
		log.Fatalf("failed to init tokens: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:    db,
		Locker:   locker,
		Notifier: notifier,
		Tokens:   tokens,
		Policy: app.Policy{
			ReturnIntervalDays:    cfg.ReturnIntervalDays,
			FineAmount:            fineAmount,
			ReservationActiveDays: cfg.ReservationActiveTimeDays,
		},
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	sweeps, err := scheduler.New(appCore, scheduler.Config{
		Schedule: cfg.SweepSchedule,
		Timezone: cfg.SweepTimezone,
	})
	if err != nil {
		log.Fatalf("failed to init sweep scheduler: %v", err)
	}
	sweeps.Start()

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Scheduler:      sweeps,
		LoginLimiter:   limiter,
		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("library server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := sweeps.Stop(shutdownCtx); err != nil {
		logger.Error("sweep scheduler shutdown", "err", err)
	}
}
