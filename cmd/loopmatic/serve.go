package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hray3182/loopmatic/internal/ai"
	"github.com/hray3182/loopmatic/internal/api"
	"github.com/hray3182/loopmatic/internal/bot"
	"github.com/hray3182/loopmatic/internal/bot/handlers"
	"github.com/hray3182/loopmatic/internal/config"
	"github.com/hray3182/loopmatic/internal/delivery"
	"github.com/hray3182/loopmatic/internal/events"
	"github.com/hray3182/loopmatic/internal/metrics"
	"github.com/hray3182/loopmatic/internal/notify"
	"github.com/hray3182/loopmatic/internal/scheduler"
	"github.com/hray3182/loopmatic/internal/service"
	"github.com/hray3182/loopmatic/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const telegramHTTPTimeout = 90 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the bot, the scheduler and the HTTP API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Telegram.Token == "" {
		return errors.New("TELEGRAM_TOKEN is required")
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	emitter := events.Multi{events.NewLogEmitter(log), metrics.Emitter{}}
	if cfg.AMQP.URL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		emitter = append(emitter, pub)
		log.Info("publishing events to RabbitMQ", zap.String("exchange", cfg.AMQP.Exchange))
	}

	sessions, closeSessions, err := openSessions(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeSessions()

	// Long polling holds a request open for up to 60s.
	tgAPI, err := tgbotapi.NewBotAPIWithClient(cfg.Telegram.Token, tgbotapi.APIEndpoint,
		&http.Client{Timeout: telegramHTTPTimeout})
	if err != nil {
		return fmt.Errorf("failed to create Telegram API: %w", err)
	}

	sched := scheduler.New(store, notify.NewTelegramSink(tgAPI, log), log, scheduler.Options{
		Policy: delivery.Policy{
			RetryInterval: cfg.RetryInterval(),
			MaxRetries:    cfg.Engine.MaxRetryCount,
		},
		PollInterval:    cfg.Engine.PollInterval,
		DeliveryTimeout: cfg.Engine.DeliveryTimeout,
		Workers:         cfg.Engine.DeliveryWorkers,
		Location:        cfg.Location(),
		Emitter:         emitter,
	})

	svc := service.NewReminderService(store, log, service.Options{
		Location:  cfg.Location(),
		StatsDays: cfg.Engine.StatsDays,
		Emitter:   emitter,
		Wake:      sched.Notify,
	})

	var parser handlers.ReminderParser
	if cfg.AI.APIKey != "" {
		parser = ai.New(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.Model)
		log.Info("AI client initialized", zap.String("model", cfg.AI.Model))
	} else {
		log.Info("AI client not configured, free text must be \"text HH:MM\"")
	}

	b := bot.New(tgAPI, handlers.New(tgAPI, svc, sessions, log, handlers.Options{
		Parser:  parser,
		IsAdmin: cfg.IsAdmin,
	}), log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(ctx)
		return nil
	})
	g.Go(func() error {
		if err := b.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("bot stopped: %w", err)
		}
		return nil
	})
	if cfg.HTTP.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           newHTTPHandler(svc, log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info("shutting down")
	return err
}

func newHTTPHandler(svc *service.ReminderService, log *zap.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	return api.NewRouter(api.NewHandler(svc, log), log)
}

// openSessions returns Redis-backed sessions when configured, in-memory ones
// otherwise.
func openSessions(ctx context.Context, cfg *config.Config, log *zap.Logger) (session.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		return session.NewMemoryStore(cfg.Redis.SessionTTL), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info("using Redis sessions", zap.String("addr", cfg.Redis.Addr))
	return session.NewRedisStore(rdb, cfg.Redis.SessionTTL), func() { rdb.Close() }, nil
}
