package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/backoff"
	"github.com/camerpulse/camerpulse-sub041/internal/changefeed"
	"github.com/camerpulse/camerpulse-sub041/internal/chat"
	"github.com/camerpulse/camerpulse-sub041/internal/config"
	"github.com/camerpulse/camerpulse-sub041/internal/db"
	clog "github.com/camerpulse/camerpulse-sub041/internal/log"
	"github.com/camerpulse/camerpulse-sub041/internal/notify"
	"github.com/camerpulse/camerpulse-sub041/internal/server"
	"github.com/camerpulse/camerpulse-sub041/internal/store"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func main() {
	// main 加载配置、初始化日志，按驱动组装存储与变更源，然后启动 HTTP 服务直到收到退出信号。
	cfg, err := config.Load()
	clog.Init(cfg.Env)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var gdb *gorm.DB
	if cfg.StoreDriver != "memory" || cfg.FeedDriver != "memory" {
		gdb, err = db.Connect(ctx, cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("db connect")
		}
		if err := db.Migrate(gdb); err != nil {
			log.Fatal().Err(err).Msg("db migrate")
		}
	}

	var (
		messages      store.MessageStore
		notifications store.NotificationStore
	)
	if cfg.StoreDriver == "memory" {
		messages = store.NewMemoryMessages()
		notifications = store.NewMemoryNotifications()
	} else {
		messages = store.NewGormMessages(gdb)
		notifications = store.NewGormNotifications(gdb)
	}

	var (
		feed       changefeed.Feed
		reconciler changefeed.Reconciler
	)
	polls := changefeed.PollOwnersFor(gdb)
	if cfg.FeedDriver == "memory" {
		mem := changefeed.NewMemoryFeed()
		messages = changefeed.NewMessageMirror(messages, mem)
		feed = mem
	} else {
		pool, err := changefeed.NewPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("changefeed pool")
		}
		defer pool.Close()
		if err := changefeed.InstallTriggers(ctx, pool, changefeed.DefaultTables); err != nil {
			log.Fatal().Err(err).Msg("install change triggers")
		}
		feed = changefeed.NewPGFeed(pool)
		reconciler = changefeed.NewGormReconciler(gdb)
	}

	reg := chat.NewRegistry(messages, chat.OptionsFromConfig(cfg.Chat))
	dispatcher := notify.NewDispatcher(notifications, reg, notify.OptionsFromConfig(cfg.Notify))
	go dispatcher.RunSweeper(ctx)

	listener := changefeed.NewListener(feed, dispatcher, polls, changefeed.ListenerOptions{
		Backoff:    backoff.New(cfg.Client.ReconnectStrategy, cfg.Client.ReconnectDelay.Duration, cfg.Client.ReconnectMaxDelay.Duration),
		Reconciler: reconciler,
		History:    changefeed.NewNotificationHistory(notifications),
	})
	listenerDone := make(chan struct{})
	go func() {
		listener.Run(ctx)
		close(listenerDone)
	}()

	var ready func(context.Context) error
	if gdb != nil {
		ready = func(ctx context.Context) error { return db.Ping(ctx, gdb) }
	}
	r, limiter := server.SetupRouter(cfg, server.Deps{Registry: reg, Messages: messages, Inbox: dispatcher, Ready: ready})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreDriver).Str("feed", cfg.FeedDriver).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	reg.Close()
	<-listenerDone
	dispatcher.Close()
	limiter.Stop()
}
