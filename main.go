package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"SupportChat/bot"
	"SupportChat/impl/core"
	"SupportChat/internal/config"
	"SupportChat/internal/database"
	"SupportChat/internal/database/memory"
	"SupportChat/internal/http-server/api"
	"SupportChat/internal/http-server/handlers/health"
	"SupportChat/internal/lib/logger"
	"SupportChat/internal/lib/sl"
	"SupportChat/internal/service/identity"
	"SupportChat/internal/service/notify"
	"SupportChat/internal/service/session"
	"SupportChat/internal/ws"
)

func main() {

	configPath := flag.String("conf", "config.yml", "path to config file")
	logPath := flag.String("log", "/var/log/", "path to log file directory")
	flag.Parse()

	conf := config.MustLoad(*configPath)
	lg := logger.SetupLogger(conf.Env, *logPath)

	lg.Info("starting support chat", slog.String("config", *configPath), slog.String("env", conf.Env))
	lg.Debug("debug messages enabled")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gate := identity.NewGate(conf.Auth.Secret, conf.Auth.Issuer, lg)

	var store session.Store
	var storePinger health.Pinger

	db, err := repository.NewMongoClient(conf, lg)
	if err != nil {
		lg.With(
			sl.Err(err),
		).Error("mongo client")
		os.Exit(1)
	}
	if db != nil {
		defer func() { _ = db.Close(context.Background()) }()
		if err = db.EnsureIndexes(ctx); err != nil {
			lg.Error("mongo indexes", sl.Err(err))
			os.Exit(1)
		}
		store = db
		storePinger = db
		if conf.Auth.CheckRevoked {
			gate.SetRevocationStore(db)
		}
		lg.With(
			slog.String("host", conf.Mongo.Host),
			slog.String("port", conf.Mongo.Port),
			slog.String("user", conf.Mongo.User),
			slog.String("database", conf.Mongo.Database),
		).Info("mongo client initialized")
	} else {
		store = memory.New()
		lg.Warn("mongo disabled, sessions are kept in memory")
	}

	hub := ws.NewHub(lg)
	manager := session.NewManager(store, conf.Chat.HistoryLimit, lg)

	handler := core.New(manager, hub, core.Options{
		MaxBodyLength: conf.Chat.MaxBodyLength,
		StoreTimeout:  conf.Mongo.Timeout,
		IdleTimeout:   conf.Chat.IdleTimeout,
		SweepSchedule: conf.Chat.SweepSchedule,
	}, lg)

	fanout := notify.NewFanout(hub, conf.Chat.PreviewLength, lg)
	handler.SetNotifier(fanout)

	if conf.Telegram.Enabled {
		tgBot, err := bot.NewTgBot(conf.Telegram.BotName, conf.Telegram.ApiKey, conf.Telegram.AdminId, lg)
		if err != nil {
			lg.Error("failed to initialize telegram bot", sl.Err(err))
		} else {
			fanout.AddSink(tgBot)
			if err = tgBot.SendMessage("support chat started"); err != nil {
				lg.Warn("telegram startup notice", sl.Err(err))
			}
			lg.With(
				slog.String("bot_name", conf.Telegram.BotName),
				sl.Secret("api_key", conf.Telegram.ApiKey),
			).Info("telegram bot initialized")
		}
	}

	if err = handler.Init(); err != nil {
		lg.Error("core init", sl.Err(err))
		os.Exit(1)
	}

	server := api.New(conf, lg, api.Dependencies{
		Auth:    gate,
		Handler: handler,
		Hub:     hub,
		Store:   storePinger,
	})

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gCtx)
	})
	g.Go(func() error {
		return fanout.Run(gCtx)
	})
	g.Go(func() error {
		<-gCtx.Done()
		handler.Stop()
		return nil
	})

	// *** blocking until a signal or a server failure ***
	if err = g.Wait(); err != nil {
		lg.Error("server stopped", sl.Err(err))
		return
	}
	lg.Info("service stopped")
}
