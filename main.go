package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"flowbot/api"
	"flowbot/config"
	"flowbot/logger"
	"flowbot/market"
	"flowbot/notify"
	"flowbot/store"
	"flowbot/trader"
)

func main() {
	// .env is optional; secrets can come from the real environment
	_ = godotenv.Load()

	cfg, err := config.Load("config.json")
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	if err := logger.InitWithSimpleConfig(cfg.LogLevel); err != nil {
		logger.Errorf("init logger: %v", err)
		os.Exit(1)
	}
	logger.Infof("flowbot starting: %s %dm", cfg.Strategy.Symbol, cfg.Strategy.IntervalMin)

	state, err := store.OpenState(cfg.StateFile)
	if err != nil {
		logger.Errorf("open state: %v", err)
		os.Exit(1)
	}
	history, err := store.OpenHistory(cfg.HistoryDB)
	if err != nil {
		logger.Errorf("open history: %v", err)
		os.Exit(1)
	}
	defer history.Close()

	notifier, err := notify.NewTelegram(cfg.Telegram)
	if err != nil {
		logger.Warnf("telegram disabled: %v", err)
		notifier = notify.Nop{}
	}
	defer notifier.Close()

	client := trader.NewBybitClient(cfg.Bybit, cfg.Strategy.Category)

	engine := market.NewEngine(&cfg.Strategy, cfg.Bybit.WSURL, client)
	engine.Start()
	defer engine.Stop()

	bot := trader.NewBot(cfg, client, engine, state, history, notifier)
	watcher := trader.NewOrderWatcher(cfg, client, state, notifier)
	syncer := trader.NewPositionSyncer(cfg, client, state, history, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncer.Start()
	defer syncer.Stop()
	go watcher.Run(ctx)
	go func() {
		if err := bot.Run(ctx); err != nil && err != context.Canceled {
			logger.Errorf("bot stopped: %v", err)
		}
	}()

	apiServer := api.NewServer(cfg, client, engine, state, history, cfg.APIPort)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Warnf("api server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	if err := apiServer.Shutdown(); err != nil {
		logger.Warnf("api shutdown: %v", err)
	}
	logger.Info("flowbot stopped")
}
