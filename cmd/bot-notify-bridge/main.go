package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/config"
	"github.com/participant-hub/identity/internal/db"
	"github.com/participant-hub/identity/internal/events"
	"github.com/participant-hub/identity/internal/services"
)

// Bot Notify Bridge subscribes to identity and bot streams and forwards
// notifications to the bot service.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	botClient := services.NewBotClient(cfg.BotInternalURL, log)
	bridge := services.NewNotifyBridge(botClient, cfg.ConflictNotifyTelegramIDs, log)

	if err := subscriber.Subscribe(ctx, events.StreamIdentity, func(event events.Event) {
		bridge.HandleIdentityEvent(ctx, event)
	}); err != nil {
		log.Fatal("failed to subscribe", zap.String("stream", events.StreamIdentity), zap.Error(err))
	}

	if err := subscriber.Subscribe(ctx, events.StreamBot, func(event events.Event) {
		bridge.HandleBotEvent(ctx, event)
	}); err != nil {
		log.Fatal("failed to subscribe", zap.String("stream", events.StreamBot), zap.Error(err))
	}

	log.Info("bot-notify-bridge started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down bot-notify-bridge")
	cancel()
}
