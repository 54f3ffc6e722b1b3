// Микросервис пуш-уведомлений (Web Push): подписки в Redis, отправка через VAPID.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/push"
	"github.com/playchat/internal/startup"
)

type Config struct {
	ServerAddr      string
	RedisURL        string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber: контакт для VAPID (mailto: или URL сайта).
	Subscriber string
	KeysFile   string
}

func loadConfig() *Config {
	return &Config{
		ServerAddr:      getEnv("SERVER_ADDR", ":8082"),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		Subscriber:      getEnv("VAPID_SUBSCRIBER", "playchat-push"),
		KeysFile:        getEnv("VAPID_KEYS_FILE", push.DefaultKeysFile),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger.SetPrefix("push")
	if len(os.Args) > 1 && (os.Args[1] == "-gen-vapid" || os.Args[1] == "--gen-vapid") {
		keys, err := push.GenerateVAPIDKeys()
		if err != nil {
			logger.Fatalf("generate VAPID: %v", err)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", keys.PublicKey, keys.PrivateKey)
		return
	}
	logger.Info("starting push service")
	cfg := loadConfig()
	keys := &push.VAPIDKeys{PublicKey: cfg.VAPIDPublicKey, PrivateKey: cfg.VAPIDPrivateKey}
	if !keys.Valid() {
		loaded, created, err := push.LoadOrCreateVAPIDKeys(cfg.KeysFile)
		switch {
		case err != nil:
			logger.Errorf("VAPID: %v (отправка отключена)", err)
		case created:
			logger.Infof("VAPID: новые ключи сохранены в %s", cfg.KeysFile)
			keys = loaded
		default:
			keys = loaded
		}
	}

	ctx := context.Background()
	client, err := startup.ConnectRedisWithRetry(ctx, cfg.RedisURL, 30*time.Second, "push: ")
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer client.Close()
	logger.Info("redis connected")

	var sender push.Sender
	if keys.Valid() {
		sender = push.NewWebPushSender(keys, cfg.Subscriber)
	} else {
		logger.Info("VAPID-ключей нет: подписки сохраняются, отправка не выполняется")
	}
	s := push.NewServer(push.NewStore(client.Redis()), sender, keys.PublicKey)

	r := chimw.Logger(s.Routes())
	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("push server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("push server: %v", err)
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Info("push server stopped")
}
