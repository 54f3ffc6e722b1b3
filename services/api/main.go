package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/playchat/internal/chat"
	"github.com/playchat/internal/config"
	"github.com/playchat/internal/events"
	"github.com/playchat/internal/handler"
	"github.com/playchat/internal/identity"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/presence"
	"github.com/playchat/internal/push"
	"github.com/playchat/internal/reaction"
	"github.com/playchat/internal/session"
	"github.com/playchat/internal/social"
	"github.com/playchat/internal/startup"
	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/storage/memory"
	pgstorage "github.com/playchat/internal/storage/postgres"
	"github.com/playchat/internal/unread"
	"github.com/playchat/internal/ws"
	"github.com/playchat/migrations"
)

const connectWait = 60 * time.Second

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		pg := startup.DevPostgres()
		var err error
		embeddedDB, err = pg.Start()
		if err != nil {
			logger.Fatalf("embedded postgres: %v", err)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
		cfg.StorageBackend = config.BackendPostgres
		cfg.Database.URL = pg.URL()
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	if *migrate {
		_ = backend.Close()
		return
	}
	db := storage.New(backend)

	tracker := presence.NewTracker(db)
	resetCtx, resetCancel := context.WithTimeout(ctx, 10*time.Second)
	if n, err := tracker.ResetAll(resetCtx); err != nil {
		logger.Errorf("reset online status: %v", err)
	} else if n > 0 {
		logger.Infof("reset online status: %d users", n)
	}
	resetCancel()

	var pub events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		natsPub, err := events.NewNATSPublisher(ctx, cfg.NATSURL)
		if err != nil {
			// события не критичны для чата
			logger.Errorf("nats: %v (events disabled)", err)
		} else {
			defer natsPub.Close()
			pub = natsPub
		}
	}

	provider, err := identityProvider(cfg)
	if err != nil {
		logger.Fatalf("identity: %v", err)
	}

	pushClient := push.NewClient(cfg.PushServiceURL)
	var notifier chat.Notifier
	if pushClient.Enabled() {
		notifier = pushClient
	}
	counter := unread.NewCounter(db)
	engine := social.NewEngine(db, pub)
	chatSvc := chat.NewService(db, counter, tracker, notifier, pub)
	listeners := &identity.Listeners{}
	listeners.OnAuthStateChanged(func(u identity.User, signedIn bool) {
		logger.Debugf("auth state user=%s signedIn=%v", u.ID, signedIn)
	})

	hub := ws.NewHub(session.Deps{
		DB:          db,
		Chat:        chatSvc,
		Presence:    tracker,
		Unread:      counter,
		Reactions:   reaction.NewAggregator(db),
		Social:      engine,
		Auth:        listeners,
		TypingQuiet: cfg.TypingQuiet,
	}, cfg.MaxWSConnections)
	hubCtx, hubCancel := context.WithCancel(ctx)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	r := handler.NewRouter(handler.Deps{
		DB:       db,
		Chat:     chatSvc,
		Unread:   counter,
		Social:   engine,
		Hub:      hub,
		Push:     pushClient,
		Identity: provider,
	}, handler.Options{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerIP:     cfg.RateLimit.PerIP,
		RateLimitPerUser:   cfg.RateLimit.PerUser,
		InternalSecret:     cfg.InternalSecret,
		VAPIDPublicKey:     cfg.PushVAPIDPublicKey,
		AccessLog:          true,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s (storage=%s)", cfg.ServerAddr, cfg.StorageBackend)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	// сессии закрываются штатно: presence и typing снимаются до закрытия хранилища
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	if err := db.Close(shutdownCtx); err != nil {
		logger.Errorf("storage close: %v", err)
	}
	logger.Info("storage closed")
}

func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case config.BackendRedis:
		client, err := startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, connectWait, "")
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.BackendPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			return nil, err
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2
		pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, connectWait, "")
		if err != nil {
			return nil, err
		}
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := startup.RunMigrations(migrateCtx, pool, migrations.Files); err != nil {
			pool.Close()
			return nil, err
		}
		return pgstorage.New(pool), nil
	default:
		logger.Info("storage: in-memory backend, data is lost on restart")
		return memory.New(), nil
	}
}

// identityProvider: JWT при заданном секрете, иначе сессии сервиса авторизации.
func identityProvider(cfg *config.Config) (identity.Provider, error) {
	if cfg.JWTSecret != "" {
		p, err := identity.NewJWTProvider(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return identity.NewAuthServiceProvider(cfg.AuthServiceURL, nil), nil
}
