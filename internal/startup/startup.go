// Package startup: подключение к внешним зависимостям при старте сервисов:
// повторы с экспоненциальной задержкой, миграции, встроенный PostgreSQL для -dev.
package startup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/playchat/internal/logger"
	redisstorage "github.com/playchat/internal/storage/redis"
)

var (
	firstBackoff = 2 * time.Second
	maxBackoff   = 30 * time.Second
)

// retry вызывает attempt, пока тот не вернёт nil или не истечёт maxWait.
// Ошибки логируются с logPrefix (например "api: ").
func retry(ctx context.Context, maxWait time.Duration, logPrefix, what string, attempt func(context.Context) error) error {
	deadline := time.Now().Add(maxWait)
	backoff := firstBackoff
	for {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s%s failed, retry in %v: %v", logPrefix, what, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// ConnectDBWithRetry подключается к Postgres с повторами; при недоступности БД не падает сразу.
func ConnectDBWithRetry(ctx context.Context, poolCfg *pgxpool.Config, maxWait time.Duration, logPrefix string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := retry(ctx, maxWait, logPrefix, "db connect", func(ctx context.Context) error {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		p, err := pgxpool.NewWithConfig(connCtx, poolCfg)
		if err != nil {
			return err
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	return pool, err
}

// ConnectRedisWithRetry подключается к Redis с повторами (бэкенд хранилища и подписки push).
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration, logPrefix string) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	err := retry(ctx, maxWait, logPrefix, "redis connect", func(ctx context.Context) error {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(connCtx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}

// RunMigrations применяет *.sql из files в лексикографическом порядке (001, 002, ...).
// Миграции идемпотентны (IF NOT EXISTS), поэтому выполняются при каждом старте.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, files fs.FS) error {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return fmt.Errorf("startup.RunMigrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := fs.ReadFile(files, name)
		if err != nil {
			return fmt.Errorf("startup.RunMigrations read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("startup.RunMigrations %s: %w", name, err)
		}
		logger.Debugf("migration %s applied", name)
	}
	logger.Infof("migrations applied: %d", len(names))
	return nil
}

// EmbeddedPostgres: параметры встроенного PostgreSQL для режима -dev.
type EmbeddedPostgres struct {
	Port     uint32
	User     string
	Password string
	Database string
	DataDir  string
}

// DevPostgres: значения по умолчанию для локального запуска без внешней БД.
func DevPostgres() EmbeddedPostgres {
	return EmbeddedPostgres{
		Port:     5432,
		User:     "playchat",
		Password: "playchat_secret",
		Database: "playchat",
		DataDir:  filepath.Join(".", ".pgdata"),
	}
}

// URL: строка подключения к запущенному экземпляру.
func (e EmbeddedPostgres) URL() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", e.User, e.Password, e.Port, e.Database)
}

// Start запускает PostgreSQL; вызывающий обязан вызвать Stop у результата.
func (e EmbeddedPostgres) Start() (*embeddedpostgres.EmbeddedPostgres, error) {
	if err := os.MkdirAll(e.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}
	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(e.Port).
			Username(e.User).
			Password(e.Password).
			Database(e.Database).
			DataPath(e.DataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)
	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("embedded postgres start: %w", err)
	}
	logger.Infof("embedded PostgreSQL running on port %d", e.Port)
	return db, nil
}
