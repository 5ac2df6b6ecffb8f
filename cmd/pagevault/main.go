package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	graphadapter "github.com/postloom/pagevault/internal/adapter/driven/graph"
	memoryadapter "github.com/postloom/pagevault/internal/adapter/driven/memory"
	redisadapter "github.com/postloom/pagevault/internal/adapter/driven/redis"
	sqliteadapter "github.com/postloom/pagevault/internal/adapter/driven/sqlite"
	telegramadapter "github.com/postloom/pagevault/internal/adapter/driven/telegram"
	httphandler "github.com/postloom/pagevault/internal/adapter/driving/http"
	"github.com/postloom/pagevault/internal/application"
	"github.com/postloom/pagevault/internal/config"
	"github.com/postloom/pagevault/internal/domain/port/driven"
	"github.com/postloom/pagevault/internal/envelope"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on a missing or malformed master key).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"graph_base_url", cfg.GraphBaseURL,
		"cache_ttl", cfg.CacheTTL,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Construct the envelope cipher with the active and retired keys.
	cipher, err := envelope.NewCipher(cfg.MasterKeyVersion, cfg.MasterKeys())
	if err != nil {
		return err
	}
	slog.Info("envelope cipher ready",
		"active_key_version", cfg.MasterKeyVersion,
		"loaded_key_versions", len(cfg.MasterKeys()),
	)

	// 4. Open database (dual reader/writer with WAL mode) and migrate.
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire the credential store.
	store := sqliteadapter.NewCredentialRepo(db)

	// 6. Cache and lock: the shared backend when configured and reachable,
	// the in-process fallback otherwise. A lost shared backend costs
	// cross-instance dedup, never availability.
	var cache driven.CredentialCache
	var lock driven.RotationLock
	if cfg.RedisAddr != "" {
		client, redisErr := redisadapter.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if redisErr != nil {
			slog.Warn("redis unreachable, falling back to in-process cache and lock",
				"addr", cfg.RedisAddr,
				"error", redisErr,
			)
			cache = memoryadapter.NewCache()
			lock = memoryadapter.NewLock()
		} else {
			defer func() {
				if closeErr := client.Close(); closeErr != nil {
					slog.Error("error closing redis client", "error", closeErr)
				}
			}()
			cache = redisadapter.NewCache(client)
			lock = redisadapter.NewLock(client)
			slog.Info("redis connected", "addr", cfg.RedisAddr)
		}
	} else {
		cache = memoryadapter.NewCache()
		lock = memoryadapter.NewLock()
		slog.Info("no redis configured, using in-process cache and lock")
	}
	if cfg.LockDisabled {
		lock = driven.NopLock{}
		slog.Warn("rotation lock disabled by configuration, concurrent warm checks are possible")
	}

	// 7. Graph API client.
	graphClient := graphadapter.NewClient(cfg.GraphBaseURL)

	// 8. Operator alerting (nil notifier disables it).
	var notifier driven.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifier = telegramadapter.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
		slog.Info("telegram alerts enabled", "chat_id", cfg.TelegramChatID)
	} else {
		slog.Info("no telegram credentials configured, operator alerts disabled")
	}

	// 9. Application services.
	vault := application.NewVaultService(
		cipher,
		store,
		cache,
		lock,
		graphClient,
		notifier,
		cfg.CacheTTL,
		cfg.LockTTL,
		cfg.LockWait,
		cfg.WarmCheckTimeout,
	)
	healthSvc := application.NewHealthService(store)

	// 10. Create and start the retention sweeper.
	retention, err := application.NewRetentionService(
		store,
		cfg.RetentionSchedule,
		cfg.RetentionKeep,
		cfg.RetentionErrorMaxAge,
		cfg.RetentionExpiryGrace,
	)
	if err != nil {
		return err
	}
	go retention.Start(ctx)
	slog.Info("retention sweeper started",
		"schedule", cfg.RetentionSchedule,
		"keep", cfg.RetentionKeep,
	)

	// 11. HTTP server with the admin API.
	apiHandler := httphandler.NewHandler(vault, healthSvc, retention, slog.Default())
	handler := httphandler.NewServeMux(apiHandler, cfg.AdminAPIKey, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	// 12. Log startup complete.
	slog.Info("pagevault started", "listen_addr", cfg.ListenAddr)

	// 13. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 14. Graceful shutdown with 10s timeout for the HTTP server drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// 15. Log shutdown complete.
	slog.Info("shutdown complete")
	return nil
}
