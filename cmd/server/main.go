package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mediaconsole/internal/access"
	"mediaconsole/internal/accessapi"
	"mediaconsole/internal/api"
	"mediaconsole/internal/auth"
	"mediaconsole/internal/config"
	"mediaconsole/internal/db"
	"mediaconsole/internal/housekeeping"
	"mediaconsole/internal/logging"
	"mediaconsole/internal/notify"
	"mediaconsole/internal/querycache"
	"mediaconsole/internal/service"
	"mediaconsole/internal/store"
	"mediaconsole/internal/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		raw, hash, err := auth.NewAdminToken()
		if err != nil {
			log.Fatalf("generate token: %v", err)
		}
		fmt.Printf("token: %s\nhash:  %s\n", raw, hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source := cfg.AuditDBDSN
	if cfg.AuditDBDriver == "sqlite" {
		source = cfg.DBPath
	}
	sqdb, err := db.Open(cfg.AuditDBDriver, source, db.Pool{
		MaxOpen:     cfg.DBMaxOpenConns,
		MaxIdle:     cfg.DBMaxIdleConns,
		MaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer sqdb.Close()
	if err := db.Migrate(ctx, sqdb); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	st := store.New(sqdb, cfg.AuditDBDriver)

	client := accessapi.New(cfg, logger.Named("platform"))
	cache := querycache.New(
		querycache.WithStaleAfter(cfg.CacheStaleAfter()),
		querycache.WithExpiryMargin(cfg.CacheExpiryMargin()),
		querycache.WithLogger(logger.Named("cache")),
	)
	opts := []access.CoordinatorOption{access.WithAudit(st)}
	if sender := notify.NewSender(cfg, logger.Named("notify")); sender != nil {
		opts = append(opts, access.WithNotifier(sender))
	}
	coord := access.NewCoordinator(client, cache, logger.Named("mutations"), opts...)
	defer coord.Close()
	svc := service.New(access.NewQueries(client, cache), coord, st, logger)

	sched, err := housekeeping.New(cfg, st, logger.Named("housekeeping"))
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	verifier := auth.NewVerifier(cfg.AdminTokens)
	if !verifier.Enabled() {
		logger.Warn("ADMIN_TOKENS is empty; the API is unauthenticated", zap.String("listen_addr", cfg.ListenAddr))
	}

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg, svc, verifier, logger.Named("http")),
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("version", version.Current().Version),
			zap.String("platform", cfg.PlatformAPIBaseURL),
		)
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = hsrv.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}
