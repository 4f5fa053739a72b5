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

	"CloudVault/config"
	"CloudVault/internal/audit"
	"CloudVault/internal/handler"
	"CloudVault/internal/logger"
	"CloudVault/internal/metrics"
	"CloudVault/internal/mq"
	"CloudVault/internal/repo"
	"CloudVault/internal/service"
	"CloudVault/internal/storage"
	"CloudVault/router"
	"CloudVault/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// main initializes services and starts the HTTP server.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(&cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repo.NewMysql(cfg, log)
	if err != nil {
		return err
	}
	rdb, err := repo.NewRedis(cfg, log)
	if err != nil {
		return err
	}
	defer rdb.Close()
	objects, err := storage.NewMinio(ctx, cfg, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	publisher := mq.NewPublisher(cfg.RabbitMQURL)
	defer publisher.Close()
	queue := mq.NewQueue(cfg.RabbitMQURL, cfg.RabbitMQPrefetch, publisher)
	defer queue.Close()

	quotaStore := repo.NewQuotaStore(db)
	var ledger *service.QuotaLedger
	sinks := audit.Multi{audit.NewLogSink(log), audit.NewMQSink(publisher)}
	if cfg.SMTPEnabled() {
		lookup := func(ctx context.Context, userID uint64) (string, error) { return ledger.Email(ctx, userID) }
		sinks = append(sinks, audit.NewMailSink(audit.NewSMTPMailer(cfg), lookup))
	}
	dispatcher := audit.NewDispatcher(sinks, 1024, log, m)
	defer dispatcher.Close()
	ledger = service.NewQuotaLedger(quotaStore, dispatcher, m, log)

	cache := repo.NewShareCache(rdb, log)
	files := repo.NewFileStore(db)
	folders := repo.NewFolderStore(db)
	shares := repo.NewShareStore(db)

	fileSvc := service.NewFileService(service.FileDeps{
		Files:   files,
		Folders: folders,
		Shares:  shares,
		Cache:   cache,
		Quota:   ledger,
		Objects: objects,
		Queue:   queue,
		Audit:   dispatcher,
		Log:     log,
	}, service.FileOptions{TrashRetention: cfg.TrashRetention, PresignTTL: cfg.PresignTTL})
	shareSvc := service.NewShareService(service.ShareDeps{
		Shares:  shares,
		Files:   files,
		Folders: folders,
		Cache:   cache,
		Objects: objects,
		Audit:   dispatcher,
		Metrics: m,
		Log:     log,
	}, service.ShareOptions{CacheTTL: cfg.ShareCacheTTL, TokenRetries: cfg.ShareTokenRetries, PresignTTL: cfg.PresignTTL})

	if err := repo.EnableKeyspaceNotifications(ctx, rdb); err != nil {
		log.Warn("enable redis keyspace notifications failed, share expiry relies on read-time checks", zap.Error(err))
	} else {
		ready := make(chan struct{})
		go func() {
			if err := cache.ListenExpired(ctx, shareSvc.OnExpired, ready); err != nil {
				log.Error("share expiry listener stopped", zap.Error(err))
			}
		}()
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			log.Warn("share expiry listener not subscribed yet")
		}
	}

	engine := router.InitRouter(router.Deps{
		Files:        handler.NewFileHandler(fileSvc),
		Shares:       handler.NewShareHandler(shareSvc),
		Quota:        handler.NewQuotaHandler(ledger),
		JWT:          utils.NewJWT(cfg.JWTSecret),
		Provisioner:  ledger,
		DefaultQuota: cfg.DefaultQuotaBytes,
		CORSOrigins:  cfg.CORSOrigins,
		Metrics:      m,
		Log:          log,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
