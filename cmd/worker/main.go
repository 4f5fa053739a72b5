package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CloudVault/config"
	"CloudVault/internal/audit"
	"CloudVault/internal/derive"
	"CloudVault/internal/logger"
	"CloudVault/internal/metrics"
	"CloudVault/internal/mq"
	"CloudVault/internal/repo"
	"CloudVault/internal/scanner"
	"CloudVault/internal/service"
	"CloudVault/internal/storage"
	"CloudVault/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	sweepInterval = 10 * time.Minute
	sweepBatch    = 200
	metricsAddr   = ":9102"
)

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
	m := metrics.New(reg)
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer metricsSrv.Close()

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

	files := repo.NewFileStore(db)
	fileSvc := service.NewFileService(service.FileDeps{
		Files:   files,
		Folders: repo.NewFolderStore(db),
		Shares:  repo.NewShareStore(db),
		Cache:   repo.NewShareCache(rdb, log),
		Quota:   ledger,
		Objects: objects,
		Queue:   queue,
		Audit:   dispatcher,
		Log:     log,
	}, service.FileOptions{TrashRetention: cfg.TrashRetention, PresignTTL: cfg.PresignTTL})

	sweeper := worker.NewTrashSweeper(fileSvc, repo.NewRedisLock(rdb, "lock:trash-sweep", sweepInterval), sweepInterval, sweepBatch, log)
	go sweeper.Run(ctx)

	w := worker.New(worker.Deps{
		Files:   files,
		Ledger:  ledger,
		Queue:   queue,
		Objects: objects,
		Scanner: scanner.NewSignatureScanner(objects, cfg.ScanSignatures...),
		Deriver: derive.NewContentDeriver(objects),
		Audit:   dispatcher,
		Metrics: m,
		Log:     log,
	}, worker.ConfigFrom(cfg))
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("process worker stopped: %w", err)
	}
	return nil
}
