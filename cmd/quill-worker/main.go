package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/asset"
	"github.com/quillsec/quill/internal/config"
	"github.com/quillsec/quill/internal/cryptobox"
	"github.com/quillsec/quill/internal/embedding"
	"github.com/quillsec/quill/internal/executor"
	"github.com/quillsec/quill/internal/models"
	"github.com/quillsec/quill/internal/notify"
	"github.com/quillsec/quill/internal/queue"
	"github.com/quillsec/quill/internal/runner"
	"github.com/quillsec/quill/internal/scan"
	"github.com/quillsec/quill/internal/store"
)

// scanAssetHandler runs one scan asset task end to end and rolls the run
// status up once the asset settles.
type scanAssetHandler struct {
	runner *runner.Runner
	store  *store.Store
	orch   *scan.Orchestrator
}

func (h *scanAssetHandler) Run(ctx context.Context, scanAssetID uuid.UUID) error {
	if err := h.runner.Run(ctx, scanAssetID); err != nil {
		return err
	}
	h.finalize(ctx, scanAssetID)
	return nil
}

func (h *scanAssetHandler) finalize(ctx context.Context, scanAssetID uuid.UUID) {
	scanAsset, err := h.store.GetScanAsset(ctx, scanAssetID)
	if err != nil || scanAsset == nil {
		return
	}
	if err := h.orch.FinalizeIfDone(ctx, scanAsset.ScanRunID); err != nil {
		log.Printf("Finalizing run %s failed: %v", scanAsset.ScanRunID, err)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	key, err := cfg.Encryption.KeyBytes()
	if err != nil {
		log.Fatalf("Invalid encryption key: %v", err)
	}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		Cipher:       cryptobox.New(key),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer q.Close()

	notifier := notify.NewService(cfg.Notifications, st, logger)
	orch := scan.NewOrchestrator(st, q, notifier, scan.Config{
		StaleWorkerWindow:   cfg.Scanner.StaleWorkerWindow,
		MinAvailableWorkers: cfg.Scanner.MinAvailableWorkers,
	}, logger)

	exec := executor.New(
		st,
		asset.NewRegistry(cfg.Scanner.TransportRetries),
		embedding.NewCache(st, logger),
		executor.Config{
			MaxRounds:        cfg.Scanner.MaxRounds,
			MaxSearchResults: cfg.Scanner.MaxSearchResults,
		},
		logger,
	)

	handler := &scanAssetHandler{
		runner: runner.New(st, exec, logger),
		store:  st,
		orch:   orch,
	}

	worker := queue.NewWorker(queue.WorkerConfig{
		Queue:   q,
		Handler: handler,
	})

	// The runner persists its own failures; this catches tasks that died
	// before the runner could record anything.
	worker.OnFailure(func(ctx context.Context, task *queue.Task, errMsg, traceback string) {
		_ = st.CreateScanAssetFailure(ctx, &models.ScanAssetFailure{
			ScanAssetID: task.ScanAssetID,
			ErrorKind:   models.ErrorKindRunner,
			Message:     errMsg,
			Traceback:   traceback,
		})
		_ = st.FinishScanAsset(ctx, task.ScanAssetID, models.ScanAssetFailed, &errMsg)
		handler.finalize(ctx, task.ScanAssetID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	worker.Stop()
}
