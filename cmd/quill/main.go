package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quillsec/quill/internal/api"
	"github.com/quillsec/quill/internal/config"
	"github.com/quillsec/quill/internal/cryptobox"
	"github.com/quillsec/quill/internal/health"
	"github.com/quillsec/quill/internal/notify"
	"github.com/quillsec/quill/internal/queue"
	"github.com/quillsec/quill/internal/scan"
	"github.com/quillsec/quill/internal/severity"
	"github.com/quillsec/quill/internal/store"
)

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.SeedSeverities(ctx, severity.Defaults()); err != nil {
		log.Fatalf("Failed to seed severities: %v", err)
	}
	if err := st.SeedTemplatePolicies(ctx); err != nil {
		log.Fatalf("Failed to seed template policies: %v", err)
	}

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

	monitor := health.NewMonitor(st, q, cfg.Scanner.StaleWorkerWindow, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	scheduler := scan.NewScheduler(st, orch, logger)

	server := api.NewServer(cfg, st, q, orch,
		api.WithLogger(logger),
		api.WithScheduler(scheduler),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	log.Printf("Starting quill server on %s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
