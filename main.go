package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"meetsync/audio"
	"meetsync/internal/api"
	"meetsync/internal/config"
	"meetsync/internal/logger"
	"meetsync/internal/service"
	"meetsync/remote"
	"meetsync/session"
	"meetsync/store"
)

func main() {
	// .env для локальной разработки; в проде всё приходит из окружения
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	logg := logger.New(cfg.LogLevel, cfg.LogFile)
	defer logg.Sync()
	logg.Info("meetsync starting...")

	st, err := store.Open(cfg.DataDir, logg)
	if err != nil {
		logg.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	state := session.NewStateManager(st, logg)
	if err := state.Startup(); err != nil {
		logg.Fatalf("Failed to inspect recording state: %v", err)
	}

	engine, err := audio.NewEngine(audio.EngineOptions{
		FragmentInterval: cfg.FragmentInterval,
		FlushInterval:    cfg.FlushInterval,
		StopTimeout:      cfg.StopTimeout,
	}, logg)
	if err != nil {
		logg.Fatalf("Failed to init audio: %v", err)
	}
	defer engine.Close()

	client := remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteAuthToken, remote.RetryPolicy{
		MaxAttempts: cfg.MaxRetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    10 * time.Second,
	}, logg)

	// Сервер является Notifier'ом для сервисов, поэтому собирается первым
	server := api.NewServer(nil, nil, cfg.Port, logg)

	recSvc := service.NewRecordingService(
		st, state, service.WrapEngine(engine), client, server,
		cfg.HeartbeatInterval, cfg.DefaultLanguage, logg,
	)
	syncSvc := service.NewSyncService(st, client, server, cfg.PollInterval, logg)
	server.Recording = recSvc
	server.Sync = syncSvc

	if snap := state.InterruptedRecording(); snap != nil {
		server.InterruptedFound(snap)
	}

	// Аварийное завершение: остановить запись с ограниченным ожиданием,
	// durable-данные уже на диске
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logg.Info("Shutting down...")
		recSvc.ForceStop()
		engine.Close()
		st.Close()
		logg.Sync()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		logg.Fatalf("Server failed: %v", err)
	}
}
