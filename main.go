package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"pdftutor/internal/api"
	"pdftutor/internal/auth"
	"pdftutor/internal/config"
	"pdftutor/internal/extract"
	"pdftutor/internal/redis"
	"pdftutor/internal/service/ai"
	"pdftutor/internal/service/chat"
	"pdftutor/internal/storage"
	"pdftutor/internal/worker"
	"pdftutor/pkg/log"
)

func main() {
	cfg, err := config.Load(os.Getenv("PDFTUTOR_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var store storage.Store
	switch cfg.Storage.Backend {
	case "file":
		store, err = storage.NewFileStore(cfg.Storage.SessionsDir)
		if err != nil {
			log.Fatalf("init file session store: %v", err)
		}
	default:
		store = storage.NewSQLStore(db)
	}
	defer store.Close()

	// The cache is optional; the service runs without it.
	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache, err = redis.NewClient(cfg.Redis)
		if err != nil {
			log.Warnf("redis unavailable, continuing without cache: %v", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	ctx := context.Background()
	var extractor extract.Extractor
	switch cfg.Extractor.Mode {
	case "tika":
		extractor, err = extract.NewTikaExtractor(cfg.Extractor.TikaURL)
	default:
		extractor, err = extract.NewFileLoaderExtractor(ctx)
	}
	if err != nil {
		log.Fatalf("init document extractor: %v", err)
	}

	source, err := ai.NewTokenSource(ctx, cfg)
	if err != nil {
		log.Fatalf("init token source: %v", err)
	}

	chatService := chat.NewService(store, source, extractor)
	authService := auth.NewService(db)
	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.Dispatcher.MinWorkers,
		MaxWorkers:  cfg.Dispatcher.MaxWorkers,
		QueueSize:   cfg.Dispatcher.QueueSize,
		IdleTimeout: time.Duration(cfg.Dispatcher.IdleTimeoutSecs) * time.Second,
	})
	defer dispatcher.Stop()

	gin.SetMode(cfg.Server.Mode)
	router := gin.Default()
	handlers := api.NewHandler(chatService, authService, store, cache, dispatcher)
	handlers.RegisterRoutes(router)

	log.Infof("listening on %s (storage=%s, provider=%s)",
		cfg.Server.Address, cfg.Storage.Backend, cfg.LLM.Provider)
	if err := router.Run(cfg.Server.Address); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
