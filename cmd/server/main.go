package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/api"
	"github.com/RichardCYang/NTEOK-sub001/internal/collab"
	"github.com/RichardCYang/NTEOK-sub001/internal/config"
	"github.com/RichardCYang/NTEOK-sub001/internal/db"
	"github.com/RichardCYang/NTEOK-sub001/internal/persist"
	"github.com/RichardCYang/NTEOK-sub001/internal/repository"
	"github.com/RichardCYang/NTEOK-sub001/internal/store"
	"github.com/RichardCYang/NTEOK-sub001/internal/telemetry"

	"github.com/RichardCYang/NTEOK-sub001/internal/crdt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("🛑 Failed to load configuration: %v", err)
	}

	shutdownTracer, err := telemetry.InitJaeger("nteok-collab", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Tracing disabled: %v", err)
		shutdownTracer = func(context.Context) error { return nil }
	}

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("🛑 Failed to initialize database: %v", err)
	}

	pageRepo := repository.NewPageRepository(database.DB)
	spaceRepo := repository.NewSpaceRepository(database.DB)
	attachmentRepo := repository.NewAttachmentRepository(database.DB, cfg.FilesDir)

	docStore := store.New(pageRepo, cfg.DocIdleTimeout, cfg.SweepInterval)
	writer := persist.New(docStore, pageRepo, attachmentRepo, crdt.SanitizeHTML, cfg.DebounceInterval, cfg.StateBlobCap)
	docStore.SetFlushFunc(writer.Flush)

	// The hub installs the in-use guard on the store, so the sweep starts
	// after it is wired.
	hub := collab.NewHub(cfg, docStore, writer, pageRepo, spaceRepo, spaceRepo)
	docStore.Start()
	hub.Start()

	handler := api.NewHandler(database, spaceRepo, cfg.SessionCookie, cfg.FilesDir)
	router := api.NewRouter(cfg, hub, handler)

	addr := cfg.ServerHost + ":" + cfg.ServerPort
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("✓ Collaboration server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("🛑 Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️  HTTP shutdown: %v", err)
	}

	hub.Close()
	writer.Close(ctx)
	docStore.Shutdown(ctx)

	if err := database.Close(); err != nil {
		log.Printf("⚠️  Database close: %v", err)
	}
	if err := shutdownTracer(ctx); err != nil {
		log.Printf("⚠️  Tracer shutdown: %v", err)
	}

	log.Println("✓ Server stopped")
}
