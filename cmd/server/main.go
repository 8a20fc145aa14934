// Command server runs the mailbox service: the background pipeline that
// replicates and triages the inbox, the working-memory maintenance engine
// and the HTTP API, all against one local store.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbox-intel/internal/alerts"
	"github.com/ignite/inbox-intel/internal/api"
	"github.com/ignite/inbox-intel/internal/chunker"
	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/embedder"
	"github.com/ignite/inbox-intel/internal/graph"
	"github.com/ignite/inbox-intel/internal/ingest"
	"github.com/ignite/inbox-intel/internal/llm"
	"github.com/ignite/inbox-intel/internal/pkg/distlock"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/replicator"
	"github.com/ignite/inbox-intel/internal/search"
	"github.com/ignite/inbox-intel/internal/storage"
	"github.com/ignite/inbox-intel/internal/triage"
	"github.com/ignite/inbox-intel/internal/trigger"
	"github.com/ignite/inbox-intel/internal/wm"
	"github.com/ignite/inbox-intel/internal/worker"
)

// lockTTL bounds how long a crashed instance can block a restart.
const lockTTL = 90 * time.Second

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Service.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	user := cfg.Graph.DelegatedUser

	store, err := storage.Open(cfg.State.ResolveDBPath())
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Exactly one instance replicates a given mailbox. Redis arbitrates
	// when configured; otherwise a lock file in the state directory
	// covers the single-host case.
	lock := distlock.New(rdb, filepath.Join(cfg.State.ResolveStateDir(), "service.lock"), "mailbox:"+user, lockTTL)
	held, err := lock.Acquire(ctx)
	if err != nil {
		log.Fatalf("Failed to acquire mailbox lock: %v", err)
	}
	if !held {
		log.Fatalf("Another instance already serves mailbox %s", user)
	}
	go func() {
		t := time.NewTicker(lockTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := lock.Extend(ctx, lockTTL); err != nil {
					logger.Warn("mailbox lock renewal failed", "error", err.Error())
				}
			}
		}
	}()

	graphClient := graph.NewClient(cfg.Graph)
	llmClient, err := llm.New(cfg.LLM)
	if err != nil {
		log.Fatalf("Failed to build model client: %v", err)
	}
	enc, err := embedder.NewEncoder(cfg.Embedding, cfg.LLM)
	if err != nil {
		log.Fatalf("Failed to build embedding encoder: %v", err)
	}

	emitter := trigger.New(cfg.State.TriggerDir(), user, store)
	if rdb != nil && cfg.Redis.Stream != "" {
		emitter = emitter.WithStream(rdb, cfg.Redis.Stream)
		log.Printf("Mirroring triggers to redis stream %s", cfg.Redis.Stream)
	}

	alertEngine := alerts.NewEngine(store, llmClient, emitter)
	pipeline := worker.New(worker.Deps{
		Store:     store,
		Sync:      replicator.New(graphClient, store, user),
		Extract:   ingest.New(graphClient, store, cfg.Extraction),
		Chunk:     chunker.New(store),
		Embed:     embedder.New(enc, store, cfg.Embedding),
		Organizer: triage.New(store, graphClient, llmClient, emitter, cfg.Triage, cfg.Digest, user),
		Memory:    wm.NewUpdater(store, llmClient, user),
		Alerts:    alertEngine,
	}, cfg.Service.PollInterval())
	memoryEngine := wm.NewEngine(store, emitter, cfg.WM)

	server := api.New(api.Deps{
		Store:    store,
		Search:   search.New(store, enc),
		Rules:    alertEngine,
		Triggers: emitter,
		Worker:   pipeline,
	})

	pipeline.Start(ctx)
	memoryEngine.Start(ctx)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Serving API on %s for mailbox %s", cfg.Service.APIAddr, user)
		if err := server.ListenAndServe(cfg.Service.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	cancel()
	pipeline.Stop()
	memoryEngine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := lock.Release(shutdownCtx); err != nil {
		log.Printf("Lock release error: %v", err)
	}
	log.Println("Server stopped")
}
