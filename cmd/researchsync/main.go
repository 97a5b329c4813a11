package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/researchsync/internal/cache"
	"github.com/agentworkforce/researchsync/internal/httpapi"
	"github.com/agentworkforce/researchsync/internal/localstore"
	"github.com/agentworkforce/researchsync/internal/researchsync"
)

func main() {
	remoteURL := flag.String("remote-url", envOrDefault("RESEARCHSYNC_REMOTE_URL", "http://127.0.0.1:8080"), "remote store base URL")
	feedURL := flag.String("feed-url", strings.TrimSpace(os.Getenv("RESEARCHSYNC_FEED_URL")), "change feed websocket URL (optional; poll-only when unset)")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RESEARCHSYNC_TOKEN")), "bearer token")
	ownerID := flag.String("owner", strings.TrimSpace(os.Getenv("RESEARCHSYNC_OWNER")), "owner ID whose queue to synchronize")
	storeDSN := flag.String("store", envOrDefault("RESEARCHSYNC_STORE", "memory://"), "local store DSN (file://, memory://, postgres://)")
	pollInterval := flag.Duration("poll-interval", durationEnv("RESEARCHSYNC_POLL_INTERVAL", researchsync.DefaultPollInterval), "polling fallback interval")
	initialPollDelay := flag.Duration("initial-poll-delay", durationEnv("RESEARCHSYNC_INITIAL_POLL_DELAY", researchsync.DefaultInitialPollDelay), "delay before the first poll")
	cacheTTL := flag.Duration("cache-ttl", durationEnv("RESEARCHSYNC_CACHE_TTL", cache.DefaultTTL), "work item cache TTL")
	statusAddr := flag.String("status-addr", strings.TrimSpace(os.Getenv("RESEARCHSYNC_STATUS_ADDR")), "local status listen address (optional)")
	statusToken := flag.String("status-token", strings.TrimSpace(os.Getenv("RESEARCHSYNC_STATUS_TOKEN")), "bearer token for the status endpoint (optional)")
	flag.Parse()

	if strings.TrimSpace(*ownerID) == "" {
		log.Fatalf("owner is required (--owner or RESEARCHSYNC_OWNER)")
	}
	if *pollInterval <= 0 {
		*pollInterval = researchsync.DefaultPollInterval
	}
	if *initialPollDelay <= 0 {
		*initialPollDelay = researchsync.DefaultInitialPollDelay
	}

	store, err := localstore.BuildStoreFromDSN(*storeDSN, log.Default())
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}
	defer store.Close()

	itemCache, err := cache.New(store, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize cache: %v", err)
	}
	defer itemCache.Close()

	client := researchsync.NewHTTPClient(researchsync.HTTPClientOptions{
		BaseURL: *remoteURL,
		Token:   *token,
		Logger:  log.Default(),
	})
	defer client.Close()

	var feed researchsync.Feed
	if strings.TrimSpace(*feedURL) != "" {
		wsFeed, err := researchsync.NewWebsocketFeed(researchsync.WebsocketFeedOptions{
			URL:    *feedURL,
			Token:  *token,
			Logger: log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize change feed: %v", err)
		}
		feed = wsFeed
	} else {
		log.Printf("no feed URL configured; relying on polling only")
	}

	synchronizer, err := researchsync.NewQueueSynchronizer(researchsync.SynchronizerOptions{
		OwnerID:          strings.TrimSpace(*ownerID),
		Client:           client,
		Cache:            itemCache,
		Feed:             feed,
		PollInterval:     *pollInterval,
		InitialPollDelay: *initialPollDelay,
		CacheTTL:         *cacheTTL,
		Logger:           log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize synchronizer: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(rootCtx, 30*time.Second)
	if err := synchronizer.Start(startCtx); err != nil {
		cancelStart()
		log.Fatalf("failed to start synchronizer: %v", err)
	}
	cancelStart()
	defer synchronizer.Stop()

	var statusServer *http.Server
	if strings.TrimSpace(*statusAddr) != "" {
		api := httpapi.NewServer(httpapi.ServerOptions{
			Token:    *statusToken,
			OwnerID:  strings.TrimSpace(*ownerID),
			Snapshot: synchronizer,
			Cache:    itemCache,
			Logger:   log.Default(),
		})
		statusServer = &http.Server{Addr: *statusAddr, Handler: api.Handler()}
		go func() {
			log.Printf("status endpoint listening on %s", *statusAddr)
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("status endpoint failed: %v", err)
			}
		}()
	}

	for {
		select {
		case <-rootCtx.Done():
			log.Printf("researchsync stopping: %v", rootCtx.Err())
			if statusServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = statusServer.Shutdown(shutdownCtx)
				cancel()
			}
			return
		case snap := <-synchronizer.Updates():
			log.Printf("queue for %s now holds %d active items (as of %s)",
				*ownerID, len(snap.Items), snap.LastUpdate.Format(time.RFC3339))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
