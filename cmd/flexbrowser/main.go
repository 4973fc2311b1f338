package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/khanhromvn/flexbrowser/internal/automation"
	"github.com/khanhromvn/flexbrowser/internal/bridge"
	"github.com/khanhromvn/flexbrowser/internal/config"
	"github.com/khanhromvn/flexbrowser/internal/cookiesync"
	"github.com/khanhromvn/flexbrowser/internal/handlers"
	"github.com/khanhromvn/flexbrowser/internal/model"
	"github.com/khanhromvn/flexbrowser/internal/pip"
	"github.com/khanhromvn/flexbrowser/internal/storage"
)

var version = "dev"

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("flexbrowser %s\n", version)
		os.Exit(0)
	}

	if len(os.Args) > 1 && os.Args[1] == "config" {
		config.HandleConfigCommand(cfg)
		os.Exit(0)
	}

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		slog.Error("cannot create state dir", "err", err)
		os.Exit(1)
	}

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		slog.Error("cannot open database", "path", cfg.DBPath, "err", err)
		os.Exit(1)
	}

	accounts, err := db.LoadAccounts(context.Background())
	if err != nil {
		slog.Error("cannot load accounts", "err", err)
		_ = db.Close()
		os.Exit(1)
	}
	store := model.NewStore(accounts, db, model.NewAudioRegistry())

	b := bridge.New(cfg, bridge.StoreSink{Store: store}, db)
	if err := b.EnsureChrome(); err != nil {
		slog.Error("chrome failed to start",
			"err", err,
			"hint", "set CHROME_BINARY or delete "+bridge.ProfileDir(cfg),
		)
		store.Close()
		_ = db.Close()
		os.Exit(1)
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	changes, unsubscribe := store.SubscribeAll()
	go b.Views.Watch(watchCtx, changes)
	go b.Views.Restore(watchCtx, store.Accounts())

	extractor := pip.NewExtractor(b.Views, b.Views, cfg.PipWidth, cfg.PipHeight)
	assistant := automation.NewAssistant(b.Views, func(source string) automation.CookieSyncer {
		return cookiesync.New(b.Views, source, bridge.AutomationPartition)
	}, cfg.ChatSite)
	assistant.ScreenshotDir = cfg.ScreenshotDir()

	mux := http.NewServeMux()
	h := handlers.New(store, b, assistant, extractor, cfg)

	srv := newServer(cfg, handlers.Chain(cfg, mux))

	shutdownOnce := &sync.Once{}
	doShutdown := func() {
		shutdownOnce.Do(func() {
			slog.Info("shutting down, saving state...")
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown", "err", err)
			}
			unsubscribe()
			watchCancel()
			b.Close(ctx)
			slog.Info("chrome closed")
			store.Close()
			if err := db.Close(); err != nil {
				slog.Warn("close database", "err", err)
			}
		})
	}

	h.RegisterRoutes(mux, doShutdown)

	setupSignalHandler(doShutdown, func() {
		watchCancel()
		if b.BrowserCancel != nil {
			b.BrowserCancel()
		}
		if b.AllocCancel != nil {
			b.AllocCancel()
		}
	})

	slog.Info("flexbrowser started", "addr", cfg.ListenAddr(), "db", cfg.DBPath, "accounts", len(accounts), "headless", cfg.Headless)
	if cfg.Token != "" {
		slog.Info("auth enabled")
	} else {
		slog.Info("auth disabled (set FLEX_TOKEN to enable)")
	}

	go runStartupHealthCheck(cfg)

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server", "err", err)
		os.Exit(1)
	}
	doShutdown()
}

// newServer has no write timeout: /events holds its connection open.
func newServer(cfg *config.RuntimeConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func setupSignalHandler(shutdownFn func(), forceFn func()) {
	go func() {
		sig := make(chan os.Signal, 2)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		go shutdownFn()
		<-sig
		slog.Warn("force shutdown requested")
		forceFn()
		os.Exit(130)
	}()
}

func runStartupHealthCheck(cfg *config.RuntimeConfig) {
	time.Sleep(500 * time.Millisecond)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/health", cfg.ListenAddr()))
	if err != nil {
		slog.Error("startup health check failed", "err", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		slog.Info("startup health check passed")
	} else {
		slog.Warn("startup health check unexpected status", "status", resp.StatusCode)
	}
}
