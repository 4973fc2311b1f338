package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/khanhromvn/flexbrowser/internal/web"
)

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	views := 0
	if h.Bridge != nil {
		views = len(h.Bridge.ListViews())
	}
	web.JSON(w, 200, map[string]any{
		"status":   "ok",
		"accounts": len(h.Store.Accounts()),
		"views":    views,
		"metrics":  Metrics(),
	})
}

func (h *Handlers) HandleViews(w http.ResponseWriter, r *http.Request) {
	views := h.Bridge.ListViews()
	out := make([]map[string]any, 0, len(views))
	for _, v := range views {
		entry := map[string]any{"view": v}
		if lock := h.Bridge.LockInfo(v.Key); lock != nil {
			entry["owner"] = lock.Owner
			entry["lockedUntil"] = lock.ExpiresAt.Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	web.JSON(w, 200, map[string]any{"views": out})
}

func (h *Handlers) HandleAudio(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, 200, map[string]any{"audio": h.Store.Audio().List()})
}

func (h *Handlers) HandleShutdown(shutdownFn func()) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Info("shutdown requested via API")
		web.JSON(w, 200, map[string]any{"status": "shutting down"})

		go func() {
			time.Sleep(100 * time.Millisecond)
			shutdownFn()
		}()
	}
}
