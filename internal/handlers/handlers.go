// Package handlers serves the local HTTP API of the browser shell.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/khanhromvn/flexbrowser/internal/automation"
	"github.com/khanhromvn/flexbrowser/internal/bridge"
	"github.com/khanhromvn/flexbrowser/internal/config"
	"github.com/khanhromvn/flexbrowser/internal/model"
	"github.com/khanhromvn/flexbrowser/internal/pip"
	"github.com/khanhromvn/flexbrowser/internal/web"
)

const maxBodySize = 1 << 20

// ChatService runs the chat automation flows.
type ChatService interface {
	Ensure(ctx context.Context, req automation.EnsureRequest) (*automation.Session, error)
	AskSite(ctx context.Context, site, question string) (string, error)
	Ask(ctx context.Context, page automation.Page, question string) (string, error)
}

// PipService opens picture-in-picture windows.
type PipService interface {
	Open(ctx context.Context, req pip.Request) (*pip.Result, error)
}

type Handlers struct {
	Store  *model.Store
	Bridge bridge.BridgeAPI
	Chat   ChatService
	Pip    PipService
	Config *config.RuntimeConfig
}

func New(store *model.Store, b bridge.BridgeAPI, chat ChatService, p PipService, cfg *config.RuntimeConfig) *Handlers {
	return &Handlers{
		Store:  store,
		Bridge: b,
		Chat:   chat,
		Pip:    p,
		Config: cfg,
	}
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux, doShutdown func()) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /views", h.HandleViews)

	mux.HandleFunc("GET /accounts", h.HandleListAccounts)
	mux.HandleFunc("POST /accounts", h.HandleAddAccount)
	mux.HandleFunc("PATCH /accounts/{id}", h.HandleUpdateAccount)
	mux.HandleFunc("DELETE /accounts/{id}", h.HandleRemoveAccount)
	mux.HandleFunc("POST /accounts/{id}/signin", h.HandleSignIn)
	mux.HandleFunc("POST /accounts/{id}/tabs", h.HandleAddTab)
	mux.HandleFunc("PATCH /accounts/{id}/tabs/{tabId}", h.HandleUpdateTab)
	mux.HandleFunc("DELETE /accounts/{id}/tabs/{tabId}", h.HandleRemoveTab)
	mux.HandleFunc("POST /accounts/{id}/tabs/reorder", h.HandleReorderTabs)
	mux.HandleFunc("POST /accounts/{id}/active", h.HandleSetActive)

	mux.HandleFunc("GET /audio", h.HandleAudio)
	mux.HandleFunc("POST /pip", h.HandlePip)

	mux.HandleFunc("POST /chat/ensure", h.HandleChatEnsure)
	mux.HandleFunc("POST /chat/ask", h.HandleChatAsk)
	mux.HandleFunc("POST /tabs/{id}/ask", h.HandleTabAsk)
	mux.HandleFunc("GET /auth/callback", h.HandleAuthCallback)
	mux.HandleFunc("GET /screenshots/{name}", h.HandleScreenshot)

	mux.HandleFunc("GET /events", h.HandleEvents)

	if doShutdown != nil {
		mux.HandleFunc("POST /shutdown", h.HandleShutdown(doShutdown))
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return web.DecodeJSON(w, r, v, maxBodySize)
}

// storeError maps model errors to HTTP statuses.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrAccountNotFound), errors.Is(err, model.ErrTabNotFound):
		web.ErrorCode(w, 404, "not_found", err.Error(), false, nil)
	case errors.Is(err, model.ErrDuplicateID):
		web.ErrorCode(w, 409, "duplicate", err.Error(), false, nil)
	case errors.Is(err, model.ErrInvalidOrder):
		web.ErrorCode(w, 400, "invalid_order", err.Error(), false, nil)
	case errors.Is(err, model.ErrStoreClosed):
		web.ErrorCode(w, 503, "shutting_down", err.Error(), true, nil)
	default:
		web.Error(w, 400, err)
	}
}
