package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/khanhromvn/flexbrowser/internal/automation"
	"github.com/khanhromvn/flexbrowser/internal/bridge"
	"github.com/khanhromvn/flexbrowser/internal/idutil"
	"github.com/khanhromvn/flexbrowser/internal/model"
	"github.com/khanhromvn/flexbrowser/internal/web"
)

const loginFlowTimeout = 3 * time.Minute

func (h *Handlers) siteName(name string) string {
	if name != "" {
		return name
	}
	if h.Config != nil {
		return h.Config.ChatSite
	}
	return ""
}

// lock takes key for the duration of one flow, writing 409 when it is held.
func (h *Handlers) lock(w http.ResponseWriter, key, owner string) (func(), bool) {
	release, err := h.Bridge.Lock(key, owner, loginFlowTimeout)
	if err != nil {
		var busy *bridge.BusyError
		if errors.As(err, &busy) {
			web.ErrorCode(w, 409, "busy", err.Error(), true, map[string]any{"owner": busy.Owner, "until": busy.Expires.Format(time.RFC3339)})
			return nil, false
		}
		web.Error(w, 500, err)
		return nil, false
	}
	return release, true
}

func (h *Handlers) HandleChatEnsure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Site      string `json:"site"`
		Token     string `json:"token"`
		AccountID string `json:"accountId"`
	}
	if err := decode(w, r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	ensure := automation.EnsureRequest{Site: h.siteName(req.Site), Token: req.Token}
	if req.AccountID != "" {
		acc, ok := h.Store.Account(req.AccountID)
		if !ok {
			storeError(w, fmt.Errorf("%w: %s", model.ErrAccountNotFound, req.AccountID))
			return
		}
		ensure.Source = bridge.TabPartition(acc)
		if ensure.Token == "" {
			ensure.Token = acc.Token
		}
	}

	release, ok := h.lock(w, bridge.AutomationKey(ensure.Site), "login")
	if !ok {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), loginFlowTimeout)
	defer cancel()
	sess, err := h.Chat.Ensure(ctx, ensure)
	if err != nil {
		details := map[string]any{"site": ensure.Site}
		if sess != nil {
			details["state"] = sess.State
			details["transitions"] = sess.Transitions
			if sess.Screenshot != "" {
				details["screenshot"] = sess.Screenshot
			}
		}
		web.AutomationError(w, err, details)
		return
	}
	web.JSON(w, 200, sess)
}

func (h *Handlers) HandleChatAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Site     string `json:"site"`
		Question string `json:"question"`
	}
	if err := decode(w, r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	if req.Question == "" {
		web.Error(w, 400, fmt.Errorf("question required"))
		return
	}
	site := h.siteName(req.Site)
	release, ok := h.lock(w, bridge.AutomationKey(site), "ask")
	if !ok {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), loginFlowTimeout)
	defer cancel()
	answer, err := h.Chat.AskSite(ctx, site, req.Question)
	if err != nil {
		web.AutomationError(w, err, map[string]any{"site": site})
		return
	}
	web.JSON(w, 200, map[string]any{"site": site, "answer": answer})
}

func (h *Handlers) HandleTabAsk(w http.ResponseWriter, r *http.Request) {
	tabID := r.PathValue("id")
	var req struct {
		Question string `json:"question"`
	}
	if err := decode(w, r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	if req.Question == "" {
		web.Error(w, 400, fmt.Errorf("question required"))
		return
	}
	accountID, tab, found := h.Store.FindTab(tabID)
	if !found {
		storeError(w, fmt.Errorf("%w: %s", model.ErrTabNotFound, tabID))
		return
	}
	acc, _ := h.Store.Account(accountID)

	release, ok := h.lock(w, tabID, "ask")
	if !ok {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), loginFlowTimeout)
	defer cancel()
	page, err := h.Bridge.TabPage(ctx, acc, tab)
	if err != nil {
		web.Error(w, 500, fmt.Errorf("open tab view: %w", err))
		return
	}
	answer, err := h.Chat.Ask(ctx, page, req.Question)
	if err != nil {
		web.AutomationError(w, err, map[string]any{"tabId": tabID})
		return
	}
	web.JSON(w, 200, map[string]any{"tabId": tabID, "answer": answer})
}

// HandleAuthCallback completes a sign-in handed back by the system
// browser and warms up the chat session with the new token.
func (h *Handlers) HandleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token, accountID := q.Get("token"), q.Get("accountId")
	if token == "" || accountID == "" {
		web.Error(w, 400, fmt.Errorf("token and accountId required"))
		return
	}
	if !idutil.IsValidID(accountID, idutil.PrefixAccount) {
		web.Error(w, 400, fmt.Errorf("invalid accountId %q", accountID))
		return
	}
	change, err := h.Store.Dispatch(model.SignIn{AccountID: accountID, Token: token, Email: q.Get("email")})
	if err != nil {
		storeError(w, err)
		return
	}
	slog.Info("account signed in", "account", accountID)

	if h.Chat != nil && change.Account != nil {
		go h.warmChat(*change.Account)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<!doctype html><title>Signed in</title><p>Signed in as %s. You can close this window.</p>",
		html.EscapeString(change.Account.Name))
}

func (h *Handlers) warmChat(acc model.Account) {
	site := h.siteName("")
	release, err := h.Bridge.Lock(bridge.AutomationKey(site), "login", loginFlowTimeout)
	if err != nil {
		slog.Debug("chat warmup skipped", "site", site, "err", err)
		return
	}
	defer release()
	ctx, cancel := context.WithTimeout(context.Background(), loginFlowTimeout)
	defer cancel()
	if _, err := h.Chat.Ensure(ctx, automation.EnsureRequest{Site: site, Token: acc.Token, Source: bridge.TabPartition(acc)}); err != nil {
		slog.Warn("chat warmup failed", "site", site, "err", err)
	}
}

func (h *Handlers) HandleScreenshot(w http.ResponseWriter, r *http.Request) {
	path, err := web.SafePath(h.Config.ScreenshotDir(), r.PathValue("name"))
	if err != nil {
		web.Error(w, 400, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		web.ErrorCode(w, 404, "not_found", "screenshot not found", false, nil)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}
